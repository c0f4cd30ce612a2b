// Package config is warden's configuration: process settings from the
// environment, an optional YAML defaults profile, and the per-community
// key/value store that moderators edit at runtime.
package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/cache"
	"github.com/Mindburn-Labs/warden/pkg/store"
)

// Store holds per-community configuration values as JSON.
type Store interface {
	Get(ctx context.Context, communityID, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, communityID, key string, value json.RawMessage) error
	Delete(ctx context.Context, communityID, key string) error
}

type memKey struct{ community, key string }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[memKey]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[memKey]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, communityID, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[memKey{communityID, key}]
	return append(json.RawMessage(nil), v...), ok, nil
}

func (m *MemoryStore) Set(_ context.Context, communityID, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[memKey{communityID, key}] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, communityID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, memKey{communityID, key})
	return nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS guild_config (
	guild_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value JSONB,
	PRIMARY KEY (guild_id, key)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS guild_config (
	guild_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (guild_id, key)
);
`

const (
	queryGet = `SELECT value FROM guild_config WHERE guild_id = $1 AND key = $2`
	querySet = `INSERT INTO guild_config (guild_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, key) DO UPDATE SET value = EXCLUDED.value`
	queryDelete = `DELETE FROM guild_config WHERE guild_id = $1 AND key = $2`
)

// SQLStore is a Store on postgres (JSONB) or sqlite (TEXT).
type SQLStore struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLStore(db *sql.DB, dialect store.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Init creates the table if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	if s.dialect == store.SQLite {
		return store.Migrate(ctx, s.db, sqliteSchema)
	}
	return store.Migrate(ctx, s.db, pgSchema)
}

func (s *SQLStore) Get(ctx context.Context, communityID, key string) (json.RawMessage, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(queryGet), communityID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("config get %s: %w", key, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	return json.RawMessage(raw), true, nil
}

func (s *SQLStore) Set(ctx context.Context, communityID, key string, value json.RawMessage) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(querySet), communityID, key, string(value)); err != nil {
		return fmt.Errorf("config set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, communityID, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(queryDelete), communityID, key); err != nil {
		return fmt.Errorf("config delete %s: %w", key, err)
	}
	return nil
}

// CachedStore fronts a Store with the shared cache. Misses are not cached.
type CachedStore struct {
	next   Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedStore(next Store, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, cache: c, ttl: ttl, logger: slog.Default().With("component", "config")}
}

func cacheKey(communityID, key string) string { return "config:" + communityID + ":" + key }

func (c *CachedStore) Get(ctx context.Context, communityID, key string) (json.RawMessage, bool, error) {
	var v json.RawMessage
	ok, err := c.cache.Get(ctx, cacheKey(communityID, key), &v)
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed", "error", err)
	}
	if ok {
		return v, true, nil
	}
	v, ok, err = c.next.Get(ctx, communityID, key)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := c.cache.Set(ctx, cacheKey(communityID, key), v, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "error", err)
	}
	return v, true, nil
}

func (c *CachedStore) Set(ctx context.Context, communityID, key string, value json.RawMessage) error {
	if err := c.next.Set(ctx, communityID, key, value); err != nil {
		return err
	}
	return c.cache.Delete(ctx, cacheKey(communityID, key))
}

func (c *CachedStore) Delete(ctx context.Context, communityID, key string) error {
	if err := c.next.Delete(ctx, communityID, key); err != nil {
		return err
	}
	return c.cache.Delete(ctx, cacheKey(communityID, key))
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
	_ Store = (*CachedStore)(nil)
)
