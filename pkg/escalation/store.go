package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/warden/pkg/store"
)

// Store persists pending confirmations.
type Store interface {
	Save(ctx context.Context, p *Pending) error
	Get(ctx context.Context, id string) (*Pending, error)
	// Transition stores p only if the stored copy is still PENDING, and
	// reports whether it did.
	Transition(ctx context.Context, p *Pending) (bool, error)
	ListPending(ctx context.Context) ([]*Pending, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]Pending
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]Pending)}
}

func (m *MemoryStore) Save(_ context.Context, p *Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.ID] = *p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) Transition(_ context.Context, p *Pending) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pending[p.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != StatusPending {
		return false, nil
	}
	m.pending[p.ID] = *p
	return true, nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Pending
	for _, p := range m.pending {
		if p.Status == StatusPending {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS pending_confirmations (
	id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL,
	status TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_confirmations_status ON pending_confirmations (status);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_confirmations (
	id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL,
	status TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_confirmations_status ON pending_confirmations (status);
`

const (
	querySave = `INSERT INTO pending_confirmations (id, guild_id, status, expires_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload`
	queryGet        = `SELECT payload FROM pending_confirmations WHERE id = $1`
	queryTransition = `UPDATE pending_confirmations SET status = $2, payload = $3 WHERE id = $1 AND status = 'PENDING'`
	queryPending    = `SELECT payload FROM pending_confirmations WHERE status = 'PENDING' ORDER BY expires_at ASC`
)

// SQLStore is a Store on postgres or sqlite. The full Pending is kept as a
// JSON payload; status and expiry are duplicated into columns for queries.
type SQLStore struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLStore(db *sql.DB, dialect store.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Init(ctx context.Context) error {
	if s.dialect == store.SQLite {
		return store.Migrate(ctx, s.db, sqliteSchema)
	}
	return store.Migrate(ctx, s.db, pgSchema)
}

func (s *SQLStore) Save(ctx context.Context, p *Pending) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending confirmation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(querySave),
		p.ID, p.CommunityID, string(p.Status), store.Timestamp(p.ExpiresAt), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save pending confirmation: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Pending, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(queryGet), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending confirmation: %w", err)
	}
	var p Pending
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode pending confirmation: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) Transition(ctx context.Context, p *Pending) (bool, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode pending confirmation: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(queryTransition), p.ID, string(p.Status), string(payload))
	if err != nil {
		return false, fmt.Errorf("failed to resolve pending confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ListPending(ctx context.Context) ([]*Pending, error) {
	rows, err := s.db.QueryContext(ctx, queryPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending confirmations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Pending
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p Pending
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode pending confirmation: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
