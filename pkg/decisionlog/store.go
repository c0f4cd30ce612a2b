package decisionlog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/warden/pkg/store"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Add(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.records = append(m.records, *r)
	return nil
}

func (m *MemoryStore) List(_ context.Context, communityID string, limit, offset int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.CommunityID == communityID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, limit, offset), nil
}

func page(rs []Record, limit, offset int) []Record {
	if offset >= len(rs) {
		return nil
	}
	rs = rs[offset:]
	if limit > 0 && limit < len(rs) {
		rs = rs[:limit]
	}
	return rs
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS ai_decisions (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_name TEXT,
	message_content_snippet TEXT,
	decision JSONB,
	content_hash TEXT,
	decision_timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_decisions_guild_timestamp ON ai_decisions (guild_id, decision_timestamp);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ai_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_name TEXT,
	message_content_snippet TEXT,
	decision TEXT,
	content_hash TEXT,
	decision_timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_decisions_guild_timestamp ON ai_decisions (guild_id, decision_timestamp);
`

const (
	queryAdd = `INSERT INTO ai_decisions (guild_id, message_id, author_id, author_name, message_content_snippet, decision, content_hash, decision_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	queryList = `SELECT id, guild_id, message_id, author_id, author_name, message_content_snippet, decision, content_hash, decision_timestamp
		FROM ai_decisions
		WHERE guild_id = $1
		ORDER BY decision_timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`
)

// SQLStore is a Store on postgres or sqlite.
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

func (s *SQLStore) Add(ctx context.Context, r *Record) error {
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(queryAdd),
		r.CommunityID, r.MessageID, r.AuthorID, r.AuthorName, r.Snippet,
		string(r.Decision), r.ContentHash, store.Timestamp(r.Timestamp),
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to add AI decision: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, communityID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(queryList), communityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list AI decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r                         Record
			authorName, snippet, hash sql.NullString
			decision                  []byte
			ts                        store.Timestamp
		)
		if err := rows.Scan(&r.ID, &r.CommunityID, &r.MessageID, &r.AuthorID, &authorName, &snippet, &decision, &hash, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan AI decision: %w", err)
		}
		r.AuthorName, r.Snippet, r.ContentHash = authorName.String, snippet.String, hash.String
		if len(decision) > 0 {
			r.Decision = append([]byte(nil), decision...)
		}
		r.Timestamp = ts.Time()
		out = append(out, r)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
