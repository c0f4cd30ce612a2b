package appeal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/store"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS appeals (
	appeal_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appeals_status ON appeals (status, created_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS appeals (
	appeal_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appeals_status ON appeals (status, created_at);
`

const (
	queryCreate = `INSERT INTO appeals (appeal_id, user_id, status, created_at, payload)
		VALUES ($1, $2, $3, $4, $5)`
	queryGet     = `SELECT payload FROM appeals WHERE appeal_id = $1`
	queryResolve = `UPDATE appeals SET status = $2, payload = $3 WHERE appeal_id = $1 AND status = 'pending'`
	queryList    = `SELECT payload FROM appeals ORDER BY created_at ASC`
	queryListBy  = `SELECT payload FROM appeals WHERE status = $1 ORDER BY created_at ASC`
)

// SQLStore keeps appeals on postgres or sqlite. The whole Appeal, including
// the infraction snapshot, is a JSON payload; status is duplicated into a
// column so the pending-only update is a single conditional statement.
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

func (s *SQLStore) Create(ctx context.Context, a *Appeal) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode appeal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(queryCreate),
		a.ID, a.UserID, string(a.Status), store.Timestamp(a.Timestamp), string(payload))
	if err != nil {
		return fmt.Errorf("failed to create appeal: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Appeal, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(queryGet), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("appeal %s: %w", id, moderation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appeal: %w", err)
	}
	var a Appeal
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode appeal: %w", err)
	}
	return &a, nil
}

func (s *SQLStore) Resolve(ctx context.Context, a *Appeal) (bool, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode appeal: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(queryResolve), a.ID, string(a.Status), string(payload))
	if err != nil {
		return false, fmt.Errorf("failed to resolve appeal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) List(ctx context.Context, status Status) ([]*Appeal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, queryList)
	} else {
		rows, err = s.db.QueryContext(ctx, s.dialect.Rebind(queryListBy), string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list appeals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Appeal
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a Appeal
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("decode appeal: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
