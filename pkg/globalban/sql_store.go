package globalban

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/warden/pkg/store"
)

// schema is valid on both postgres and sqlite.
const schema = `
CREATE TABLE IF NOT EXISTS global_bans (
	user_id TEXT PRIMARY KEY,
	reason TEXT NOT NULL DEFAULT '',
	banned_by TEXT NOT NULL DEFAULT '',
	banned_at TEXT NOT NULL
);
`

const (
	queryIsBanned = `SELECT 1 FROM global_bans WHERE user_id = $1`
	queryAdd      = `INSERT INTO global_bans (user_id, reason, banned_by, banned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`
	queryRemove = `DELETE FROM global_bans WHERE user_id = $1`
	queryList   = `SELECT user_id, reason, banned_by, banned_at FROM global_bans ORDER BY banned_at ASC, user_id ASC`
)

// SQLStore is a Registry on postgres or sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLStore(db *sql.DB, dialect store.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, store.Postgres)
}

// Init creates the table if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	return store.Migrate(ctx, s.db, schema)
}

func (s *SQLStore) IsBanned(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(queryIsBanned), userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("global ban lookup: %w", err)
	}
	return true, nil
}

func (s *SQLStore) Add(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(queryAdd), e.UserID, e.Reason, e.BannedBy, store.Timestamp(e.BannedAt))
	if err != nil {
		return fmt.Errorf("failed to add global ban: %w", err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(queryRemove), userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove global ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove global ban: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, queryList)
	if err != nil {
		return nil, fmt.Errorf("failed to list global bans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts store.Timestamp
		)
		if err := rows.Scan(&e.UserID, &e.Reason, &e.BannedBy, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan global ban: %w", err)
		}
		e.BannedAt = ts.Time()
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Registry = (*SQLStore)(nil)
