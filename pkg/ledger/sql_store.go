package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/store"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS user_infractions (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	rule_violated TEXT,
	action_taken TEXT NOT NULL,
	reasoning TEXT,
	created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_user_infractions_member ON user_infractions (guild_id, user_id, id);
CREATE INDEX IF NOT EXISTS idx_user_infractions_user ON user_infractions (user_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_infractions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	rule_violated TEXT,
	action_taken TEXT NOT NULL,
	reasoning TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_user_infractions_member ON user_infractions (guild_id, user_id, id);
CREATE INDEX IF NOT EXISTS idx_user_infractions_user ON user_infractions (user_id);
`

const (
	queryLast = `SELECT timestamp, rule_violated, action_taken, reasoning FROM user_infractions
		WHERE guild_id = $1 AND user_id = $2 ORDER BY id DESC LIMIT 1`
	queryInsert = `INSERT INTO user_infractions (guild_id, user_id, timestamp, rule_violated, action_taken, reasoning)
		VALUES ($1, $2, $3, $4, $5, $6)`
	queryTrim = `DELETE FROM user_infractions
		WHERE guild_id = $1 AND user_id = $2 AND id NOT IN (
			SELECT id FROM user_infractions WHERE guild_id = $1 AND user_id = $2 ORDER BY id DESC LIMIT $3
		)`
	queryHistory = `SELECT timestamp, rule_violated, action_taken, reasoning FROM user_infractions
		WHERE guild_id = $1 AND user_id = $2 ORDER BY id ASC`
	queryClear   = `DELETE FROM user_infractions WHERE guild_id = $1 AND user_id = $2`
	queryForUser = `SELECT guild_id, timestamp, rule_violated, action_taken, reasoning FROM user_infractions
		WHERE user_id = $1 ORDER BY id ASC`
)

// SQLStore is a durable Ledger on postgres or sqlite. Append, dedupe and trim
// run in one transaction so interleaved appends keep the bound. Rows are
// ordered by id; the timestamp column is text and does not sort reliably.
type SQLStore struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSQLStore creates a store. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect store.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewPostgresStore is NewSQLStore for postgres.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, store.Postgres)
}

// Init creates the table if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := pgSchema
	if s.dialect == store.SQLite {
		schema = sqliteSchema
	}
	return store.Migrate(ctx, s.db, schema)
}

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore) Append(ctx context.Context, communityID, userID string, rec moderation.InfractionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		last        store.Timestamp
		rule, why   sql.NullString
		actionTaken string
	)
	err = tx.QueryRowContext(ctx, s.q(queryLast), communityID, userID).Scan(&last, &rule, &actionTaken, &why)
	switch {
	case err == nil:
		prev := moderation.InfractionRecord{
			Timestamp:    last.Time(),
			RuleViolated: rule.String,
			ActionTaken:  actionTaken,
			Reasoning:    why.String,
		}
		if prev.Equal(rec) {
			return nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("ledger append: dedupe: %w", err)
	}

	ts := store.Timestamp(rec.Timestamp)
	if _, err := tx.ExecContext(ctx, s.q(queryInsert),
		communityID, userID, ts, rec.RuleViolated, rec.ActionTaken, rec.Reasoning); err != nil {
		return fmt.Errorf("ledger append: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(queryTrim), communityID, userID, MaxRecords); err != nil {
		return fmt.Errorf("ledger append: trim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger append: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, communityID, userID string) ([]moderation.InfractionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryHistory), communityID, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []moderation.InfractionRecord
	for rows.Next() {
		var (
			ts          store.Timestamp
			rule, why   sql.NullString
			actionTaken string
		)
		if err := rows.Scan(&ts, &rule, &actionTaken, &why); err != nil {
			return nil, fmt.Errorf("ledger history: scan: %w", err)
		}
		out = append(out, moderation.InfractionRecord{
			Timestamp:    ts.Time(),
			RuleViolated: rule.String,
			ActionTaken:  actionTaken,
			Reasoning:    why.String,
		})
	}
	return out, rows.Err()
}

func (s *SQLStore) Clear(ctx context.Context, communityID, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(queryClear), communityID, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger clear: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) ForUser(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryForUser), userID)
	if err != nil {
		return nil, fmt.Errorf("ledger for user: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			ts        store.Timestamp
			rule, why sql.NullString
		)
		if err := rows.Scan(&e.CommunityID, &ts, &rule, &e.ActionTaken, &why); err != nil {
			return nil, fmt.Errorf("ledger for user: scan: %w", err)
		}
		e.Timestamp = ts.Time()
		e.RuleViolated = rule.String
		e.Reasoning = why.String
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Ledger = (*SQLStore)(nil)
