package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/warden/pkg/store"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS moderation_logs (
	case_id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL,
	moderator_id TEXT NOT NULL,
	target_user_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	action_type TEXT NOT NULL,
	reason TEXT,
	duration_seconds INTEGER,
	message_id TEXT,
	channel_id TEXT,
	metadata JSONB,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moderation_logs_guild_target ON moderation_logs (guild_id, target_user_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS moderation_logs (
	case_id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL,
	moderator_id TEXT NOT NULL,
	target_user_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	action_type TEXT NOT NULL,
	reason TEXT,
	duration_seconds INTEGER,
	message_id TEXT,
	channel_id TEXT,
	metadata TEXT,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moderation_logs_guild_target ON moderation_logs (guild_id, target_user_id);
`

const (
	queryInsert = `INSERT INTO moderation_logs (case_id, guild_id, moderator_id, target_user_id, event_type, action_type, reason, duration_seconds, message_id, channel_id, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	queryForTarget = `SELECT case_id, guild_id, moderator_id, target_user_id, event_type, action_type, reason, duration_seconds, message_id, channel_id, metadata, timestamp
		FROM moderation_logs
		WHERE guild_id = $1 AND target_user_id = $2
		ORDER BY timestamp ASC`
)

// StoreLogger appends events to the moderation_logs table.
type StoreLogger struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewStoreLogger(db *sql.DB, dialect store.Dialect) *StoreLogger {
	return &StoreLogger{db: db, dialect: dialect}
}

func (l *StoreLogger) Init(ctx context.Context) error {
	if l.dialect == store.SQLite {
		return store.Migrate(ctx, l.db, sqliteSchema)
	}
	return store.Migrate(ctx, l.db, pgSchema)
}

func (l *StoreLogger) Record(ctx context.Context, e Event) error {
	if l.db == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	stamp(&e)

	var metadata any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := l.db.ExecContext(ctx, l.dialect.Rebind(queryInsert),
		e.ID, e.CommunityID, e.ActorID, e.TargetUserID, string(e.Type), e.Action,
		e.Reason, e.DurationSeconds, e.MessageID, e.ChannelID, metadata, store.Timestamp(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// ForTarget returns a user's audit trail in a community, oldest first.
func (l *StoreLogger) ForTarget(ctx context.Context, communityID, userID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(queryForTarget), communityID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e                            Event
			eventType                    string
			reason, messageID, channelID sql.NullString
			duration                     sql.NullInt64
			metadata                     []byte
			ts                           store.Timestamp
		)
		if err := rows.Scan(&e.ID, &e.CommunityID, &e.ActorID, &e.TargetUserID, &eventType, &e.Action,
			&reason, &duration, &messageID, &channelID, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = EventType(eventType)
		e.Reason, e.MessageID, e.ChannelID = reason.String, messageID.String, channelID.String
		e.DurationSeconds = int(duration.Int64)
		e.Timestamp = ts.Time()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ Logger = (*StoreLogger)(nil)
	_ Logger = (*logger)(nil)
	_ Logger = Nop{}
)
