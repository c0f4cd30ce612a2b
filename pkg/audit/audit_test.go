package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/store"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.Event{
		Type:         audit.EventEnforcement,
		CommunityID:  "g1",
		TargetUserID: "u1",
		Action:       "BAN",
		Reason:       "AI Mod: Rule 3. Reason: slur",
	})
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &event))
	assert.Equal(t, audit.EventEnforcement, event.Type)
	assert.Equal(t, "BAN", event.Action)
	assert.Equal(t, audit.SystemActor, event.ActorID)
	assert.Len(t, event.ID, 36)
	assert.False(t, event.Timestamp.IsZero())
}

type failing struct{}

func (failing) Record(context.Context, audit.Event) error { return errors.New("sink down") }

func TestTee(t *testing.T) {
	var a, b bytes.Buffer
	l := audit.Tee(audit.NewLoggerWithWriter(&a), failing{}, audit.NewLoggerWithWriter(&b))

	err := l.Record(context.Background(), audit.Event{Type: audit.EventAdmin, Action: "CLEAR_INFRACTIONS"})
	assert.EqualError(t, err, "sink down")

	// Both healthy sinks see the same event id.
	var ea, eb audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(a.String()), "AUDIT: ")), &ea))
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(b.String()), "AUDIT: ")), &eb))
	assert.Equal(t, ea.ID, eb.ID)
}

func TestStoreLogger_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := audit.NewStoreLogger(db, store.Postgres)
	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO moderation_logs")).
		WithArgs("case-1", "g1", "warden", "u1", "ENFORCEMENT", "TIMEOUT_SHORT", "r", 600, "m1", "c1", `{"automatic":true}`, "2026-04-01T09:00:00Z").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = l.Record(context.Background(), audit.Event{
		ID: "case-1", CommunityID: "g1", TargetUserID: "u1", Type: audit.EventEnforcement,
		Action: "TIMEOUT_SHORT", Reason: "r", DurationSeconds: 600, MessageID: "m1", ChannelID: "c1",
		Timestamp: ts, Metadata: map[string]any{"automatic": true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLogger_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "", t.TempDir())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := audit.NewStoreLogger(db, dialect)
	require.NoError(t, l.Init(ctx))

	require.NoError(t, l.Record(ctx, audit.Event{CommunityID: "g1", TargetUserID: "u1", Type: audit.EventEnforcement, Action: "WARN",
		Timestamp: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, l.Record(ctx, audit.Event{CommunityID: "g1", TargetUserID: "u1", Type: audit.EventAppeal, Action: "UNBAN",
		ActorID: "arbiter", Metadata: map[string]any{"appeal_id": "a1"}, Timestamp: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, l.Record(ctx, audit.Event{CommunityID: "g2", TargetUserID: "u1", Type: audit.EventEnforcement, Action: "BAN"}))

	trail, err := l.ForTarget(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "WARN", trail[0].Action)
	assert.Equal(t, "arbiter", trail[1].ActorID)
	assert.Equal(t, "a1", trail[1].Metadata["appeal_id"])
}
