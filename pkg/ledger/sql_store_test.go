package ledger

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/store"
)

var lastCols = []string{"timestamp", "rule_violated", "action_taken", "reasoning"}

func TestSQLStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	ctx := context.Background()
	rec := moderation.InfractionRecord{
		Timestamp:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		RuleViolated: "2",
		ActionTaken:  "WARN",
		Reasoning:    "mild insult",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY id DESC LIMIT 1")).
		WithArgs("g1", "u1").
		WillReturnRows(sqlmock.NewRows(lastCols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_infractions")).
		WithArgs("g1", "u1", "2026-02-01T10:00:00Z", "2", "WARN", "mild insult").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_infractions")).
		WithArgs("g1", "u1", MaxRecords).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.Append(ctx, "g1", "u1", rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendDuplicateSkipsInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	rec := moderation.InfractionRecord{Timestamp: time.Unix(0, 0), RuleViolated: "1", ActionTaken: "BAN"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY id DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(lastCols).AddRow("1970-01-01T00:00:00Z", "1", "BAN", ""))
	mock.ExpectRollback()

	require.NoError(t, s.Append(context.Background(), "g1", "u1", rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendAfterDifferentNewestInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	rec := moderation.InfractionRecord{Timestamp: time.Unix(0, 0), RuleViolated: "1", ActionTaken: "BAN"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY id DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(lastCols).AddRow("1970-01-01T00:00:05Z", "2", "WARN", "other"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_infractions")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_infractions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.Append(context.Background(), "g1", "u1", rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendInsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY id DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(lastCols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_infractions")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = s.Append(context.Background(), "g1", "u1", moderation.InfractionRecord{ActionTaken: "WARN"})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_History(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	rows := sqlmock.NewRows([]string{"timestamp", "rule_violated", "action_taken", "reasoning"}).
		AddRow("2026-02-01T10:00:00Z", "2", "WARN", "first").
		AddRow("2026-02-02T10:00:00Z", nil, "TIMEOUT_SHORT", nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT timestamp, rule_violated, action_taken, reasoning FROM user_infractions")).
		WithArgs("g1", "u1").
		WillReturnRows(rows)

	h, err := s.History(context.Background(), "g1", "u1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "first", h[0].Reasoning)
	assert.Equal(t, "TIMEOUT_SHORT", h[1].ActionTaken)
	assert.Equal(t, "", h[1].RuleViolated)
	assert.Equal(t, 2026, h[1].Timestamp.Year())
}

func TestSQLStore_Clear(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_infractions WHERE guild_id = $1 AND user_id = $2")).
		WithArgs("g1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Clear(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLStore_ForUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	rows := sqlmock.NewRows([]string{"guild_id", "timestamp", "rule_violated", "action_taken", "reasoning"}).
		AddRow("g1", "2026-02-01T10:00:00Z", "2", "BAN", "spam").
		AddRow("g2", "2026-02-03T10:00:00Z", "4", "TIMEOUT_MEDIUM", "slur")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 ORDER BY id ASC")).
		WithArgs("u1").
		WillReturnRows(rows)

	entries, err := s.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "g2", entries[1].CommunityID)
	assert.Equal(t, "TIMEOUT_MEDIUM", entries[1].ActionTaken)
}

// The sqlite path runs the real driver in a temp dir.
func TestSQLStore_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "", t.TempDir())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, dialect)
	require.NoError(t, s.Init(ctx))

	for i := 0; i < 13; i++ {
		require.NoError(t, s.Append(ctx, "g1", "u1", record(i)))
	}
	require.NoError(t, s.Append(ctx, "g1", "u1", record(12)))
	require.NoError(t, s.Append(ctx, "g2", "u1", record(40)))

	h, err := s.History(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, h, MaxRecords)
	assert.Equal(t, "reason 3", h[0].Reasoning)
	assert.Equal(t, "reason 12", h[MaxRecords-1].Reasoning)

	entries, err := s.ForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, MaxRecords+1)

	n, err := s.Clear(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, MaxRecords, n)
}

func TestSQLStore_SQLiteRepeatAfterOtherRecordIsKept(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "", t.TempDir())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, dialect)
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.Append(ctx, "g1", "u1", record(1)))
	require.NoError(t, s.Append(ctx, "g1", "u1", record(2)))
	require.NoError(t, s.Append(ctx, "g1", "u1", record(1)))

	h, err := s.History(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, "reason 1", h[2].Reasoning)
}

// "12:00:00Z" sorts after "12:00:00.5Z" as text.
func TestSQLStore_SQLiteForUserInsertionOrder(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "", t.TempDir())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, dialect)
	require.NoError(t, s.Init(ctx))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := moderation.InfractionRecord{Timestamp: base, ActionTaken: "WARN", Reasoning: "first"}
	second := moderation.InfractionRecord{Timestamp: base.Add(500 * time.Millisecond), ActionTaken: "WARN", Reasoning: "second"}
	require.NoError(t, s.Append(ctx, "g1", "u1", first))
	require.NoError(t, s.Append(ctx, "g2", "u1", second))

	entries, err := s.ForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Reasoning)
	assert.Equal(t, "second", entries[1].Reasoning)
}
