// Package store holds the database plumbing shared by every durable store:
// opening postgres or the sqlite lite-mode database, placeholder rebinding
// and a timestamp type that round-trips through both drivers.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and schema variants.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// Rebind rewrites $N placeholders into the dialect's style. Queries are
// written once in postgres form.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			b.WriteString("?")
			b.WriteString(query[i+1 : j])
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Open connects to postgres when databaseURL is set, otherwise falls back to
// lite mode: a sqlite file under dataDir.
func Open(ctx context.Context, databaseURL, dataDir string) (*sql.DB, Dialect, error) {
	if databaseURL == "" {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, SQLite, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(dataDir, "warden.db")
		log.Printf("[warden] lite mode: using sqlite at %s", dbPath)

		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, SQLite, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// modernc sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return db, SQLite, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, Postgres, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Postgres, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[warden] postgres: connected")
	return db, Postgres, nil
}

// Timestamp stores times as UTC RFC3339Nano text and scans back whatever the
// driver hands over (time.Time from postgres, text from sqlite).
type Timestamp time.Time

// Value implements driver.Valuer.
func (t Timestamp) Value() (driver.Value, error) {
	return time.Time(t).UTC().Format(time.RFC3339Nano), nil
}

// Scan implements sql.Scanner.
func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = Timestamp(time.Time{})
		return nil
	case time.Time:
		*t = Timestamp(v.UTC())
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case int64:
		*t = Timestamp(time.Unix(v, 0).UTC())
		return nil
	}
	return fmt.Errorf("store: cannot scan %T into Timestamp", src)
}

func (t *Timestamp) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = Timestamp(parsed.UTC())
			return nil
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = Timestamp(time.Unix(sec, 0).UTC())
		return nil
	}
	return fmt.Errorf("store: unparseable timestamp %q", s)
}

// Time returns the wrapped time.
func (t Timestamp) Time() time.Time { return time.Time(t) }

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Migrate runs each statement in order. Used by every store's Init.
func Migrate(ctx context.Context, db Execer, statements ...string) error {
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
