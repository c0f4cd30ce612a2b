// Package audit records an append-only trail of every moderation action the
// engine takes or reverses.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventEnforcement  EventType = "ENFORCEMENT"
	EventConfirmation EventType = "CONFIRMATION"
	EventGlobalBan    EventType = "GLOBAL_BAN"
	EventAppeal       EventType = "APPEAL"
	EventAdmin        EventType = "ADMIN"
)

// SystemActor is the actor id for actions the engine takes on its own.
const SystemActor = "warden"

// Event represents a structured audit record.
type Event struct {
	ID              string         `json:"id"`
	CommunityID     string         `json:"guild_id"`
	ActorID         string         `json:"moderator_id"`
	TargetUserID    string         `json:"target_user_id"`
	Type            EventType      `json:"type"`
	Action          string         `json:"action_type"`
	Reason          string         `json:"reason,omitempty"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
	MessageID       string         `json:"message_id,omitempty"`
	ChannelID       string         `json:"channel_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, e Event) error
}

// stamp fills the id, actor and timestamp when the caller left them empty.
func stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ActorID == "" {
		e.ActorID = SystemActor
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(_ context.Context, e Event) error {
	stamp(&e)
	bytes, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Tee records every event to each logger in turn and joins their errors.
func Tee(loggers ...Logger) Logger {
	return tee(loggers)
}

type tee []Logger

func (t tee) Record(ctx context.Context, e Event) error {
	stamp(&e)
	var errs []error
	for _, l := range t {
		if err := l.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
