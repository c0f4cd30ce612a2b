// Package decisionlog records every classifier outcome, successful or not,
// so moderators can review what the AI decided and why.
package decisionlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

const (
	// RecentSize is how many decisions are kept in memory.
	RecentSize = 5

	snippetChars   = 100
	failureMessage = "Failed to get valid AI decision"
)

// Record is one logged decision.
type Record struct {
	ID          int64           `json:"id,omitempty"`
	CommunityID string          `json:"guild_id"`
	MessageID   string          `json:"message_id"`
	AuthorID    string          `json:"author_id"`
	AuthorName  string          `json:"author_name"`
	Snippet     string          `json:"message_content_snippet"`
	Decision    json.RawMessage `json:"ai_decision"`
	ContentHash string          `json:"content_hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Failed reports whether the record logs a classification failure.
func (r Record) Failed() bool {
	var f failure
	return json.Unmarshal(r.Decision, &f) == nil && f.Error != ""
}

type failure struct {
	Error       string  `json:"error"`
	RawResponse *string `json:"raw_response"`
}

// Store persists decisions.
type Store interface {
	Add(ctx context.Context, r *Record) error
	// List returns a community's decisions, newest first.
	List(ctx context.Context, communityID string, limit, offset int) ([]Record, error)
}

// Log keeps the last RecentSize decisions in memory and writes every one
// to the store. Store failures are logged, never returned.
type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	recent []Record
}

func New(s Store) *Log {
	return &Log{
		store:  s,
		logger: slog.Default().With("component", "decisionlog"),
		now:    time.Now,
	}
}

// Verdict logs a successful classification.
func (l *Log) Verdict(ctx context.Context, msg platform.Message, v *moderation.Verdict) Record {
	decision, err := json.Marshal(v)
	if err != nil {
		decision = json.RawMessage(`{}`)
	}
	return l.add(ctx, msg, decision)
}

// Failure logs a classification failure together with whatever the backend
// returned. An empty raw response is logged as null.
func (l *Log) Failure(ctx context.Context, msg platform.Message, raw string) Record {
	f := failure{Error: failureMessage}
	if raw != "" {
		f.RawResponse = &raw
	}
	decision, _ := json.Marshal(f)
	return l.add(ctx, msg, decision)
}

func (l *Log) add(ctx context.Context, msg platform.Message, decision json.RawMessage) Record {
	r := Record{
		CommunityID: msg.CommunityID,
		MessageID:   msg.ID,
		AuthorID:    msg.Author.ID,
		AuthorName:  msg.Author.DisplayName,
		Snippet:     Snippet(msg.Content),
		Decision:    decision,
		Timestamp:   l.now().UTC(),
	}
	if h, err := canonicalize.CanonicalHash(decision); err == nil {
		r.ContentHash = h
	}

	l.mu.Lock()
	l.recent = append(l.recent, r)
	if len(l.recent) > RecentSize {
		l.recent = append([]Record(nil), l.recent[len(l.recent)-RecentSize:]...)
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Add(ctx, &r); err != nil {
			l.logger.WarnContext(ctx, "failed to persist AI decision",
				"community", msg.CommunityID, "message", msg.ID, "error", err)
		}
	}
	return r
}

// Recent returns the in-memory decisions, oldest first.
func (l *Log) Recent() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.recent...)
}

// List reads a community's decisions from the store.
func (l *Log) List(ctx context.Context, communityID string, limit, offset int) ([]Record, error) {
	if l.store == nil {
		var out []Record
		recent := l.Recent()
		for i := len(recent) - 1; i >= 0; i-- {
			if recent[i].CommunityID == communityID {
				out = append(out, recent[i])
			}
		}
		return out, nil
	}
	return l.store.List(ctx, communityID, limit, offset)
}

// Snippet shortens content to its first 100 characters, marking the cut.
func Snippet(content string) string {
	if utf8.RuneCountInString(content) <= snippetChars {
		return content
	}
	return string([]rune(content)[:snippetChars]) + "..."
}
