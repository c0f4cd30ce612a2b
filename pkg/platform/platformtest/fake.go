// Package platformtest provides an in-memory platform.Client that records
// every call, for use in tests across the engine.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/platform"
)

// Call is one recorded platform operation.
type Call struct {
	Op          string
	CommunityID string
	ChannelID   string
	UserID      string
	MessageID   string
	Reason      string
	Until       time.Time
	Message     platform.OutboundMessage
}

// Fake is a scriptable platform.Client.
type Fake struct {
	mu sync.Mutex

	Calls []Call

	// Errors maps "Op" or "Op:communityID" to the error that op should return.
	Errors map[string]error

	CommunityList []platform.Community
	MemberLists   map[string][]platform.Member
	Messages      map[string]*platform.Message  // by message id
	History       map[string][]platform.Message // by channel id, newest first
	Blobs         map[string][]byte             // by attachment id
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Errors:      make(map[string]error),
		MemberLists: make(map[string][]platform.Member),
		Messages:    make(map[string]*platform.Message),
		History:     make(map[string][]platform.Message),
		Blobs:       make(map[string][]byte),
	}
}

// Fail makes op (optionally scoped to a community) return err.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[op] = err
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, c)
	if c.CommunityID != "" {
		if err, ok := f.Errors[c.Op+":"+c.CommunityID]; ok {
			return err
		}
	}
	return f.Errors[c.Op]
}

// CallsFor returns the recorded calls with the given op.
func (f *Fake) CallsFor(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset drops all recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}

func (f *Fake) DeleteMessage(_ context.Context, channelID, messageID string) error {
	return f.record(Call{Op: "DeleteMessage", ChannelID: channelID, MessageID: messageID})
}

func (f *Fake) Ban(_ context.Context, communityID, userID, reason string, _ int) error {
	return f.record(Call{Op: "Ban", CommunityID: communityID, UserID: userID, Reason: reason})
}

func (f *Fake) Unban(_ context.Context, communityID, userID, reason string) error {
	return f.record(Call{Op: "Unban", CommunityID: communityID, UserID: userID, Reason: reason})
}

func (f *Fake) Kick(_ context.Context, communityID, userID, reason string) error {
	return f.record(Call{Op: "Kick", CommunityID: communityID, UserID: userID, Reason: reason})
}

func (f *Fake) Timeout(_ context.Context, communityID, userID string, until time.Time, reason string) error {
	return f.record(Call{Op: "Timeout", CommunityID: communityID, UserID: userID, Until: until, Reason: reason})
}

func (f *Fake) ClearTimeout(_ context.Context, communityID, userID, reason string) error {
	return f.record(Call{Op: "ClearTimeout", CommunityID: communityID, UserID: userID, Reason: reason})
}

func (f *Fake) SendMessage(_ context.Context, channelID string, msg platform.OutboundMessage) error {
	return f.record(Call{Op: "SendMessage", ChannelID: channelID, Message: msg})
}

func (f *Fake) SendDirect(_ context.Context, userID string, msg platform.OutboundMessage) error {
	return f.record(Call{Op: "SendDirect", UserID: userID, Message: msg})
}

func (f *Fake) FetchMessage(_ context.Context, channelID, messageID string) (*platform.Message, error) {
	if err := f.record(Call{Op: "FetchMessage", ChannelID: channelID, MessageID: messageID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[messageID]
	if !ok {
		return nil, platform.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *Fake) RecentMessages(_ context.Context, channelID, beforeID string, limit int) ([]platform.Message, error) {
	if err := f.record(Call{Op: "RecentMessages", ChannelID: channelID, MessageID: beforeID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.History[channelID]
	if len(h) > limit {
		h = h[:limit]
	}
	return append([]platform.Message(nil), h...), nil
}

func (f *Fake) FetchAttachment(_ context.Context, att platform.Attachment) ([]byte, error) {
	if err := f.record(Call{Op: "FetchAttachment", MessageID: att.ID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Blobs[att.ID]
	if !ok {
		return nil, fmt.Errorf("attachment %s: %w", att.ID, platform.ErrNotFound)
	}
	return b, nil
}

func (f *Fake) Communities(context.Context) ([]platform.Community, error) {
	if err := f.record(Call{Op: "Communities"}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Community(nil), f.CommunityList...), nil
}

func (f *Fake) Members(_ context.Context, communityID string) ([]platform.Member, error) {
	if err := f.record(Call{Op: "Members", CommunityID: communityID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Member(nil), f.MemberLists[communityID]...), nil
}

var _ platform.Client = (*Fake)(nil)

// Routing is a static platform.Routing.
type Routing struct {
	Logs map[string]string // community id -> log channel id
	Ping string
}

func (r Routing) LogChannel(_ context.Context, communityID string) string { return r.Logs[communityID] }

func (r Routing) ModeratorPing(context.Context, string) string { return r.Ping }

var _ platform.Routing = Routing{}
