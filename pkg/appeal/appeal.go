// Package appeal lets sanctioned users ask a human arbiter to review their
// most recent appealable infraction, and reverts it when the appeal is
// accepted.
package appeal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

// Status is an appeal's lifecycle state. pending moves exactly once, to
// accepted or denied.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDenied   Status = "denied"
)

// Decision is the arbiter's answer.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionDeny   Decision = "deny"
)

// ParseDecision accepts accept/approve and deny/reject.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "accept", "approve":
		return DecisionAccept, nil
	case "deny", "reject":
		return DecisionDeny, nil
	}
	return "", fmt.Errorf("decision must be accept or deny, got %q", s)
}

// Appeal is one submission. Original is a snapshot of the targeted record
// taken at submission time.
type Appeal struct {
	ID         string       `json:"appeal_id"`
	UserID     string       `json:"user_id"`
	Reason     string       `json:"reason"`
	Timestamp  time.Time    `json:"timestamp"`
	Status     Status       `json:"status"`
	Original   ledger.Entry `json:"original_infraction"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`

	// Routed reports whether the arbiter was notified on submission.
	Routed bool `json:"-"`
}

// Store persists appeals.
type Store interface {
	Create(ctx context.Context, a *Appeal) error
	// Get returns moderation.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Appeal, error)
	// Resolve moves a pending appeal to a's status. It reports false, and
	// changes nothing, when the appeal is no longer pending.
	Resolve(ctx context.Context, a *Appeal) (bool, error)
	// List returns appeals with the given status, or all when status is "",
	// oldest first.
	List(ctx context.Context, status Status) ([]*Appeal, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	appeals map[string]Appeal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{appeals: make(map[string]Appeal)}
}

func (m *MemoryStore) Create(_ context.Context, a *Appeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appeals[a.ID]; ok {
		return fmt.Errorf("appeal %s already exists", a.ID)
	}
	m.appeals[a.ID] = *a
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Appeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appeals[id]
	if !ok {
		return nil, fmt.Errorf("appeal %s: %w", id, moderation.ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) Resolve(_ context.Context, a *Appeal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.appeals[a.ID]
	if !ok {
		return false, fmt.Errorf("appeal %s: %w", a.ID, moderation.ErrNotFound)
	}
	if cur.Status != StatusPending {
		return false, nil
	}
	m.appeals[a.ID] = *a
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, status Status) ([]*Appeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appeal
	for _, a := range m.appeals {
		if status == "" || a.Status == status {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
