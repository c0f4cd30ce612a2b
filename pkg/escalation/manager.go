// Package escalation provides the confirmation manager: the human-in-the-loop
// step for verdicts a community has put into manual mode.
//
// The manager creates Pending confirmations, tracks their lifecycle, expires
// them, and produces immutable Receipts. Every transition out of PENDING
// happens at most once; an expired confirmation is treated as denied.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

// DefaultTimeout is how long a confirmation waits before it is denied.
const DefaultTimeout = 24 * time.Hour

// Manager handles the lifecycle of pending confirmations.
type Manager struct {
	store   Store
	timeout time.Duration
	clock   func() time.Time
}

// NewManager creates a manager. A non-positive timeout selects DefaultTimeout.
func NewManager(s Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{store: s, timeout: timeout, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create stores a new confirmation for verdict on msg.
func (m *Manager) Create(ctx context.Context, verdict moderation.Verdict, msg platform.Message, testMode bool) (*Pending, error) {
	now := m.clock()
	p := &Pending{
		ID:                 uuid.New().String(),
		CommunityID:        msg.CommunityID,
		Verdict:            verdict,
		Message:            msg,
		RequiredPermission: verdict.Action.RequiredPermission(),
		TestMode:           testMode,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.timeout),
		Status:             StatusPending,
	}
	if err := m.store.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Resolve applies a moderator's decision. The resolver must hold the
// permission the action requires; otherwise nothing changes. A confirmation
// that has passed its expiry is moved to TIMED_OUT and ErrExpired returned
// together with the receipt.
func (m *Manager) Resolve(ctx context.Context, id string, resolver Resolver, decision Decision) (*Pending, *Receipt, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.Status.Terminal() {
		return p, nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, p.Status)
	}
	if !resolver.Has(p.RequiredPermission) {
		return p, nil, fmt.Errorf("%w: %s needs %s", ErrForbiddenResolver, p.Verdict.Action, p.RequiredPermission)
	}

	now := m.clock()
	next := *p
	next.ResolvedAt = now
	switch {
	case now.After(p.ExpiresAt):
		next.Status = StatusTimedOut
	case decision == DecisionConfirm:
		next.Status = StatusConfirmed
		next.ResolvedBy = resolver.ID
	case decision == DecisionDeny:
		next.Status = StatusDenied
		next.ResolvedBy = resolver.ID
	default:
		return p, nil, fmt.Errorf("unknown decision %q", decision)
	}

	ok, err := m.store.Transition(ctx, &next)
	if err != nil {
		return p, nil, err
	}
	if !ok {
		return p, nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	receipt := m.createReceipt(&next)
	if next.Status == StatusTimedOut {
		return &next, receipt, ErrExpired
	}
	return &next, receipt, nil
}

// CheckTimeouts moves every expired confirmation to TIMED_OUT and returns
// them. Confirmations resolved concurrently are skipped.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*Pending, error) {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	var expired []*Pending
	for _, p := range pending {
		if !now.After(p.ExpiresAt) {
			continue
		}
		p.Status = StatusTimedOut
		p.ResolvedAt = now
		ok, err := m.store.Transition(ctx, p)
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, p)
		}
	}
	return expired, nil
}

// Get returns a confirmation by id.
func (m *Manager) Get(ctx context.Context, id string) (*Pending, error) {
	return m.store.Get(ctx, id)
}

// PendingCount returns the number of open confirmations.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	pending, err := m.store.ListPending(ctx)
	return len(pending), err
}

// ListPending returns the open confirmations, oldest first.
func (m *Manager) ListPending(ctx context.Context) ([]*Pending, error) {
	return m.store.ListPending(ctx)
}

func (m *Manager) createReceipt(p *Pending) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		PendingID:  p.ID,
		Outcome:    p.Status,
		ResolvedBy: p.ResolvedBy,
		ResolvedAt: p.ResolvedAt,
		DurationMs: p.ResolvedAt.Sub(p.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		PendingID string             `json:"pending_id"`
		Outcome   Status             `json:"outcome"`
		Verdict   moderation.Verdict `json:"verdict"`
	}{p.ID, p.Status, p.Verdict}
	if h, err := canonicalize.CanonicalHash(hashable); err == nil {
		receipt.ContentHash = h
	}
	return receipt
}
