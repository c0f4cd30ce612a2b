// Package globalban is the cross-community ban registry and the enforcer that
// keeps every joined community consistent with it.
package globalban

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one globally banned user. UserID is unique.
type Entry struct {
	UserID   string    `json:"user_id"`
	Reason   string    `json:"reason"`
	BannedBy string    `json:"banned_by"`
	BannedAt time.Time `json:"banned_at"`
}

// Registry stores global bans.
type Registry interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
	// Add inserts e. Adding an already-banned user keeps the original entry.
	Add(ctx context.Context, e Entry) error
	// Remove deletes the entry and reports whether one existed.
	Remove(ctx context.Context, userID string) (bool, error)
	// List returns all entries, oldest first.
	List(ctx context.Context) ([]Entry, error)
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Entry)}
}

func (m *MemoryRegistry) IsBanned(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[userID]
	return ok, nil
}

func (m *MemoryRegistry) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.UserID]; ok {
		return nil
	}
	m.entries[e.UserID] = e
	return nil
}

func (m *MemoryRegistry) Remove(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[userID]
	delete(m.entries, userID)
	return ok, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BannedAt.Equal(out[j].BannedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].BannedAt.Before(out[j].BannedAt)
	})
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
