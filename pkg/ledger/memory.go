package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

type key struct {
	community string
	user      string
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[key][]moderation.InfractionRecord
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[key][]moderation.InfractionRecord)}
}

func (m *MemoryLedger) Append(_ context.Context, communityID, userID string, rec moderation.InfractionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{communityID, userID}
	list := m.records[k]
	if sameAsLast(list, rec) {
		return nil
	}
	m.records[k] = truncate(append(list, rec))
	return nil
}

func (m *MemoryLedger) History(_ context.Context, communityID, userID string) ([]moderation.InfractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.records[key{communityID, userID}]
	return append([]moderation.InfractionRecord(nil), list...), nil
}

func (m *MemoryLedger) Clear(_ context.Context, communityID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{communityID, userID}
	n := len(m.records[k])
	delete(m.records, k)
	return n, nil
}

func (m *MemoryLedger) ForUser(_ context.Context, userID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for k, list := range m.records {
		if k.user != userID {
			continue
		}
		for _, r := range list {
			out = append(out, Entry{CommunityID: k.community, InfractionRecord: r})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

var _ Ledger = (*MemoryLedger)(nil)
