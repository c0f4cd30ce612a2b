// Package ledger is the bounded per-(community,user) infraction history.
//
// Every implementation keeps at most MaxRecords entries per key, dropping the
// oldest on append, and never mutates a stored record.
package ledger

import (
	"context"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

// MaxRecords is the per-(community,user) retention bound.
const MaxRecords = 10

// Entry is a record together with the community it was issued in.
type Entry struct {
	CommunityID string `json:"community_id"`
	moderation.InfractionRecord
}

// Ledger stores infraction history.
type Ledger interface {
	// Append adds rec and truncates the list to the newest MaxRecords.
	// Appending a record identical to the newest one held is a no-op.
	Append(ctx context.Context, communityID, userID string, rec moderation.InfractionRecord) error
	// History returns the stored list, oldest first.
	History(ctx context.Context, communityID, userID string) ([]moderation.InfractionRecord, error)
	// Clear deletes the whole list and reports how many records were removed.
	Clear(ctx context.Context, communityID, userID string) (int, error)
	// ForUser returns the user's records across all communities, oldest first.
	ForUser(ctx context.Context, userID string) ([]Entry, error)
}

// Newest returns history in recency-first order.
func Newest(history []moderation.InfractionRecord) []moderation.InfractionRecord {
	out := make([]moderation.InfractionRecord, len(history))
	for i, r := range history {
		out[len(history)-1-i] = r
	}
	return out
}

func truncate(list []moderation.InfractionRecord) []moderation.InfractionRecord {
	if len(list) <= MaxRecords {
		return list
	}
	return append([]moderation.InfractionRecord(nil), list[len(list)-MaxRecords:]...)
}

func sameAsLast(list []moderation.InfractionRecord, rec moderation.InfractionRecord) bool {
	return len(list) > 0 && list[len(list)-1].Equal(rec)
}
