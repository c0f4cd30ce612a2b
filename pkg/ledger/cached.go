package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/cache"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

// CachedLedger fronts a durable Ledger with a read-through cache for History,
// which the context builder hits on every classified message.
type CachedLedger struct {
	next   Ledger
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedLedger wraps next. A zero ttl means entries live until invalidated.
func NewCachedLedger(next Ledger, c cache.Cache, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: slog.Default().With("component", "ledger"),
	}
}

func historyKey(communityID, userID string) string {
	return "infractions:" + communityID + ":" + userID
}

func (c *CachedLedger) invalidate(ctx context.Context, communityID, userID string) {
	if err := c.cache.Delete(ctx, historyKey(communityID, userID)); err != nil {
		c.logger.WarnContext(ctx, "cache invalidate failed", "community", communityID, "user", userID, "error", err)
	}
}

func (c *CachedLedger) Append(ctx context.Context, communityID, userID string, rec moderation.InfractionRecord) error {
	if err := c.next.Append(ctx, communityID, userID, rec); err != nil {
		return err
	}
	c.invalidate(ctx, communityID, userID)
	return nil
}

func (c *CachedLedger) History(ctx context.Context, communityID, userID string) ([]moderation.InfractionRecord, error) {
	var cached []moderation.InfractionRecord
	ok, err := c.cache.Get(ctx, historyKey(communityID, userID), &cached)
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed", "error", err)
	}
	if ok {
		return cached, nil
	}

	list, err := c.next.History(ctx, communityID, userID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, historyKey(communityID, userID), list, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "error", err)
	}
	return list, nil
}

func (c *CachedLedger) Clear(ctx context.Context, communityID, userID string) (int, error) {
	n, err := c.next.Clear(ctx, communityID, userID)
	if err != nil {
		return 0, err
	}
	c.invalidate(ctx, communityID, userID)
	return n, nil
}

func (c *CachedLedger) ForUser(ctx context.Context, userID string) ([]Entry, error) {
	return c.next.ForUser(ctx, userID)
}

var _ Ledger = (*CachedLedger)(nil)
