package globalban

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/cache"
)

// CachedRegistry caches IsBanned answers. The lookup runs on every inbound
// message and member join, so both positive and negative results are kept.
type CachedRegistry struct {
	next   Registry
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedRegistry(next Registry, c cache.Cache, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{next: next, cache: c, ttl: ttl, logger: slog.Default().With("component", "globalban")}
}

func bannedKey(userID string) string { return "globalban:" + userID }

func (c *CachedRegistry) IsBanned(ctx context.Context, userID string) (bool, error) {
	var banned bool
	ok, err := c.cache.Get(ctx, bannedKey(userID), &banned)
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed", "error", err)
	}
	if ok {
		return banned, nil
	}
	banned, err = c.next.IsBanned(ctx, userID)
	if err != nil {
		return false, err
	}
	if err := c.cache.Set(ctx, bannedKey(userID), banned, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "error", err)
	}
	return banned, nil
}

func (c *CachedRegistry) Add(ctx context.Context, e Entry) error {
	if err := c.next.Add(ctx, e); err != nil {
		return err
	}
	c.invalidate(ctx, e.UserID)
	return nil
}

func (c *CachedRegistry) Remove(ctx context.Context, userID string) (bool, error) {
	ok, err := c.next.Remove(ctx, userID)
	if err != nil {
		return false, err
	}
	c.invalidate(ctx, userID)
	return ok, nil
}

func (c *CachedRegistry) List(ctx context.Context) ([]Entry, error) {
	return c.next.List(ctx)
}

func (c *CachedRegistry) invalidate(ctx context.Context, userID string) {
	if err := c.cache.Delete(ctx, bannedKey(userID)); err != nil {
		c.logger.WarnContext(ctx, "cache invalidate failed", "user", userID, "error", err)
	}
}

var _ Registry = (*CachedRegistry)(nil)
