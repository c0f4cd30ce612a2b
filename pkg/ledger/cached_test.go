package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	gets    int
	failGet bool
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.failGet {
		return false, errors.New("cache down")
	}
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *mapCache) Set(_ context.Context, key string, v any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.data[key] = raw
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

// countingLedger counts History calls that reach the durable store.
type countingLedger struct {
	*MemoryLedger
	reads int
}

func (l *countingLedger) History(ctx context.Context, c, u string) ([]moderation.InfractionRecord, error) {
	l.reads++
	return l.MemoryLedger.History(ctx, c, u)
}

func TestCachedLedger_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	backing := &countingLedger{MemoryLedger: NewMemoryLedger()}
	c := newMapCache()
	l := NewCachedLedger(backing, c, time.Minute)

	require.NoError(t, l.Append(ctx, "g1", "u1", record(1)))

	h, err := l.History(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	_, err = l.History(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.reads, "second read should be served from cache")

	require.NoError(t, l.Append(ctx, "g1", "u1", record(2)))
	h, err = l.History(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Len(t, h, 2)
	assert.Equal(t, 2, backing.reads)

	n, err := l.Clear(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h, err = l.History(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestCachedLedger_CacheFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryLedger()
	c := newMapCache()
	c.failGet = true
	l := NewCachedLedger(backing, c, 0)

	require.NoError(t, backing.Append(ctx, "g1", "u1", record(7)))
	h, err := l.History(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "reason 7", h[0].Reasoning)
}
