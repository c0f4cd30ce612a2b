package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/platform/platformtest"
)

func TestAdmin_ClearNotifiesUser(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	p := platformtest.New()
	require.NoError(t, l.Append(ctx, "g1", "u1", record(1)))
	require.NoError(t, l.Append(ctx, "g1", "u1", record(2)))

	n, err := NewAdmin(l, p).Clear(ctx, platform.Community{ID: "g1", Name: "Guild One"}, "u1", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dms := p.CallsFor("SendDirect")
	require.Len(t, dms, 1)
	assert.Equal(t, "u1", dms[0].UserID)
	assert.Equal(t, "Your infraction history in **Guild One** has been cleared by an administrator.", dms[0].Message.Content)
}

func TestAdmin_ClearEmptyHistorySendsNothing(t *testing.T) {
	p := platformtest.New()
	n, err := NewAdmin(NewMemoryLedger(), p).Clear(context.Background(), platform.Community{ID: "g1"}, "u1", "admin")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, p.CallsFor("SendDirect"))
}

func TestAdmin_ClearSurvivesClosedDMs(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	p := platformtest.New()
	p.Fail("SendDirect", platform.ErrForbidden)
	require.NoError(t, l.Append(ctx, "g1", "u1", record(1)))

	n, err := NewAdmin(l, p).Clear(ctx, platform.Community{ID: "g1", Name: "G"}, "u1", "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h, _ := l.History(ctx, "g1", "u1")
	assert.Empty(t, h)
}

type brokenLedger struct{ Ledger }

func (brokenLedger) Clear(context.Context, string, string) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestAdmin_ClearPropagatesStoreError(t *testing.T) {
	_, err := NewAdmin(brokenLedger{}, platformtest.New()).Clear(context.Background(), platform.Community{ID: "g1"}, "u1", "admin")
	assert.ErrorContains(t, err, "clear infractions")
}
