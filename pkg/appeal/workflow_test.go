package appeal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/platform/platformtest"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	w        *Workflow
	store    *MemoryStore
	ledger   *ledger.MemoryLedger
	registry *globalban.MemoryRegistry
	enforcer *globalban.Enforcer
	fake     *platformtest.Fake
}

func newFixture(arbiter string) *fixture {
	f := &fixture{
		store:    NewMemoryStore(),
		ledger:   ledger.NewMemoryLedger(),
		registry: globalban.NewMemoryRegistry(),
		fake:     platformtest.New(),
	}
	f.fake.CommunityList = []platform.Community{{ID: "g1", Name: "Alpha"}, {ID: "g2", Name: "Beta"}}
	f.enforcer = globalban.NewEnforcer(f.registry, f.fake, platformtest.Routing{})
	f.w = New(f.store, f.ledger, f.enforcer, f.fake, Options{ArbiterID: arbiter}).
		WithClock(func() time.Time { return t0 })
	return f
}

func (f *fixture) infraction(t *testing.T, community string, action moderation.ActionKind, at time.Time) {
	t.Helper()
	require.NoError(t, f.ledger.Append(context.Background(), community, "u1", moderation.InfractionRecord{
		Timestamp:    at,
		RuleViolated: "4",
		ActionTaken:  string(action),
		Reasoning:    "slur",
	}))
}

func (f *fixture) lastDM(t *testing.T, user string) string {
	t.Helper()
	var last string
	for _, c := range f.fake.CallsFor("SendDirect") {
		if c.UserID == user {
			last = c.Message.Content
		}
	}
	return last
}

func TestSubmit_GloballyBannedRedirected(t *testing.T) {
	ctx := context.Background()
	f := newFixture("arbiter")
	f.infraction(t, "g1", moderation.ActionGlobalBan, t0.Add(-time.Hour))
	require.NoError(t, f.registry.Add(ctx, globalban.Entry{UserID: "u1", Reason: "raid"}))

	a, err := f.w.Submit(ctx, "u1", "it was a joke")
	assert.ErrorIs(t, err, moderation.ErrGloballyBanned)
	assert.Nil(t, a)
	assert.Contains(t, f.lastDM(t, "u1"), DefaultEmail)
	assert.Contains(t, f.lastDM(t, "u1"), "Reason you provided: it was a joke")

	all, err := f.store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmit_NothingAppealable(t *testing.T) {
	f := newFixture("arbiter")
	f.infraction(t, "g1", moderation.ActionWarn, t0.Add(-time.Hour))
	f.infraction(t, "g1", moderation.ActionKick, t0.Add(-time.Minute))
	require.NoError(t, f.ledger.Append(context.Background(), "g1", "u1",
		moderation.InfractionRecord{Timestamp: t0, ActionTaken: "TEST_BAN"}))

	_, err := f.w.Submit(context.Background(), "u1", "please")
	assert.ErrorIs(t, err, moderation.ErrNothingAppealable)
}

func TestSubmit_TargetsNewestAcrossCommunities(t *testing.T) {
	ctx := context.Background()
	f := newFixture("arbiter")
	f.infraction(t, "g1", moderation.ActionBan, t0.Add(-48*time.Hour))
	f.infraction(t, "g2", moderation.ActionTimeoutMedium, t0.Add(-time.Hour))
	f.infraction(t, "g2", moderation.ActionWarn, t0.Add(-time.Minute))

	a, err := f.w.Submit(ctx, "u1", "context was missing")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "g2", a.Original.CommunityID)
	assert.Equal(t, "TIMEOUT_MEDIUM", a.Original.ActionTaken)
	assert.True(t, a.Routed)

	dms := f.fake.CallsFor("SendDirect")
	require.Len(t, dms, 1)
	assert.Equal(t, "arbiter", dms[0].UserID)
	require.NotNil(t, dms[0].Message.Embed)
	assert.Equal(t, "Appeal ID: "+a.ID, dms[0].Message.Embed.Footer)
	require.Len(t, dms[0].Message.Buttons, 2)

	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Original, stored.Original)
}

func TestSubmit_WithoutArbiterStillStored(t *testing.T) {
	f := newFixture("")
	f.infraction(t, "g1", moderation.ActionBan, t0.Add(-time.Hour))

	a, err := f.w.Submit(context.Background(), "u1", "sorry")
	require.NoError(t, err)
	assert.False(t, a.Routed)
	_, err = f.store.Get(context.Background(), a.ID)
	assert.NoError(t, err)
}

func TestResolve_AcceptTimeoutClearsIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture("arbiter")
	f.infraction(t, "g2", moderation.ActionTimeoutMedium, t0.Add(-time.Hour))
	a, err := f.w.Submit(ctx, "u1", "misread")
	require.NoError(t, err)

	res, err := f.w.Resolve(ctx, a.ID, DecisionAccept, "arbiter")
	require.NoError(t, err)
	assert.True(t, res.Reverted)
	assert.Equal(t, StatusAccepted, res.Appeal.Status)

	calls := f.fake.CallsFor("ClearTimeout")
	require.Len(t, calls, 1)
	assert.Equal(t, "g2", calls[0].CommunityID)
	assert.Equal(t, "Appeal "+a.ID+" accepted.", calls[0].Reason)
	assert.Contains(t, f.lastDM(t, "u1"), "**Beta** has been **accepted**, and the action has been reverted")

	_, err = f.w.Resolve(ctx, a.ID, DecisionDeny, "arbiter")
	assert.ErrorIs(t, err, moderation.ErrAppealConflict)
	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, stored.Status)
}

func TestResolve_Deny(t *testing.T) {
	ctx := context.Background()
	f := newFixture("arbiter")
	f.infraction(t, "g1", moderation.ActionBan, t0.Add(-time.Hour))
	a, err := f.w.Submit(ctx, "u1", "sorry")
	require.NoError(t, err)

	res, err := f.w.Resolve(ctx, a.ID, DecisionDeny, "arbiter")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Appeal.Status)
	assert.Equal(t, "Your appeal has been **denied**.", f.lastDM(t, "u1"))
	assert.Empty(t, f.fake.CallsFor("Unban"))
}

func TestResolve_Missing(t *testing.T) {
	f := newFixture("arbiter")
	_, err := f.w.Resolve(context.Background(), "nope", DecisionAccept, "arbiter")
	assert.ErrorIs(t, err, moderation.ErrNotFound)
}

func TestResolve_RevertFailureKeepsAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newFixture("arbiter")
	f.infraction(t, "g1", moderation.ActionBan, t0.Add(-time.Hour))
	a, err := f.w.Submit(ctx, "u1", "sorry")
	require.NoError(t, err)
	f.fake.Fail("Unban", platform.ErrForbidden)

	res, err := f.w.Resolve(ctx, a.ID, DecisionAccept, "arbiter")
	require.NoError(t, err)
	assert.False(t, res.Reverted)
	assert.ErrorIs(t, res.RevertErr, platform.ErrForbidden)
	assert.Equal(t, StatusAccepted, res.Appeal.Status)
	assert.Contains(t, f.lastDM(t, "u1"), "failed to automatically revert")
}

func TestResolve_CommunityGone(t *testing.T) {
	ctx := context.Background()
	f := newFixture("arbiter")
	f.infraction(t, "g9", moderation.ActionBan, t0.Add(-time.Hour))
	a, err := f.w.Submit(ctx, "u1", "sorry")
	require.NoError(t, err)

	res, err := f.w.Resolve(ctx, a.ID, DecisionAccept, "arbiter")
	require.NoError(t, err)
	assert.False(t, res.Reverted)
	assert.Empty(t, f.fake.CallsFor("Unban"))
	assert.Contains(t, f.lastDM(t, "u1"), "could not find the original server")
}

func TestResolve_AcceptGlobalBanLiftsEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture("arbiter")
	_, err := f.enforcer.Ban(ctx, globalban.Entry{UserID: "u1", Reason: "raid", BannedBy: "warden"}, "g1")
	require.NoError(t, err)

	a := &Appeal{
		ID:        "ap-1",
		UserID:    "u1",
		Reason:    "compromised account",
		Timestamp: t0,
		Status:    StatusPending,
		Original: ledger.Entry{CommunityID: "g1", InfractionRecord: moderation.InfractionRecord{
			Timestamp: t0.Add(-time.Hour), RuleViolated: "1", ActionTaken: "GLOBAL_BAN", Reasoning: "raid",
		}},
	}
	require.NoError(t, f.store.Create(ctx, a))

	res, err := f.w.Resolve(ctx, a.ID, DecisionAccept, "arbiter")
	require.NoError(t, err)
	assert.True(t, res.Reverted)
	assert.Len(t, res.Propagation, 2)

	banned, err := f.registry.IsBanned(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, banned)
	assert.Len(t, f.fake.CallsFor("Unban"), 2)

	kept, err := f.enforcer.OnJoin(ctx, platform.Community{ID: "g3", Name: "Gamma"}, platform.Member{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, kept)
}

func TestParseButtonID(t *testing.T) {
	b := Buttons("ap-7")
	d, id, ok := ParseButtonID(b[0].ID)
	require.True(t, ok)
	assert.Equal(t, DecisionAccept, d)
	assert.Equal(t, "ap-7", id)

	_, _, ok = ParseButtonID("confirm:ap-7")
	assert.False(t, ok)
	_, _, ok = ParseButtonID("appeal-maybe:ap-7")
	assert.False(t, ok)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("approve")
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, d)
	_, err = ParseDecision("later")
	assert.Error(t, err)
}
