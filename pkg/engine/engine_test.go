package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/classifier"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/contextbuilder"
	"github.com/Mindburn-Labs/warden/pkg/decisionlog"
	"github.com/Mindburn-Labs/warden/pkg/dispatch"
	"github.com/Mindburn-Labs/warden/pkg/escalation"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/platform/platformtest"
	"github.com/Mindburn-Labs/warden/pkg/rules"
)

type scriptedLLM struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
	panics  bool
}

func (s *scriptedLLM) Chat(context.Context, []llm.Message, *llm.SamplingOptions) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panics {
		panic("backend exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content, Backend: "primary"}, nil
}

type fixture struct {
	e           *Engine
	llm         *scriptedLLM
	fake        *platformtest.Fake
	ledger      *ledger.MemoryLedger
	registry    *globalban.MemoryRegistry
	communities *config.Communities
	decisions   *decisionlog.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		llm:         &scriptedLLM{content: `{"reasoning":"fine","violation":false,"rule_violated":"None","action":"IGNORE"}`},
		fake:        platformtest.New(),
		ledger:      ledger.NewMemoryLedger(),
		registry:    globalban.NewMemoryRegistry(),
		communities: config.NewCommunities(config.NewMemoryStore(), nil),
		decisions:   decisionlog.New(decisionlog.NewMemoryStore()),
	}
	f.fake.CommunityList = []platform.Community{{ID: "g1", Name: "Alpha"}}
	require.NoError(t, f.communities.Set(context.Background(), "g1", config.KeyServerRules, "1. Be respectful"))

	enforcer := globalban.NewEnforcer(f.registry, f.fake, f.communities)
	f.e = New(Deps{
		Communities: f.communities,
		Enforcer:    enforcer,
		Builder:     contextbuilder.New(f.fake, f.ledger, f.communities),
		Classifier:  classifier.New(f.llm, f.communities, "default-model"),
		Decisions:   f.decisions,
		Dispatcher: dispatch.New(dispatch.Deps{
			Platform:      f.fake,
			Ledger:        f.ledger,
			Enforcer:      enforcer,
			Confirmations: escalation.NewManager(escalation.NewMemoryStore(), time.Hour),
			Settings:      f.communities,
		}),
		Operator: Operator{Platform: f.fake, UserID: "operator"},
	})
	return f
}

func message(content string) platform.Message {
	return platform.Message{
		ID:          "m1",
		CommunityID: "g1",
		ChannelID:   "c1",
		Author:      platform.Author{ID: "u1", DisplayName: "user"},
		Content:     content,
		Timestamp:   time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestProcess_Gates(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		setup func(*fixture)
		msg   func() platform.Message
		want  Skip
	}{
		{"direct message", nil, func() platform.Message { m := message("hi"); m.CommunityID = ""; return m }, SkipDirect},
		{"bot author", nil, func() platform.Message { m := message("hi"); m.Author.Bot = true; return m }, SkipBot},
		{"disabled", func(f *fixture) {
			require.NoError(t, f.communities.Set(ctx, "g1", config.KeyEnabled, false))
		}, func() platform.Message { return message("hi") }, SkipDisabled},
		{"excluded channel", func(f *fixture) {
			require.NoError(t, f.communities.Set(ctx, "g1", config.KeyExcludedChannels, []string{"c1"}))
		}, func() platform.Message { return message("hi") }, SkipExcluded},
		{"no rules", func(f *fixture) {
			require.NoError(t, f.communities.Set(ctx, "g1", config.KeyServerRules, config.DefaultServerRules))
		}, func() platform.Message { return message("hi") }, SkipNoRules},
		{"empty", nil, func() platform.Message { return message("   ") }, SkipEmpty},
		{"rules only without match", func(f *fixture) {
			require.NoError(t, f.communities.Set(ctx, "g1", config.KeyAnalysisMode, "rules_only"))
			require.NoError(t, f.communities.Set(ctx, "g1", config.KeyKeywordRules, []rules.Rule{{Keywords: []string{"crypto"}, Instructions: "no scams"}}))
		}, func() platform.Message { return message("good morning") }, SkipAnalysisMode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}
			res, err := f.e.Process(ctx, tc.msg())
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Skip)
			assert.Zero(t, f.llm.calls)
		})
	}
}

func TestProcess_GloballyBannedAuthorIsBanned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Add(context.Background(), globalban.Entry{UserID: "u1", Reason: "raid"}))

	res, err := f.e.Process(context.Background(), message("hello"))
	require.NoError(t, err)
	assert.Equal(t, SkipGloballyBanned, res.Skip)
	assert.Len(t, f.fake.CallsFor("Ban"), 1)
	assert.Zero(t, f.llm.calls)
}

func TestProcess_ViolationDispatched(t *testing.T) {
	f := newFixture(t)
	f.llm.content = `{"reasoning":"insult","violation":true,"rule_violated":"1","action":"WARN"}`

	res, err := f.e.Process(context.Background(), message("you are an idiot"))
	require.NoError(t, err)
	assert.Equal(t, SkipNone, res.Skip)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, moderation.ActionWarn, res.Outcome.Action)
	assert.True(t, res.Outcome.Executed)

	history, err := f.ledger.History(context.Background(), "g1", "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "WARN", history[0].ActionTaken)

	recent := f.decisions.Recent()
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Failed())
}

func TestProcess_KeywordOverrideUsesInstructions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.communities.Set(ctx, "g1", config.KeyAnalysisMode, "override"))
	require.NoError(t, f.communities.Set(ctx, "g1", config.KeyKeywordRules, []rules.Rule{{Keywords: []string{"FREE NITRO"}, Instructions: "delete scam links"}}))
	f.llm.content = `{"reasoning":"scam","violation":true,"rule_violated":"scam","action":"DELETE"}`

	res, err := f.e.Process(ctx, message("ｆｒｅｅ nitro here"))
	require.NoError(t, err)
	assert.Equal(t, moderation.ActionDelete, res.Outcome.Action)
	assert.Len(t, f.fake.CallsFor("DeleteMessage"), 1)
}

func TestProcess_ClassificationFailureLogged(t *testing.T) {
	f := newFixture(t)
	f.llm.content = "I cannot help with that."

	res, err := f.e.Process(context.Background(), message("hello"))
	require.NoError(t, err)
	assert.Equal(t, SkipClassifier, res.Skip)

	recent := f.decisions.Recent()
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Failed())
	assert.Empty(t, f.fake.CallsFor("SendMessage"))
}

func TestProcess_BackendErrorReturned(t *testing.T) {
	f := newFixture(t)
	f.llm.err = errors.New("connection refused")

	res, err := f.e.Process(context.Background(), message("hello"))
	assert.Error(t, err)
	assert.Equal(t, SkipClassifier, res.Skip)
	require.Len(t, f.decisions.Recent(), 1)
}

func TestHandleMessage_RecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.llm.panics = true

	f.e.HandleMessage(context.Background(), message("hello"))
	f.e.Wait()

	alerts := f.fake.CallsFor("SendDirect")
	require.Len(t, alerts, 1)
	assert.Equal(t, "operator", alerts[0].UserID)
	assert.Contains(t, alerts[0].Message.Content, "panic: backend exploded")
	assert.Contains(t, alerts[0].Message.Content, "`g1`")

	f.llm.panics = false
	f.e.HandleMessage(context.Background(), message("hello again"))
	f.e.Wait()
	assert.Equal(t, 2, f.llm.calls)
}

func TestHandleMessage_BackendErrorAlertsOperatorChannel(t *testing.T) {
	f := newFixture(t)
	f.e.operator = Operator{Platform: f.fake, UserID: "operator", ChannelID: "ops"}
	f.llm.err = errors.New("connection refused")

	f.e.HandleMessage(context.Background(), message("hello"))
	f.e.Wait()

	sent := f.fake.CallsFor("SendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].ChannelID)
	assert.Contains(t, sent[0].Message.Content, "connection refused")
	assert.Empty(t, f.fake.CallsFor("SendDirect"))
}

func TestHandleMessage_DispatchErrors(t *testing.T) {
	verdict := `{"reasoning":"spam","violation":true,"rule_violated":"1","action":"KICK"}`

	t.Run("unexpected error alerts operator", func(t *testing.T) {
		f := newFixture(t)
		f.llm.content = verdict
		f.fake.Fail("Kick", errors.New("gateway timeout"))

		f.e.HandleMessage(context.Background(), message("buy followers"))
		f.e.Wait()

		var toOperator []platformtest.Call
		for _, c := range f.fake.CallsFor("SendDirect") {
			if c.UserID == "operator" {
				toOperator = append(toOperator, c)
			}
		}
		require.Len(t, toOperator, 1)
		assert.Contains(t, toOperator[0].Message.Content, "gateway timeout")
	})

	t.Run("permission error stays with moderators", func(t *testing.T) {
		f := newFixture(t)
		f.llm.content = verdict
		f.fake.Fail("Kick", platform.ErrForbidden)

		f.e.HandleMessage(context.Background(), message("buy followers"))
		f.e.Wait()

		for _, c := range f.fake.CallsFor("SendDirect") {
			assert.NotEqual(t, "operator", c.UserID)
		}
	})
}

func TestAlert_Throttled(t *testing.T) {
	f := newFixture(t)
	f.llm.err = errors.New("connection refused")

	for i := 0; i < 10; i++ {
		f.e.HandleMessage(context.Background(), message("hello"))
	}
	f.e.Wait()
	assert.Len(t, f.fake.CallsFor("SendDirect"), 5)
}

func TestAlert_UnconfiguredOnlyLogs(t *testing.T) {
	f := newFixture(t)
	f.e.operator = Operator{}
	f.llm.panics = true

	f.e.HandleMessage(context.Background(), message("hello"))
	f.e.Wait()
	assert.Empty(t, f.fake.CallsFor("SendDirect"))
	assert.Empty(t, f.fake.CallsFor("SendMessage"))
}

func TestHandleJoin_EnforcesRegistry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Add(context.Background(), globalban.Entry{UserID: "u9", Reason: "raid"}))

	f.e.HandleJoin(context.Background(), platform.Community{ID: "g1", Name: "Alpha"}, platform.Member{UserID: "u9"})
	f.e.Wait()
	bans := f.fake.CallsFor("Ban")
	require.Len(t, bans, 1)
	assert.Equal(t, "u9", bans[0].UserID)
}

func TestRun_ReplaysAndStops(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Add(context.Background(), globalban.Entry{UserID: "u9", Reason: "raid"}))
	f.fake.MemberLists["g1"] = []platform.Member{{UserID: "u9"}, {UserID: "u1"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.e.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(f.fake.CallsFor("Ban")) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
