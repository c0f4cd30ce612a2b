// Package engine is the inbound pipeline. Every message and join event is
// handled on its own goroutine: gates, context building, classification,
// the decision log and finally the dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/warden/pkg/classifier"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/contextbuilder"
	"github.com/Mindburn-Labs/warden/pkg/decisionlog"
	"github.com/Mindburn-Labs/warden/pkg/dispatch"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/rules"
)

// Skip explains why a message stopped before the dispatcher.
type Skip string

const (
	SkipNone           Skip = ""
	SkipDirect         Skip = "direct_message"
	SkipBot            Skip = "bot_author"
	SkipGloballyBanned Skip = "globally_banned"
	SkipDisabled       Skip = "disabled"
	SkipExcluded       Skip = "excluded_channel"
	SkipAnalysisMode   Skip = "analysis_mode"
	SkipNoRules        Skip = "no_rules"
	SkipEmpty          Skip = "empty"
	SkipClassifier     Skip = "classification_failed"
)

// Result is the outcome of processing one message.
type Result struct {
	Skip    Skip
	Verdict *moderation.Verdict
	Outcome dispatch.Outcome
}

// Deps are the engine's collaborators.
type Deps struct {
	Communities *config.Communities
	Enforcer    *globalban.Enforcer
	Builder     *contextbuilder.Builder
	Classifier  *classifier.Classifier
	Decisions   *decisionlog.Log
	Dispatcher  *dispatch.Dispatcher
	Operator    Operator
}

// Engine runs the inbound pipeline.
type Engine struct {
	communities *config.Communities
	enforcer    *globalban.Enforcer
	builder     *contextbuilder.Builder
	classifier  *classifier.Classifier
	decisions   *decisionlog.Log
	dispatcher  *dispatch.Dispatcher
	operator    Operator
	alerts      *rate.Limiter
	logger      *slog.Logger

	wg sync.WaitGroup
}

func New(d Deps) *Engine {
	return &Engine{
		communities: d.Communities,
		enforcer:    d.Enforcer,
		builder:     d.Builder,
		classifier:  d.Classifier,
		decisions:   d.Decisions,
		dispatcher:  d.Dispatcher,
		operator:    d.Operator,
		alerts:      newAlertLimiter(),
		logger:      slog.Default().With("component", "engine"),
	}
}

// HandleMessage processes msg on its own goroutine.
func (e *Engine) HandleMessage(ctx context.Context, msg platform.Message) {
	e.spawn(ctx, "message", msg.CommunityID, func(ctx context.Context) error {
		res, err := e.Process(ctx, msg)
		if err != nil {
			return err
		}
		// Permission errors already reached the community's moderators.
		if err := res.Outcome.Err; err != nil && !platform.IsForbidden(err) && !platform.IsNotFound(err) {
			return fmt.Errorf("dispatch %s on message %s: %w", res.Outcome.Action, msg.ID, err)
		}
		return nil
	})
}

// HandleJoin enforces the global ban registry on a joining member.
func (e *Engine) HandleJoin(ctx context.Context, community platform.Community, member platform.Member) {
	e.spawn(ctx, "join", community.ID, func(ctx context.Context) error {
		_, err := e.enforcer.OnJoin(ctx, community, member)
		return err
	})
}

// Wait blocks until every in-flight event has been handled.
func (e *Engine) Wait() { e.wg.Wait() }

// spawn is the per-task boundary: it recovers panics, logs errors and
// alerts the operator about both.
func (e *Engine) spawn(ctx context.Context, kind, communityID string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.ErrorContext(ctx, "event handler panicked",
					"event", kind, "community", communityID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				e.alert(ctx, kind, communityID, fmt.Sprintf("panic: %v", r))
			}
		}()
		if err := fn(ctx); err != nil {
			e.logger.ErrorContext(ctx, "event handling failed", "event", kind, "community", communityID, "error", err)
			e.alert(ctx, kind, communityID, err.Error())
		}
	}()
}

// Process runs the pipeline for msg synchronously.
func (e *Engine) Process(ctx context.Context, msg platform.Message) (Result, error) {
	if msg.CommunityID == "" {
		return Result{Skip: SkipDirect}, nil
	}
	if msg.Author.Bot {
		return Result{Skip: SkipBot}, nil
	}

	banned, err := e.enforcer.OnMessage(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	if banned {
		return Result{Skip: SkipGloballyBanned}, nil
	}

	if !e.communities.Enabled(ctx, msg.CommunityID) {
		return Result{Skip: SkipDisabled}, nil
	}
	if e.communities.Excluded(ctx, msg.CommunityID, msg.ChannelID) {
		return Result{Skip: SkipExcluded}, nil
	}

	sel := e.selection(ctx, msg)
	if sel.Skip {
		return Result{Skip: SkipAnalysisMode}, nil
	}

	bundle := e.builder.Build(ctx, contextbuilder.Event{
		Message:      msg,
		Instructions: sel.Instructions,
		FromKeyword:  sel.Matched != nil,
	})
	if bundle.NoRules() {
		return Result{Skip: SkipNoRules}, nil
	}
	if bundle.Empty() {
		return Result{Skip: SkipEmpty}, nil
	}

	res, err := e.classifier.ClassifyDetailed(ctx, bundle)
	if err != nil {
		raw := ""
		if res != nil {
			raw = res.Raw
		}
		e.decisions.Failure(ctx, msg, raw)
		if errors.Is(err, moderation.ErrClassificationFailure) {
			return Result{Skip: SkipClassifier}, nil
		}
		return Result{Skip: SkipClassifier}, fmt.Errorf("classify message %s: %w", msg.ID, err)
	}
	e.decisions.Verdict(ctx, msg, res.Verdict)

	out := e.dispatcher.Dispatch(ctx, dispatch.Request{Message: msg, Verdict: *res.Verdict, Model: res.Model})
	return Result{Verdict: res.Verdict, Outcome: out}, nil
}

// selection applies the community's analysis mode and keyword rules.
func (e *Engine) selection(ctx context.Context, msg platform.Message) rules.Selection {
	mode, err := rules.ParseMode(e.communities.AnalysisMode(ctx, msg.CommunityID))
	if err != nil {
		e.logger.WarnContext(ctx, "invalid analysis mode, using all", "community", msg.CommunityID, "error", err)
		mode = rules.ModeAll
	}
	if mode == rules.ModeAll {
		return rules.Selection{}
	}
	list := config.Lookup[[]rules.Rule](ctx, e.communities, msg.CommunityID, config.KeyKeywordRules, nil)
	return rules.Select(mode, rules.Compile(ctx, list), msg.Content)
}

// Run replays the global ban registry once and then sweeps expired
// confirmations every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	results, err := e.enforcer.Replay(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "global ban replay failed", "error", err)
	} else if failed := globalban.Failed(results); len(failed) > 0 {
		e.logger.WarnContext(ctx, "global ban replay incomplete", "communities", len(results), "failed", len(failed))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	n, err := e.dispatcher.SweepTimeouts(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "confirmation sweep failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "expired confirmations treated as denied", "count", n)
	}
}
