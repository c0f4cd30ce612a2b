// Package dispatch turns classifier verdicts into platform side effects.
//
// Each flagged message moves through CLASSIFIED, then AUTO_EXECUTING or
// PENDING_CONFIRMATION, and ends RESOLVED. Platform failures never escape
// Dispatch: they are reported to the community's moderators and carried in
// the returned Outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/escalation"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/policy"
)

// State is the dispatcher's position for one flagged message.
type State string

const (
	StateClassified          State = "CLASSIFIED"
	StateAutoExecuting       State = "AUTO_EXECUTING"
	StatePendingConfirmation State = "PENDING_CONFIRMATION"
	StateResolved            State = "RESOLVED"
)

// banDeleteDays is how much of a banned user's message history is removed.
const banDeleteDays = 1

var errNotExecutable = errors.New("action has no platform execution")

// Settings is the per-community configuration the dispatcher reads.
// config.Communities satisfies it.
type Settings interface {
	TestMode(ctx context.Context, communityID string) bool
	ConfirmationMode(ctx context.Context, communityID string, action moderation.ActionKind) moderation.ConfirmationMode
	ConfirmationPing(ctx context.Context, communityID string) string
	EscalationRules(ctx context.Context, communityID string) []string
	LogChannel(ctx context.Context, communityID string) string
	ModeratorPing(ctx context.Context, communityID string) string
	SuicidalPing(ctx context.Context, communityID string) string
}

// Request is one verdict to act on.
type Request struct {
	Message platform.Message
	Verdict moderation.Verdict
	Model   string
}

// Outcome reports what Dispatch or ResolveConfirmation did.
type Outcome struct {
	State       State
	Action      moderation.ActionKind
	Executed    bool
	Record      *moderation.InfractionRecord
	Propagation []globalban.Result
	PendingID   string
	Err         error
}

// Deps are the dispatcher's collaborators. Policy, Audit and Observability
// are optional.
type Deps struct {
	Platform      platform.Client
	Ledger        ledger.Ledger
	Enforcer      *globalban.Enforcer
	Confirmations *escalation.Manager
	Settings      Settings
	Policy        *policy.Engine
	Audit         audit.Logger
	Observability *observability.Provider
}

// Dispatcher executes verdicts.
type Dispatcher struct {
	platform      platform.Client
	ledger        ledger.Ledger
	enforcer      *globalban.Enforcer
	confirmations *escalation.Manager
	settings      Settings
	policy        *policy.Engine
	audit         audit.Logger
	obs           *observability.Provider
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Dispatcher.
func New(d Deps) *Dispatcher {
	a := d.Audit
	if a == nil {
		a = audit.Nop{}
	}
	return &Dispatcher{
		platform:      d.Platform,
		ledger:        d.Ledger,
		enforcer:      d.Enforcer,
		confirmations: d.Confirmations,
		settings:      d.Settings,
		policy:        d.Policy,
		audit:         a,
		obs:           d.Observability,
		logger:        slog.Default().With("component", "dispatch"),
		now:           time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.now = clock
	return d
}

// Confirmations exposes the confirmation manager.
func (d *Dispatcher) Confirmations() *escalation.Manager { return d.confirmations }

// Dispatch acts on one verdict. A verdict without a flagged violation is a
// silent pass.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	if !req.Verdict.Actionable() {
		return Outcome{State: StateResolved, Action: moderation.ActionIgnore}
	}

	msg := req.Message
	ctx, done := d.obs.TrackOperation(ctx, "dispatch.dispatch",
		observability.DispatchOperation(msg.CommunityID, msg.ChannelID, string(req.Verdict.Action))...)
	out := d.dispatch(ctx, req)
	done(out.Err)
	d.obs.RecordAction(ctx, string(out.Action), string(out.State), out.Executed)
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Outcome {
	msg := req.Message
	v, err := req.Verdict.Normalize()
	inconsistent := err != nil
	if inconsistent {
		d.logger.WarnContext(ctx, "inconsistent verdict routed to moderators",
			"community", msg.CommunityID, "message", msg.ID, "error", err)
	}

	switch v.Action {
	case moderation.ActionSuicidal:
		return d.care(ctx, msg, v, req.Model)
	case moderation.ActionNotifyMods:
		return d.notifyMods(ctx, msg, v, req.Model, inconsistent)
	}

	testMode := d.settings.TestMode(ctx, msg.CommunityID)
	if d.manual(ctx, msg, v, testMode) {
		return d.requestConfirmation(ctx, msg, v, req.Model, testMode)
	}
	return d.execute(ctx, execution{msg: msg, verdict: v, model: req.Model})
}

// manual reports whether v must wait for a moderator. Escalation rules can
// only add review, never remove it.
func (d *Dispatcher) manual(ctx context.Context, msg platform.Message, v moderation.Verdict, testMode bool) bool {
	if testMode {
		return true
	}
	if d.settings.ConfirmationMode(ctx, msg.CommunityID, v.Action) == moderation.ModeManual {
		return true
	}
	rules := d.settings.EscalationRules(ctx, msg.CommunityID)
	if d.policy == nil || len(rules) == 0 {
		return false
	}

	prior := 0
	if history, err := d.ledger.History(ctx, msg.CommunityID, msg.Author.ID); err != nil {
		d.logger.WarnContext(ctx, "could not load history for escalation rules", "community", msg.CommunityID, "error", err)
	} else {
		prior = len(history)
	}
	decision := d.policy.Evaluate(ctx, rules, policy.Input{
		Community:        msg.CommunityID,
		Action:           string(v.Action),
		Rule:             v.RuleViolated,
		Reasoning:        v.Reasoning,
		Tier:             msg.Author.Tier().String(),
		PriorInfractions: prior,
		ChannelID:        msg.ChannelID,
	})
	if decision.ForceManual {
		d.logger.InfoContext(ctx, "escalation rule requires confirmation",
			"community", msg.CommunityID, "action", v.Action, "rule", decision.MatchedRule)
	}
	return decision.ForceManual
}

func (d *Dispatcher) requestConfirmation(ctx context.Context, msg platform.Message, v moderation.Verdict, model string, testMode bool) Outcome {
	p, err := d.confirmations.Create(ctx, v, msg, testMode)
	if err != nil {
		d.logger.ErrorContext(ctx, "could not create confirmation", "community", msg.CommunityID, "error", err)
		return Outcome{State: StateClassified, Action: v.Action, Err: fmt.Errorf("create confirmation: %w", err)}
	}

	embed := violationEmbed(msg, v, model)
	embed.Title = "Moderator Approval Required"
	embed.Description = "The AI has suggested an action that requires manual approval."
	embed.Colour = moderation.ColourGold
	if testMode {
		embed.Title = testModePrefix + embed.Title
	}
	embed.AddField("Confirmation ID", "`"+p.ID+"`", true)
	embed.AddField("Required Permission", "`"+string(p.RequiredPermission)+"`", true)
	embed.AddField("Expires", p.ExpiresAt.UTC().Format(time.RFC1123), false)

	d.post(ctx, msg, platform.OutboundMessage{
		Content: withFallback(d.settings.ConfirmationPing(ctx, msg.CommunityID), "Moderators, please review."),
		Embed:   embed,
		Buttons: ConfirmationButtons(p.ID),
	})
	d.record(ctx, audit.Event{
		CommunityID:  msg.CommunityID,
		TargetUserID: msg.Author.ID,
		Type:         audit.EventConfirmation,
		Action:       string(v.Action),
		Reason:       v.Reasoning,
		MessageID:    msg.ID,
		ChannelID:    msg.ChannelID,
		Metadata:     map[string]any{"pending_id": p.ID, "status": string(p.Status), "test_mode": testMode},
	})
	return Outcome{State: StatePendingConfirmation, Action: v.Action, PendingID: p.ID}
}

// ResolveConfirmation applies a moderator's answer to a pending confirmation.
// The returned error concerns the resolution itself; execution failures after
// a successful confirm are reported in Outcome.Err. An expired confirmation
// returns escalation.ErrExpired and is treated as denied.
func (d *Dispatcher) ResolveConfirmation(ctx context.Context, id string, resolver escalation.Resolver, decision escalation.Decision) (Outcome, error) {
	p, receipt, err := d.confirmations.Resolve(ctx, id, resolver, decision)
	if errors.Is(err, escalation.ErrExpired) {
		d.noteTimeout(ctx, p)
		return Outcome{State: StateResolved, Action: p.Verdict.Action, PendingID: id}, err
	}
	if err != nil {
		out := Outcome{State: StatePendingConfirmation, PendingID: id, Err: err}
		if p != nil {
			out.Action = p.Verdict.Action
			if p.Status.Terminal() {
				out.State = StateResolved
			}
		}
		return out, err
	}

	d.record(ctx, audit.Event{
		CommunityID:  p.CommunityID,
		ActorID:      resolver.ID,
		TargetUserID: p.Message.Author.ID,
		Type:         audit.EventConfirmation,
		Action:       string(p.Verdict.Action),
		Reason:       p.Verdict.Reasoning,
		MessageID:    p.Message.ID,
		ChannelID:    p.Message.ChannelID,
		Metadata: map[string]any{
			"pending_id":   p.ID,
			"status":       string(p.Status),
			"receipt_id":   receipt.ReceiptID,
			"content_hash": receipt.ContentHash,
		},
	})

	if p.Status == escalation.StatusDenied {
		d.post(ctx, p.Message, platform.OutboundMessage{Content: fmt.Sprintf(
			"Suggested action `%s` for %s was denied by %s. No action was taken.",
			p.Verdict.Action, platform.UserMention(p.Message.Author.ID), platform.UserMention(resolver.ID))})
		out := Outcome{State: StateResolved, Action: p.Verdict.Action, PendingID: id}
		d.obs.RecordAction(ctx, string(out.Action), string(out.State), false)
		return out, nil
	}

	out := d.execute(ctx, execution{
		msg:      p.Message,
		verdict:  p.Verdict,
		actor:    resolver.ID,
		testMode: p.TestMode,
	})
	out.PendingID = id
	d.obs.RecordAction(ctx, string(out.Action), string(out.State), out.Executed)
	return out, nil
}

// SweepTimeouts expires every overdue confirmation, posting a note for each,
// and returns how many were expired.
func (d *Dispatcher) SweepTimeouts(ctx context.Context) (int, error) {
	expired, err := d.confirmations.CheckTimeouts(ctx)
	for _, p := range expired {
		d.noteTimeout(ctx, p)
	}
	return len(expired), err
}

func (d *Dispatcher) noteTimeout(ctx context.Context, p *escalation.Pending) {
	if p == nil {
		return
	}
	d.logger.InfoContext(ctx, "confirmation timed out", "id", p.ID, "community", p.CommunityID)
	d.post(ctx, p.Message, platform.OutboundMessage{Content: fmt.Sprintf(
		"Confirmation `%s` for action `%s` on %s timed out and was treated as denied. No action was taken.",
		p.ID, p.Verdict.Action, platform.UserMention(p.Message.Author.ID))})
	d.record(ctx, audit.Event{
		CommunityID:  p.CommunityID,
		TargetUserID: p.Message.Author.ID,
		Type:         audit.EventConfirmation,
		Action:       string(p.Verdict.Action),
		MessageID:    p.Message.ID,
		ChannelID:    p.Message.ChannelID,
		Metadata:     map[string]any{"pending_id": p.ID, "status": string(escalation.StatusTimedOut)},
	})
}

// execution is one verdict on its way to the platform. An empty actor means
// the dispatcher acted automatically.
type execution struct {
	msg      platform.Message
	verdict  moderation.Verdict
	model    string
	actor    string
	testMode bool
}

func (x execution) actorID() string {
	if x.actor == "" {
		return audit.SystemActor
	}
	return x.actor
}

func (d *Dispatcher) execute(ctx context.Context, x execution) Outcome {
	if x.testMode {
		return d.simulate(ctx, x)
	}

	msg, v := x.msg, x.verdict
	out := Outcome{State: StateAutoExecuting, Action: v.Action}

	err := d.platform.DeleteMessage(ctx, msg.ChannelID, msg.ID)
	switch {
	case err == nil, platform.IsNotFound(err):
	case v.Action == moderation.ActionDelete:
		// Deleting is the whole action here, so a failure is the action's failure.
		return d.failed(ctx, x, out, err)
	default:
		d.logger.WarnContext(ctx, "could not delete message", "community", msg.CommunityID, "message", msg.ID, "error", err)
	}

	out.Propagation, err = d.apply(ctx, x)
	if err != nil {
		return d.failed(ctx, x, out, err)
	}
	out.Executed = true
	out.State = StateResolved

	rec := moderation.InfractionRecord{
		Timestamp:    d.now().UTC(),
		RuleViolated: v.RuleViolated,
		ActionTaken:  string(v.Action),
		Reasoning:    v.Reasoning,
	}
	if err := d.ledger.Append(ctx, msg.CommunityID, msg.Author.ID, rec); err != nil {
		d.logger.ErrorContext(ctx, "could not record infraction", "community", msg.CommunityID, "user", msg.Author.ID, "error", err)
		out.Err = fmt.Errorf("record infraction: %w", err)
	} else {
		out.Record = &rec
	}

	if notice := directNotice(v.Action, v, msg.CommunityName); notice != "" {
		if err := d.platform.SendDirect(ctx, msg.Author.ID, platform.OutboundMessage{Content: notice}); err != nil {
			d.logger.WarnContext(ctx, "could not DM user", "user", msg.Author.ID, "action", v.Action, "error", err)
		}
	}

	embed := violationEmbed(msg, v, x.model)
	embed.Colour = v.Action.Colour()
	embed.AddField("Status", "Action Taken: **"+v.Action.Title()+"** "+x.how(), false)
	if v.Action == moderation.ActionGlobalBan {
		embed.AddField("Global Propagation", propagationSummary(out.Propagation), false)
	}
	d.post(ctx, msg, platform.OutboundMessage{Embed: embed})

	evt := audit.Event{
		CommunityID:  msg.CommunityID,
		ActorID:      x.actorID(),
		TargetUserID: msg.Author.ID,
		Type:         audit.EventEnforcement,
		Action:       string(v.Action),
		Reason:       v.Reasoning,
		MessageID:    msg.ID,
		ChannelID:    msg.ChannelID,
		Metadata:     map[string]any{"rule": v.RuleViolated, "automatic": x.actor == ""},
	}
	if dur, _, ok := v.Action.TimeoutDuration(); ok {
		evt.DurationSeconds = int(dur.Seconds())
	}
	if v.Action == moderation.ActionGlobalBan {
		evt.Type = audit.EventGlobalBan
		evt.Metadata["failed_communities"] = len(globalban.Failed(out.Propagation))
	}
	d.record(ctx, evt)
	return out
}

// apply performs the platform side of v.Action. Deletion has already happened.
func (d *Dispatcher) apply(ctx context.Context, x execution) ([]globalban.Result, error) {
	msg, v := x.msg, x.verdict
	reason := PlatformReason(v)

	switch a := v.Action; a {
	case moderation.ActionWarn, moderation.ActionDelete:
		return nil, nil
	case moderation.ActionTimeoutShort, moderation.ActionTimeoutMedium, moderation.ActionTimeoutLong:
		dur, _, _ := a.TimeoutDuration()
		return nil, d.platform.Timeout(ctx, msg.CommunityID, msg.Author.ID, d.now().Add(dur), reason)
	case moderation.ActionKick:
		return nil, d.platform.Kick(ctx, msg.CommunityID, msg.Author.ID, reason)
	case moderation.ActionBan:
		return nil, d.platform.Ban(ctx, msg.CommunityID, msg.Author.ID, reason, banDeleteDays)
	case moderation.ActionGlobalBan:
		if d.enforcer == nil {
			return nil, errors.New("global ban registry not configured")
		}
		// The registry entry stands even when the local ban fails.
		localErr := d.platform.Ban(ctx, msg.CommunityID, msg.Author.ID, reason, banDeleteDays)
		results, err := d.enforcer.Ban(ctx, globalban.Entry{
			UserID:   msg.Author.ID,
			Reason:   reason,
			BannedBy: x.actorID(),
		}, msg.CommunityID)
		if err != nil {
			return results, fmt.Errorf("global ban: %w", err)
		}
		return results, localErr
	case moderation.ActionIgnore, moderation.ActionNotifyMods, moderation.ActionSuicidal:
		return nil, fmt.Errorf("%w: %s", errNotExecutable, a)
	}
	return nil, fmt.Errorf("%w: %q", moderation.ErrUnknownAction, v.Action)
}

// failed reports an execution failure to the community's moderators. No
// record is written.
func (d *Dispatcher) failed(ctx context.Context, x execution, out Outcome, err error) Outcome {
	msg, v := x.msg, x.verdict
	d.logger.ErrorContext(ctx, "action failed",
		"community", msg.CommunityID, "user", msg.Author.ID, "action", v.Action, "error", err)

	ping := withFallback(d.settings.ModeratorPing(ctx, msg.CommunityID), "Moderators")
	mention := platform.UserMention(msg.Author.ID)
	var content string
	if platform.IsForbidden(err) {
		content = fmt.Sprintf("%s **PERMISSION ERROR!** Could not perform action `%s` on %s. Please check bot permissions.",
			ping, v.Action, mention)
	} else {
		content = fmt.Sprintf("%s **UNEXPECTED ERROR!** An error occurred while performing action `%s` on %s. Please check bot logs.",
			ping, v.Action, mention)
	}
	d.post(ctx, msg, platform.OutboundMessage{Content: content, Embed: violationEmbed(msg, v, x.model)})

	out.State = StateResolved
	out.Executed = false
	out.Err = err
	return out
}

// simulate stands in for execute in test mode: nothing reaches the platform,
// and the record is labelled as simulated.
func (d *Dispatcher) simulate(ctx context.Context, x execution) Outcome {
	msg, v := x.msg, x.verdict
	out := Outcome{State: StateResolved, Action: v.Action}

	rec := moderation.InfractionRecord{
		Timestamp:    d.now().UTC(),
		RuleViolated: v.RuleViolated,
		ActionTaken:  testLabel + string(v.Action),
		Reasoning:    testModePrefix + v.Reasoning,
	}
	if err := d.ledger.Append(ctx, msg.CommunityID, msg.Author.ID, rec); err != nil {
		d.logger.ErrorContext(ctx, "could not record simulated infraction", "community", msg.CommunityID, "error", err)
		out.Err = fmt.Errorf("record infraction: %w", err)
	} else {
		out.Record = &rec
	}

	embed := violationEmbed(msg, v, x.model)
	embed.Title = testModePrefix + embed.Title
	embed.Colour = v.Action.Colour()
	embed.AddField("Status", testModePrefix+"Simulated: **"+v.Action.Title()+"** "+x.how()+". No action was taken.", false)
	d.post(ctx, msg, platform.OutboundMessage{Embed: embed})

	d.record(ctx, audit.Event{
		CommunityID:  msg.CommunityID,
		ActorID:      x.actorID(),
		TargetUserID: msg.Author.ID,
		Type:         audit.EventEnforcement,
		Action:       rec.ActionTaken,
		Reason:       rec.Reasoning,
		MessageID:    msg.ID,
		ChannelID:    msg.ChannelID,
		Metadata:     map[string]any{"rule": v.RuleViolated, "test_mode": true},
	})
	return out
}

// care handles SUICIDAL verdicts: the message stays, the author gets help
// resources, and the designated role is notified. Nothing is recorded.
func (d *Dispatcher) care(ctx context.Context, msg platform.Message, v moderation.Verdict, model string) Outcome {
	dmErr := d.platform.SendDirect(ctx, msg.Author.ID, platform.OutboundMessage{Content: HelpResources})
	if dmErr != nil {
		d.logger.WarnContext(ctx, "could not DM help resources", "user", msg.Author.ID, "error", dmErr)
	}

	embed := violationEmbed(msg, v, model)
	embed.Title = "🚨 Suicidal Content Detected 🚨"
	embed.Description = "AI analysis flagged a message suggesting the author may be at risk."
	embed.Colour = moderation.ColourDarkPurple
	status := "Action Taken: **User DMed resources, relevant role notified.**"
	if dmErr != nil {
		status = "Action Taken: **Relevant role notified.** The user could not be sent resources by DM."
	}
	embed.AddField("Status", status, false)
	d.post(ctx, msg, platform.OutboundMessage{
		Content: withFallback(d.settings.SuicidalPing(ctx, msg.CommunityID), "Moderators"),
		Embed:   embed,
	})

	d.record(ctx, audit.Event{
		CommunityID:  msg.CommunityID,
		TargetUserID: msg.Author.ID,
		Type:         audit.EventEnforcement,
		Action:       string(moderation.ActionSuicidal),
		MessageID:    msg.ID,
		ChannelID:    msg.ChannelID,
	})
	return Outcome{State: StateResolved, Action: moderation.ActionSuicidal, Executed: dmErr == nil}
}

func (d *Dispatcher) notifyMods(ctx context.Context, msg platform.Message, v moderation.Verdict, model string, inconsistent bool) Outcome {
	embed := violationEmbed(msg, v, model)
	embed.Colour = moderation.ColourGold
	if v.NotifyModsMessage != "" {
		embed.AddField("Additional Information", clip(v.NotifyModsMessage, maxFieldLen), false)
	}
	if inconsistent {
		embed.AddField("Note", "The classifier flagged a violation but suggested no action.", false)
	}
	embed.AddField("Status", "Action Taken: **Moderator review requested.**", false)
	d.post(ctx, msg, platform.OutboundMessage{
		Content: withFallback(d.settings.ModeratorPing(ctx, msg.CommunityID), "Moderators, please review."),
		Embed:   embed,
	})
	return Outcome{State: StateResolved, Action: moderation.ActionNotifyMods}
}

// post sends to the community's log channel, or to the message's own channel
// when none is configured.
func (d *Dispatcher) post(ctx context.Context, msg platform.Message, out platform.OutboundMessage) {
	ch := d.settings.LogChannel(ctx, msg.CommunityID)
	if ch == "" {
		ch = msg.ChannelID
	}
	if err := d.platform.SendMessage(ctx, ch, out); err != nil {
		d.logger.WarnContext(ctx, "could not post moderation notice", "community", msg.CommunityID, "channel", ch, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, e audit.Event) {
	if err := d.audit.Record(ctx, e); err != nil {
		d.logger.WarnContext(ctx, "audit record failed", "type", e.Type, "error", err)
	}
}

func (x execution) how() string {
	if x.actor == "" {
		return "(Automatic)"
	}
	return "(Confirmed by " + platform.UserMention(x.actor) + ")"
}

func propagationSummary(results []globalban.Result) string {
	failed := globalban.Failed(results)
	summary := fmt.Sprintf("Banned in %d of %d other communities.", len(results)-len(failed), len(results))
	if len(failed) == 0 {
		return summary
	}
	var b strings.Builder
	b.WriteString(summary)
	for _, r := range failed {
		fmt.Fprintf(&b, "\n`%s`: %v", r.CommunityID, r.Err)
	}
	return clip(b.String(), maxFieldLen)
}

// ConfirmationButtons are the confirm and deny controls attached to a
// confirmation request.
func ConfirmationButtons(pendingID string) []platform.Button {
	return []platform.Button{
		{ID: string(escalation.DecisionConfirm) + ":" + pendingID, Label: "Confirm", Style: "danger"},
		{ID: string(escalation.DecisionDeny) + ":" + pendingID, Label: "Deny", Style: "secondary"},
	}
}

// ParseButtonID splits a pressed button id into its decision and pending id.
func ParseButtonID(id string) (escalation.Decision, string, error) {
	verb, pendingID, ok := strings.Cut(id, ":")
	if !ok || pendingID == "" {
		return "", "", fmt.Errorf("malformed button id %q", id)
	}
	decision, err := escalation.ParseDecision(verb)
	if err != nil {
		return "", "", err
	}
	return decision, pendingID, nil
}
