package appeal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

// DefaultEmail is where globally banned users are sent to appeal.
const DefaultEmail = "help@learnhelp.co.uk"

const buttonPrefix = "appeal-"

// Options configures a Workflow.
type Options struct {
	// ArbiterID is the user who receives appeals. Empty means appeals are
	// stored and logged only.
	ArbiterID string
	// Email is the out-of-band address for globally banned users.
	Email string
	Audit audit.Logger
}

// Resolution is the result of resolving an appeal.
type Resolution struct {
	Appeal      *Appeal
	Reverted    bool
	RevertErr   error
	Propagation []globalban.Result
}

// Workflow runs appeal submission and resolution.
type Workflow struct {
	store     Store
	ledger    ledger.Ledger
	enforcer  *globalban.Enforcer
	platform  platform.Client
	arbiterID string
	email     string
	audit     audit.Logger
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Workflow.
func New(s Store, l ledger.Ledger, e *globalban.Enforcer, p platform.Client, opts Options) *Workflow {
	if opts.Email == "" {
		opts.Email = DefaultEmail
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	return &Workflow{
		store:     s,
		ledger:    l,
		enforcer:  e,
		platform:  p,
		arbiterID: opts.ArbiterID,
		email:     opts.Email,
		audit:     opts.Audit,
		logger:    slog.Default().With("component", "appeal"),
		now:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Workflow) WithClock(clock func() time.Time) *Workflow {
	w.now = clock
	return w
}

// Email is the out-of-band appeal address.
func (w *Workflow) Email() string { return w.email }

// Arbiter is the user id allowed to resolve appeals, or empty.
func (w *Workflow) Arbiter() string { return w.arbiterID }

// Get returns one appeal.
func (w *Workflow) Get(ctx context.Context, id string) (*Appeal, error) {
	return w.store.Get(ctx, id)
}

// List returns appeals with the given status, or all when status is "".
func (w *Workflow) List(ctx context.Context, status Status) ([]*Appeal, error) {
	return w.store.List(ctx, status)
}

// Submit files an appeal against the user's most recent appealable
// infraction in any community. Globally banned users get
// moderation.ErrGloballyBanned and are told by DM to appeal by email.
func (w *Workflow) Submit(ctx context.Context, userID, reason string) (*Appeal, error) {
	banned, err := w.enforcer.Registry().IsBanned(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("global ban check: %w", err)
	}
	if banned {
		notice := fmt.Sprintf("You are globally banned. To appeal, please email %s with your User ID (%s) and your reasoning for the appeal.\n\nReason you provided: %s",
			w.email, userID, reason)
		if err := w.platform.SendDirect(ctx, userID, platform.OutboundMessage{Content: notice}); err != nil {
			w.logger.WarnContext(ctx, "could not DM appeal instructions", "user", userID, "error", err)
		}
		return nil, fmt.Errorf("%w: email %s with your user id", moderation.ErrGloballyBanned, w.email)
	}

	target, err := w.latestAppealable(ctx, userID)
	if err != nil {
		return nil, err
	}

	a := &Appeal{
		ID:        uuid.New().String(),
		UserID:    userID,
		Reason:    reason,
		Timestamp: w.now().UTC(),
		Status:    StatusPending,
		Original:  target,
	}
	if err := w.store.Create(ctx, a); err != nil {
		return nil, err
	}
	w.logger.InfoContext(ctx, "appeal submitted", "appeal", a.ID, "user", userID,
		"community", target.CommunityID, "action", target.ActionTaken)
	w.record(ctx, a, userID, "SUBMITTED")

	a.Routed = w.route(ctx, a)
	return a, nil
}

// latestAppealable finds the newest BAN, GLOBAL_BAN or TIMEOUT_* record.
func (w *Workflow) latestAppealable(ctx context.Context, userID string) (ledger.Entry, error) {
	entries, err := w.ledger.ForUser(ctx, userID)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("load infractions: %w", err)
	}
	var (
		best  ledger.Entry
		found bool
	)
	for _, e := range entries {
		a, ok := e.Action()
		if !ok || !a.Appealable() {
			continue
		}
		if !found || !e.Timestamp.Before(best.Timestamp) {
			best, found = e, true
		}
	}
	if !found {
		return ledger.Entry{}, moderation.ErrNothingAppealable
	}
	return best, nil
}

// route sends the appeal to the arbiter with accept and deny controls.
func (w *Workflow) route(ctx context.Context, a *Appeal) bool {
	if w.arbiterID == "" {
		w.logger.ErrorContext(ctx, "no appeal arbiter configured", "appeal", a.ID)
		return false
	}
	name, _ := w.communityName(ctx, a.Original.CommunityID)

	embed := &platform.Embed{
		Title:       "New Moderation Appeal",
		Description: "An appeal has been submitted by a user.",
		Colour:      moderation.ColourYellow,
		Footer:      "Appeal ID: " + a.ID,
		Timestamp:   a.Timestamp,
	}
	embed.AddField("User", fmt.Sprintf("%s (`%s`)", platform.UserMention(a.UserID), a.UserID), false)
	embed.AddField("Community", name, false)
	embed.AddField("Reason for Appeal", a.Reason, false)
	embed.AddField("Original Action", "`"+a.Original.ActionTaken+"`", true)
	embed.AddField("Original Reason", "_"+a.Original.Reasoning+"_", true)

	err := w.platform.SendDirect(ctx, w.arbiterID, platform.OutboundMessage{Embed: embed, Buttons: Buttons(a.ID)})
	if err != nil {
		w.logger.ErrorContext(ctx, "could not notify appeal arbiter", "appeal", a.ID, "arbiter", w.arbiterID, "error", err)
		return false
	}
	return true
}

// Resolve applies the arbiter's decision. Resolving an appeal that is no
// longer pending returns moderation.ErrAppealConflict and changes nothing.
// An accepted appeal stays accepted even when the reversal fails.
func (w *Workflow) Resolve(ctx context.Context, id string, decision Decision, arbiterID string) (*Resolution, error) {
	a, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: appeal %s is %s", moderation.ErrAppealConflict, id, a.Status)
	}

	next := *a
	next.ResolvedBy = arbiterID
	next.ResolvedAt = w.now().UTC()
	switch decision {
	case DecisionAccept:
		next.Status = StatusAccepted
	case DecisionDeny:
		next.Status = StatusDenied
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	ok, err := w.store.Resolve(ctx, &next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: appeal %s", moderation.ErrAppealConflict, id)
	}
	res := &Resolution{Appeal: &next}

	if next.Status == StatusDenied {
		w.notify(ctx, next.UserID, "Your appeal has been **denied**.")
		w.record(ctx, &next, arbiterID, string(StatusDenied))
		return res, nil
	}

	// A global ban is lifted everywhere, whether or not the originating
	// community is still reachable.
	name, known := w.communityName(ctx, next.Original.CommunityID)
	if !known && next.Original.ActionTaken != string(moderation.ActionGlobalBan) {
		res.RevertErr = fmt.Errorf("community %s: %w", next.Original.CommunityID, platform.ErrNotFound)
		w.notify(ctx, next.UserID, fmt.Sprintf(
			"Your appeal (%s) was accepted, but we could not find the original server to revert the action. Please contact an admin.", next.ID))
	} else {
		res.Propagation, res.RevertErr = w.revert(ctx, &next)
		res.Reverted = res.RevertErr == nil
		if res.Reverted {
			w.notify(ctx, next.UserID, fmt.Sprintf(
				"Your appeal regarding the action in **%s** has been **accepted**, and the action has been reverted.", name))
		} else {
			w.notify(ctx, next.UserID, fmt.Sprintf(
				"Your appeal regarding the action in **%s** has been **accepted**, but we failed to automatically revert the action. Please contact an admin.", name))
		}
	}
	if res.RevertErr != nil {
		w.logger.WarnContext(ctx, "appeal accepted but not reverted", "appeal", id, "error", res.RevertErr)
	}
	w.record(ctx, &next, arbiterID, string(StatusAccepted))
	return res, nil
}

// revert undoes the appealed action.
func (w *Workflow) revert(ctx context.Context, a *Appeal) ([]globalban.Result, error) {
	action, ok := a.Original.Action()
	if !ok {
		return nil, fmt.Errorf("%w: %q", moderation.ErrUnknownAction, a.Original.ActionTaken)
	}
	reason := fmt.Sprintf("Appeal %s accepted.", a.ID)
	community := a.Original.CommunityID

	switch {
	case action == moderation.ActionBan:
		return nil, w.platform.Unban(ctx, community, a.UserID, reason)
	case action == moderation.ActionGlobalBan:
		_, results, err := w.enforcer.Unban(ctx, a.UserID, reason)
		if err != nil {
			return results, err
		}
		var errs []error
		for _, r := range globalban.Failed(results) {
			errs = append(errs, fmt.Errorf("community %s: %w", r.CommunityID, r.Err))
		}
		return results, errors.Join(errs...)
	case action.IsTimeout():
		return nil, w.platform.ClearTimeout(ctx, community, a.UserID, reason)
	}
	return nil, fmt.Errorf("%s cannot be reverted", action)
}

// communityName resolves a joined community's name. The second result is
// false when the engine is no longer in that community.
func (w *Workflow) communityName(ctx context.Context, id string) (string, bool) {
	communities, err := w.platform.Communities(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "could not list communities", "error", err)
		return "Community ID: " + id, false
	}
	for _, c := range communities {
		if c.ID == id {
			return c.Name, true
		}
	}
	return "Community ID: " + id, false
}

func (w *Workflow) notify(ctx context.Context, userID, content string) {
	if err := w.platform.SendDirect(ctx, userID, platform.OutboundMessage{Content: content}); err != nil {
		w.logger.WarnContext(ctx, "could not DM appeal outcome", "user", userID, "error", err)
	}
}

func (w *Workflow) record(ctx context.Context, a *Appeal, actor, outcome string) {
	err := w.audit.Record(ctx, audit.Event{
		CommunityID:  a.Original.CommunityID,
		ActorID:      actor,
		TargetUserID: a.UserID,
		Type:         audit.EventAppeal,
		Action:       a.Original.ActionTaken,
		Reason:       a.Reason,
		Metadata:     map[string]any{"appeal_id": a.ID, "outcome": outcome},
	})
	if err != nil {
		w.logger.WarnContext(ctx, "audit record failed", "appeal", a.ID, "error", err)
	}
}

// Buttons are the accept and deny controls sent to the arbiter.
func Buttons(appealID string) []platform.Button {
	return []platform.Button{
		{ID: buttonPrefix + string(DecisionAccept) + ":" + appealID, Label: "Accept", Style: "success"},
		{ID: buttonPrefix + string(DecisionDeny) + ":" + appealID, Label: "Deny", Style: "danger"},
	}
}

// ParseButtonID splits an appeal button id. ok is false for ids that do not
// belong to an appeal.
func ParseButtonID(id string) (decision Decision, appealID string, ok bool) {
	rest, found := strings.CutPrefix(id, buttonPrefix)
	if !found {
		return "", "", false
	}
	verb, appealID, found := strings.Cut(rest, ":")
	if !found || appealID == "" {
		return "", "", false
	}
	d, err := ParseDecision(verb)
	if err != nil {
		return "", "", false
	}
	return d, appealID, true
}
