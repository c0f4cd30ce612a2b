package globalban

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

const (
	ReasonOnJoin    = "Globally banned for severe universal violation."
	ReasonOnMessage = "Globally banned user sent message."

	// fanOutLimit bounds concurrent platform calls during propagation.
	fanOutLimit = 8
)

// Result is the outcome of one per-community step of a fan-out.
type Result struct {
	CommunityID string
	Err         error
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Enforcer applies the registry to the communities the engine serves.
type Enforcer struct {
	registry Registry
	platform platform.Client
	routing  platform.Routing
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(r Registry, p platform.Client, routing platform.Routing) *Enforcer {
	return &Enforcer{
		registry: r,
		platform: p,
		routing:  routing,
		logger:   slog.Default().With("component", "globalban"),
		now:      time.Now,
	}
}

// Registry exposes the underlying registry.
func (e *Enforcer) Registry() Registry { return e.registry }

// OnMessage bans the author if they are globally banned. A true result means
// the message must not be processed further.
func (e *Enforcer) OnMessage(ctx context.Context, msg platform.Message) (bool, error) {
	banned, err := e.registry.IsBanned(ctx, msg.Author.ID)
	if err != nil {
		return false, fmt.Errorf("global ban check: %w", err)
	}
	if !banned {
		return false, nil
	}

	e.logger.InfoContext(ctx, "globally banned user sent message",
		"community", msg.CommunityID, "user", msg.Author.ID)
	if err := e.platform.Ban(ctx, msg.CommunityID, msg.Author.ID, ReasonOnMessage, 1); err != nil {
		e.reportFailure(ctx, msg.CommunityID, msg.Author.ID, err)
	}
	return true, nil
}

// OnJoin bans a joining member if they are globally banned, telling them why
// and posting an enforcement notice to the community's log channel.
func (e *Enforcer) OnJoin(ctx context.Context, community platform.Community, member platform.Member) (bool, error) {
	if member.Bot {
		return false, nil
	}
	banned, err := e.registry.IsBanned(ctx, member.UserID)
	if err != nil {
		return false, fmt.Errorf("global ban check: %w", err)
	}
	if !banned {
		return false, nil
	}

	// DM first: once banned the user may share no community with us.
	notice := platform.OutboundMessage{Content: fmt.Sprintf(
		"You have been globally banned for a severe universal violation and have been banned from **%s**.", community.Name)}
	if err := e.platform.SendDirect(ctx, member.UserID, notice); err != nil {
		e.logger.WarnContext(ctx, "could not DM globally banned user", "user", member.UserID, "error", err)
	}

	if err := e.platform.Ban(ctx, community.ID, member.UserID, ReasonOnJoin, 1); err != nil {
		e.reportFailure(ctx, community.ID, member.UserID, err)
		return true, nil
	}

	if ch := e.routing.LogChannel(ctx, community.ID); ch != "" {
		embed := &platform.Embed{
			Title:       "🚨 Global Ban Enforcement 🚨",
			Description: fmt.Sprintf("User %s (`%s`) was automatically banned on join.", member.DisplayName, member.UserID),
			Colour:      moderation.ColourDarkRed,
			Timestamp:   e.now(),
		}
		embed.AddField("Reason", ReasonOnJoin, false)
		if err := e.platform.SendMessage(ctx, ch, platform.OutboundMessage{Embed: embed}); err != nil {
			e.logger.WarnContext(ctx, "could not post global ban notice", "community", community.ID, "error", err)
		}
	}
	return true, nil
}

// Replay bans every globally banned member of every joined community. It is
// run at startup to catch bans issued while the engine was offline.
func (e *Enforcer) Replay(ctx context.Context) ([]Result, error) {
	communities, err := e.platform.Communities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}

	return e.fanOut(ctx, communities, func(ctx context.Context, c platform.Community) error {
		members, err := e.platform.Members(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		var firstErr error
		for _, m := range members {
			if m.Bot {
				continue
			}
			banned, err := e.registry.IsBanned(ctx, m.UserID)
			if err != nil {
				return fmt.Errorf("global ban check: %w", err)
			}
			if !banned {
				continue
			}
			if err := e.platform.Ban(ctx, c.ID, m.UserID, ReasonOnJoin, 1); err != nil {
				e.reportFailure(ctx, c.ID, m.UserID, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}), nil
}

// Propagate bans userID in every joined community except the one named by
// except (usually where the ban originated and was already applied).
func (e *Enforcer) Propagate(ctx context.Context, userID, reason, except string) ([]Result, error) {
	communities, err := e.platform.Communities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	targets := communities[:0:0]
	for _, c := range communities {
		if c.ID != except {
			targets = append(targets, c)
		}
	}

	return e.fanOut(ctx, targets, func(ctx context.Context, c platform.Community) error {
		err := e.platform.Ban(ctx, c.ID, userID, reason, 1)
		if err != nil {
			e.reportFailure(ctx, c.ID, userID, err)
		}
		return err
	}), nil
}

// Lift unbans userID in every joined community. A community where the user
// was not banned reports platform.ErrNotFound, which is not a failure.
func (e *Enforcer) Lift(ctx context.Context, userID, reason string) ([]Result, error) {
	communities, err := e.platform.Communities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	return e.fanOut(ctx, communities, func(ctx context.Context, c platform.Community) error {
		err := e.platform.Unban(ctx, c.ID, userID, reason)
		if platform.IsNotFound(err) {
			return nil
		}
		return err
	}), nil
}

// Ban records e in the registry and propagates it everywhere but except.
// The registry entry is never rolled back, whatever the fan-out reports.
func (e *Enforcer) Ban(ctx context.Context, entry Entry, except string) ([]Result, error) {
	if entry.BannedAt.IsZero() {
		entry.BannedAt = e.now().UTC()
	}
	if err := e.registry.Add(ctx, entry); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "global ban recorded", "user", entry.UserID, "by", entry.BannedBy)
	return e.Propagate(ctx, entry.UserID, entry.Reason, except)
}

// Unban removes the registry entry and lifts the ban everywhere.
func (e *Enforcer) Unban(ctx context.Context, userID, reason string) (bool, []Result, error) {
	existed, err := e.registry.Remove(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	results, err := e.Lift(ctx, userID, reason)
	return existed, results, err
}

func (e *Enforcer) fanOut(ctx context.Context, communities []platform.Community, step func(context.Context, platform.Community) error) []Result {
	results := make([]Result, len(communities))

	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for i, c := range communities {
		g.Go(func() error {
			results[i] = Result{CommunityID: c.ID, Err: step(ctx, c)}
			// Per-community failures are reported in results, never abort siblings.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// reportFailure logs a failed ban and, for permission errors, alerts the
// community's moderators.
func (e *Enforcer) reportFailure(ctx context.Context, communityID, userID string, err error) {
	e.logger.WarnContext(ctx, "global ban enforcement failed",
		"community", communityID, "user", userID, "error", err)
	if !platform.IsForbidden(err) {
		return
	}
	ch := e.routing.LogChannel(ctx, communityID)
	if ch == "" {
		return
	}
	ping := e.routing.ModeratorPing(ctx, communityID)
	if ping == "" {
		ping = "Moderators"
	}
	content := fmt.Sprintf("%s **PERMISSION ERROR!** Globally banned user `%s` could not be banned from this server. Please check bot permissions.",
		ping, userID)
	if err := e.platform.SendMessage(ctx, ch, platform.OutboundMessage{Content: content}); err != nil {
		e.logger.WarnContext(ctx, "could not post permission alert", "community", communityID, "error", err)
	}
}
