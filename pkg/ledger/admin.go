package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/warden/pkg/platform"
)

// Admin wraps the administrative operations on a Ledger that have user-facing
// side effects.
type Admin struct {
	ledger   Ledger
	platform platform.Client
	logger   *slog.Logger
}

// NewAdmin creates an Admin.
func NewAdmin(l Ledger, p platform.Client) *Admin {
	return &Admin{ledger: l, platform: p, logger: slog.Default().With("component", "ledger")}
}

// Clear wipes a member's history and tells them so. The notice is best-effort:
// a closed DM channel does not fail the clear.
func (a *Admin) Clear(ctx context.Context, community platform.Community, userID, actorID string) (int, error) {
	n, err := a.ledger.Clear(ctx, community.ID, userID)
	if err != nil {
		return 0, fmt.Errorf("clear infractions: %w", err)
	}
	a.logger.InfoContext(ctx, "cleared infractions",
		"community", community.ID, "user", userID, "actor", actorID, "count", n)

	if n == 0 {
		return 0, nil
	}
	notice := platform.OutboundMessage{
		Content: fmt.Sprintf("Your infraction history in **%s** has been cleared by an administrator.", community.Name),
	}
	if err := a.platform.SendDirect(ctx, userID, notice); err != nil {
		a.logger.WarnContext(ctx, "could not notify user of infraction clearance", "user", userID, "error", err)
	}
	return n, nil
}
