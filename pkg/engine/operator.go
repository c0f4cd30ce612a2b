package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/warden/pkg/platform"
)

const maxAlertDetail = 1500

// Operator is the out-of-band contact for failures that no community
// moderator can act on: panics, backend outages and unexpected dispatch
// errors. A zero Operator only logs.
type Operator struct {
	Platform  platform.Client
	UserID    string
	ChannelID string
}

func (o Operator) configured() bool {
	return o.Platform != nil && (o.UserID != "" || o.ChannelID != "")
}

// alert tells the operator about a failed event. Alerts are throttled so an
// outage produces a handful of messages, not one per chat message.
func (e *Engine) alert(ctx context.Context, kind, communityID, detail string) {
	if !e.operator.configured() {
		return
	}
	if !e.alerts.Allow() {
		e.logger.DebugContext(ctx, "operator alert throttled", "event", kind)
		return
	}
	if len(detail) > maxAlertDetail {
		detail = detail[:maxAlertDetail] + "..."
	}
	where := ""
	if communityID != "" {
		where = " in community `" + communityID + "`"
	}
	msg := platform.OutboundMessage{
		Content: fmt.Sprintf("**WARDEN ERROR!** A %s event failed%s:\n```\n%s\n```", kind, where, detail),
	}

	// The event's own context may already be gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var err error
	if e.operator.ChannelID != "" {
		err = e.operator.Platform.SendMessage(ctx, e.operator.ChannelID, msg)
	} else {
		err = e.operator.Platform.SendDirect(ctx, e.operator.UserID, msg)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "operator alert failed", "event", kind, "error", err)
	}
}

func newAlertLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute), 5)
}
