package llm

import (
	"context"
	"errors"
	"log/slog"
)

// Router sends every request to the primary backend and, if that fails,
// retries it exactly once on the fallback. The fallback always answers with
// its own configured model.
type Router struct {
	primary  Client
	fallback Client
	logger   *slog.Logger
}

// NewRouter creates a router. A nil fallback disables the retry.
func NewRouter(primary, fallback Client) *Router {
	return &Router{primary: primary, fallback: fallback, logger: slog.Default().With("component", "llm")}
}

func (r *Router) Chat(ctx context.Context, msgs []Message, options *SamplingOptions) (*Response, error) {
	resp, err := r.primary.Chat(ctx, msgs, options)
	if err == nil || r.fallback == nil {
		return resp, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	r.logger.WarnContext(ctx, "primary backend failed, using fallback", "error", err)
	var fopts *SamplingOptions
	if options != nil {
		o := *options
		o.Model = ""
		fopts = &o
	}
	fresp, ferr := r.fallback.Chat(ctx, msgs, fopts)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return fresp, nil
}
