// Package classifier asks the AI backend for a verdict on a context bundle
// and turns its answer into a moderation.Verdict.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/warden/pkg/contextbuilder"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/observability"
)

const (
	Temperature = 0.2
	MaxTokens   = 4096
)

// ModelResolver picks the backend model for a community. Satisfied by
// *config.Communities.
type ModelResolver interface {
	Model(ctx context.Context, communityID, def string) string
}

// Result is a classification together with what was sent and received.
// Raw is kept for the decision log on both success and failure.
type Result struct {
	Verdict *moderation.Verdict
	Model   string
	Backend string
	Raw     string
}

// Classifier is the classifier client.
type Classifier struct {
	client       llm.Client
	models       ModelResolver
	defaultModel string
	obs          *observability.Provider
	logger       *slog.Logger

	rps      rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSpendLimit caps backend calls per community. rps <= 0 disables it.
func WithSpendLimit(rps float64, burst int) Option {
	return func(c *Classifier) {
		if rps > 0 {
			c.rps = rate.Limit(rps)
			c.burst = max(burst, 1)
		}
	}
}

// WithObservability records spans and RED metrics for each call.
func WithObservability(p *observability.Provider) Option {
	return func(c *Classifier) { c.obs = p }
}

func New(client llm.Client, models ModelResolver, defaultModel string, opts ...Option) *Classifier {
	c := &Classifier{
		client:       client,
		models:       models,
		defaultModel: defaultModel,
		logger:       slog.Default().With("component", "classifier"),
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns the verdict for b.
func (c *Classifier) Classify(ctx context.Context, b *contextbuilder.Bundle) (*moderation.Verdict, error) {
	res, err := c.ClassifyDetailed(ctx, b)
	if err != nil {
		return nil, err
	}
	return res.Verdict, nil
}

// ClassifyDetailed is Classify with the raw response and model attached.
// On a classification failure the returned Result still carries Raw.
func (c *Classifier) ClassifyDetailed(ctx context.Context, b *contextbuilder.Bundle) (res *Result, err error) {
	communityID := b.Message.CommunityID
	model := c.defaultModel
	if c.models != nil {
		model = c.models.Model(ctx, communityID, c.defaultModel)
	}

	ctx, finish := c.obs.TrackOperation(ctx, "classifier.classify", observability.ClassifyOperation(communityID, model)...)
	defer func() { finish(err) }()

	if lim := c.limiter(communityID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("classifier spend limit: %w", err)
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: SystemPrompt(b.RulesText)},
		{Role: llm.RoleUser, Content: b.UserPrompt(), Images: images(b)},
	}
	resp, err := c.client.Chat(ctx, messages, &llm.SamplingOptions{
		Model:       model,
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier backend: %w", err)
	}

	res = &Result{Model: model, Backend: resp.Backend, Raw: resp.Content}
	res.Verdict, err = Parse(resp.Content)
	if err != nil {
		c.logger.WarnContext(ctx, "unusable classifier response",
			"community", communityID, "message", b.Message.ID, "model", model, "error", err)
		return res, err
	}
	return res, nil
}

func (c *Classifier) limiter(communityID string) *rate.Limiter {
	if c.rps == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[communityID]
	if !ok {
		lim = rate.NewLimiter(c.rps, c.burst)
		c.limiters[communityID] = lim
	}
	return lim
}

func images(b *contextbuilder.Bundle) []llm.Image {
	var out []llm.Image
	for _, m := range b.Attachments {
		if len(m.Data) == 0 {
			continue
		}
		out = append(out, llm.Image{MIMEType: m.ContentType, Data: m.Data})
	}
	return out
}
