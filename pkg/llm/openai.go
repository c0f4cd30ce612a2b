package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenRouter by default).
type OpenAIClient struct {
	client   *openai.Client
	name     string
	provider string
	model    string
	logger   *slog.Logger
}

// OpenAIConfig configures one endpoint.
type OpenAIConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// Provider is the model-id prefix this endpoint owns, e.g. "openrouter".
	// Model ids of the form "<provider>/<vendor>/<model>" lose it before the call.
	Provider string
	// Model is used when a request does not name one.
	Model string
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	name := cfg.Name
	if name == "" {
		name = "primary"
	}
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(oc),
		name:     name,
		provider: cfg.Provider,
		model:    cfg.Model,
		logger:   slog.Default().With("component", "llm", "backend", name),
	}
}

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("llm: messages must not be empty")
	}

	model := c.model
	req := openai.ChatCompletionRequest{}
	if options != nil {
		if options.Model != "" {
			model = options.Model
		}
		req.Temperature = options.Temperature
		req.MaxTokens = options.MaxTokens
	}
	req.Model = c.resolveModel(model)
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage(m))
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm %s: chat completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm %s: %w", c.name, ErrEmptyResponse)
	}
	c.logger.DebugContext(ctx, "chat completion", "model", req.Model, "finish_reason", resp.Choices[0].FinishReason)
	return &Response{Content: resp.Choices[0].Message.Content, Model: req.Model, Backend: c.name}, nil
}

// chatMessage switches to multi-part content when a message carries images;
// the API rejects Content and MultiContent set together.
func chatMessage(m Message) openai.ChatCompletionMessage {
	if len(m.Images) == 0 {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
	for _, img := range m.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
}

func (c *OpenAIClient) resolveModel(model string) string {
	if c.provider == "" {
		return model
	}
	return strings.TrimPrefix(model, c.provider+"/")
}
