// Package llm is the chat-completion seam the classifier talks through.
package llm

import (
	"context"
	"errors"
)

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ErrEmptyResponse is returned when a backend answers without any choices.
var ErrEmptyResponse = errors.New("llm: empty response")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Images ride along with Content as inline image parts.
	Images []Image `json:"-"`
}

// Image is raw image bytes with their MIME type.
type Image struct {
	MIMEType string
	Data     []byte
}

type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Model       string  `json:"model,omitempty"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	// Backend names the endpoint that answered, e.g. "primary".
	Backend string `json:"backend"`
}
