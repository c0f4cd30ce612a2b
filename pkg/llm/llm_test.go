package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

func completionServer(t *testing.T, content string, seen *completionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` +
			jsonString(content) + `}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestOpenAIClient_Chat(t *testing.T) {
	var seen completionRequest
	srv := completionServer(t, `{"violation":false}`, &seen)

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Provider: "openrouter", Model: "openrouter/x/default"})
	resp, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hello"},
	}, &SamplingOptions{Model: "openrouter/google/gemini-2.0-flash-001", Temperature: 0.2, MaxTokens: 4096})
	require.NoError(t, err)

	assert.Equal(t, `{"violation":false}`, resp.Content)
	assert.Equal(t, "primary", resp.Backend)
	assert.Equal(t, "google/gemini-2.0-flash-001", seen.Model)
	assert.InDelta(t, 0.2, seen.Temperature, 0.0001)
	assert.Equal(t, 4096, seen.MaxTokens)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, RoleSystem, seen.Messages[0].Role)
}

func TestOpenAIClient_SendsImagesAsContentParts(t *testing.T) {
	var body struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"})
	_, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "look", Images: []Image{{MIMEType: "image/png", Data: []byte("png")}}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, body.Messages, 2)

	var text string
	require.NoError(t, json.Unmarshal(body.Messages[0].Content, &text))
	assert.Equal(t, "rules", text)

	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	require.NoError(t, json.Unmarshal(body.Messages[1].Content, &parts))
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "look", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/png;base64,cG5n", parts[1].ImageURL.URL)
}

func TestOpenAIClient_DefaultModel(t *testing.T) {
	var seen completionRequest
	srv := completionServer(t, "ok", &seen)

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "gpt-4o-mini"})
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", seen.Model)
}

func TestOpenAIClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"})
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	assert.Error(t, err)
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"})
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIClient_EmptyMessages(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	_, err := c.Chat(context.Background(), nil, nil)
	assert.Error(t, err)
}

type stubClient struct {
	calls   int
	content string
	err     error
	opts    *SamplingOptions
}

func (s *stubClient) Chat(_ context.Context, _ []Message, o *SamplingOptions) (*Response, error) {
	s.calls++
	s.opts = o
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: s.content}, nil
}

func TestRouter_PrimarySucceeds(t *testing.T) {
	primary := &stubClient{content: "p"}
	fallback := &stubClient{content: "f"}
	resp, err := NewRouter(primary, fallback).Chat(context.Background(), []Message{{Role: RoleUser}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p", resp.Content)
	assert.Zero(t, fallback.calls)
}

func TestRouter_FallbackOnce(t *testing.T) {
	primary := &stubClient{err: errors.New("503")}
	fallback := &stubClient{content: "f"}
	opts := &SamplingOptions{Model: "openrouter/a/b", Temperature: 0.2}

	resp, err := NewRouter(primary, fallback).Chat(context.Background(), []Message{{Role: RoleUser}}, opts)
	require.NoError(t, err)
	assert.Equal(t, "f", resp.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
	assert.Empty(t, fallback.opts.Model)
	assert.Equal(t, "openrouter/a/b", opts.Model)
}

func TestRouter_BothFail(t *testing.T) {
	e1, e2 := errors.New("primary down"), errors.New("fallback down")
	primary := &stubClient{err: e1}
	fallback := &stubClient{err: e2}

	_, err := NewRouter(primary, fallback).Chat(context.Background(), []Message{{Role: RoleUser}}, nil)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Equal(t, 1, fallback.calls)
}

func TestRouter_NoFallback(t *testing.T) {
	primary := &stubClient{err: errors.New("down")}
	_, err := NewRouter(primary, nil).Chat(context.Background(), []Message{{Role: RoleUser}}, nil)
	assert.Error(t, err)
}

func TestRouter_CancelledContextSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &stubClient{err: context.Canceled}
	fallback := &stubClient{content: "f"}
	_, err := NewRouter(primary, fallback).Chat(ctx, []Message{{Role: RoleUser}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fallback.calls)
}
