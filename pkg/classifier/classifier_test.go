package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/contextbuilder"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

type recordingClient struct {
	content  string
	err      error
	messages []llm.Message
	opts     *llm.SamplingOptions
	calls    int
}

func (r *recordingClient) Chat(_ context.Context, msgs []llm.Message, o *llm.SamplingOptions) (*llm.Response, error) {
	r.calls++
	r.messages, r.opts = msgs, o
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content, Backend: "primary"}, nil
}

type fixedModel string

func (f fixedModel) Model(context.Context, string, string) string { return string(f) }

func bundle() *contextbuilder.Bundle {
	return &contextbuilder.Bundle{
		Message:       platform.Message{ID: "m1", CommunityID: "g1", ChannelID: "c1"},
		Text:          "you are all idiots",
		Category:      "General",
		RecentHistory: "No recent history available.",
		Infractions:   "No prior infractions recorded.",
		RulesText:     "1. Be respectful",
		RulesSource:   contextbuilder.RulesFromServer,
	}
}

func TestClassify_SendsPromptsAndSampling(t *testing.T) {
	client := &recordingClient{content: `{"reasoning":"insult","violation":true,"rule_violated":"1","action":"WARN"}`}
	c := New(client, fixedModel("openrouter/some/model"), "default-model")

	v, err := c.Classify(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, moderation.ActionWarn, v.Action)

	require.Len(t, client.messages, 2)
	assert.Equal(t, llm.RoleSystem, client.messages[0].Role)
	assert.Contains(t, client.messages[0].Content, "1. Be respectful")
	assert.Equal(t, llm.RoleUser, client.messages[1].Role)
	assert.Contains(t, client.messages[1].Content, "you are all idiots")

	assert.Equal(t, "openrouter/some/model", client.opts.Model)
	assert.InDelta(t, 0.2, client.opts.Temperature, 0.0001)
	assert.Equal(t, 4096, client.opts.MaxTokens)
}

func TestClassify_AttachesImageBytes(t *testing.T) {
	client := &recordingClient{content: `{"violation":false}`}
	c := New(client, nil, "default-model")

	b := bundle()
	b.Attachments = []contextbuilder.Media{
		{Filename: "cat.png", ContentType: "image/png", Kind: "image", Data: []byte{0x89, 'P', 'N', 'G'}},
		{Filename: "clip.mp4", ContentType: "video/mp4", Kind: "video"},
	}
	_, err := c.Classify(context.Background(), b)
	require.NoError(t, err)

	user := client.messages[1]
	require.Len(t, user.Images, 1)
	assert.Equal(t, "image/png", user.Images[0].MIMEType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, user.Images[0].Data)
	assert.Contains(t, user.Content, "[VIDEO ATTACHMENT: clip.mp4]")
	assert.Empty(t, client.messages[0].Images)
}

func TestClassify_DefaultModelWithoutResolver(t *testing.T) {
	client := &recordingClient{content: `{"reasoning":"","violation":false,"rule_violated":"None","action":"IGNORE"}`}
	res, err := New(client, nil, "default-model").ClassifyDetailed(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, "default-model", res.Model)
	assert.Equal(t, "primary", res.Backend)
}

func TestClassify_BackendError(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := New(&recordingClient{err: boom}, nil, "m").Classify(context.Background(), bundle())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, moderation.ErrClassificationFailure)
}

func TestClassifyDetailed_KeepsRawOnFailure(t *testing.T) {
	client := &recordingClient{content: "sorry, no"}
	res, err := New(client, nil, "m").ClassifyDetailed(context.Background(), bundle())
	assert.ErrorIs(t, err, moderation.ErrClassificationFailure)
	require.NotNil(t, res)
	assert.Equal(t, "sorry, no", res.Raw)
	assert.Nil(t, res.Verdict)
}

func TestClassify_SpendLimitHonoursContext(t *testing.T) {
	client := &recordingClient{content: `{"reasoning":"","violation":false,"rule_violated":"None","action":"IGNORE"}`}
	c := New(client, nil, "m", WithSpendLimit(0.001, 1))

	_, err := c.Classify(context.Background(), bundle())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Classify(ctx, bundle())
	assert.Error(t, err)
	assert.Equal(t, 1, client.calls)

	// Limits are per community.
	other := bundle()
	other.Message.CommunityID = "g2"
	_, err = c.Classify(context.Background(), other)
	assert.NoError(t, err)
}
