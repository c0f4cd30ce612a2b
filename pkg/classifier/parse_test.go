package classifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

func TestParse_Valid(t *testing.T) {
	v, err := Parse(`{"reasoning":"targeted slur","violation":true,"rule_violated":"3","action":"timeout_medium"}`)
	require.NoError(t, err)
	assert.True(t, v.Violation)
	assert.Equal(t, "3", v.RuleViolated)
	assert.Equal(t, moderation.ActionTimeoutMedium, v.Action)
	assert.Equal(t, "targeted slur", v.Reasoning)
}

func TestParse_ProseAndFences(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"reasoning\":\"ok\",\"violation\":false,\"rule_violated\":\"None\",\"action\":\"IGNORE\"}\n```"
	v, err := Parse(raw)
	require.NoError(t, err)
	assert.False(t, v.Violation)
	assert.Equal(t, moderation.ActionIgnore, v.Action)
}

func TestParse_NotifyModsMessage(t *testing.T) {
	v, err := Parse(`{"reasoning":"r","violation":true,"rule_violated":"1","action":"NOTIFY_MODS","notify_mods_message":"check the thread"}`)
	require.NoError(t, err)
	assert.Equal(t, "check the thread", v.NotifyModsMessage)
}

func TestParse_Failures(t *testing.T) {
	cases := map[string]string{
		"empty":            "   ",
		"no object":        "I cannot help with that.",
		"truncated":        `{"reasoning":"r","violation":tr`,
		"missing action":   `{"reasoning":"r","violation":true,"rule_violated":"1"}`,
		"null reasoning":   `{"reasoning":null,"violation":true,"rule_violated":"1","action":"WARN"}`,
		"string boolean":   `{"reasoning":"r","violation":"true","rule_violated":"1","action":"WARN"}`,
		"numeric rule":     `{"reasoning":"r","violation":true,"rule_violated":1,"action":"WARN"}`,
		"unknown action":   `{"reasoning":"r","violation":true,"rule_violated":"1","action":"EXILE"}`,
		"empty action":     `{"reasoning":"r","violation":true,"rule_violated":"1","action":""}`,
		"array not object": `[{"reasoning":"r"}]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			v, err := Parse(raw)
			assert.Nil(t, v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, moderation.ErrClassificationFailure))

			var ce *moderation.ClassificationError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, raw, ce.Raw)
		})
	}
}

func TestParse_PartialIsNeverIgnore(t *testing.T) {
	v, err := Parse(`{"violation":false}`)
	assert.Nil(t, v)
	assert.ErrorIs(t, err, moderation.ErrClassificationFailure)
}

func TestSystemPromptEmbedsRules(t *testing.T) {
	p := SystemPrompt("1. Be kind\n2. No spam")
	assert.Contains(t, p, "---\n1. Be kind\n2. No spam\n---")
	assert.NotContains(t, p, "{{rules}}")
}
