package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

const (
	DefaultModel       = "openrouter/google/gemini-2.0-flash-001"
	DefaultServerRules = "No rules set."
)

// Per-community keys.
const (
	KeyEnabled            = "ENABLED"
	KeyServerRules        = "SERVER_RULES"
	KeyChannelRules       = "AI_CHANNEL_RULES"
	KeyExcludedChannels   = "AI_EXCLUDED_CHANNELS"
	KeyModel              = "AI_MODEL"
	KeyAnalysisMode       = "AI_ANALYSIS_MODE"
	KeyKeywordRules       = "AI_KEYWORD_RULES"
	KeyTestMode           = "TEST_MODE_ENABLED"
	KeyConfirmationPolicy = "CONFIRMATION_POLICY"
	KeyConfirmationPing   = "CONFIRMATION_PING_ROLE_ID"
	KeyEscalationRules    = "ESCALATION_RULES"
	KeyLogChannel         = "MOD_LOG_CHANNEL_ID"
	KeyModeratorRole      = "MODERATOR_ROLE_ID"
	KeySuicidalPingRole   = "SUICIDAL_PING_ROLE_ID"
)

var knownKeys = map[string]bool{
	KeyEnabled: true, KeyServerRules: true, KeyChannelRules: true, KeyExcludedChannels: true,
	KeyModel: true, KeyAnalysisMode: true, KeyKeywordRules: true, KeyTestMode: true,
	KeyConfirmationPolicy: true, KeyConfirmationPing: true, KeyEscalationRules: true,
	KeyLogChannel: true, KeyModeratorRole: true, KeySuicidalPingRole: true,
}

// IsKnownKey reports whether key is a recognised per-community setting.
func IsKnownKey(key string) bool { return knownKeys[key] }

// KnownKeys lists the recognised keys, sorted.
func KnownKeys() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Communities gives typed access to per-community settings. Lookups never
// fail: a store error is logged and the default is used.
type Communities struct {
	store   Store
	profile *Profile
	logger  *slog.Logger
}

// NewCommunities creates the accessor. profile may be nil.
func NewCommunities(s Store, profile *Profile) *Communities {
	return &Communities{store: s, profile: profile, logger: slog.Default().With("component", "config")}
}

// Store exposes the backing store.
func (c *Communities) Store() Store { return c.store }

// Lookup decodes key for a community into T. Resolution order: the
// community's own value, the profile default, then def.
func Lookup[T any](ctx context.Context, c *Communities, communityID, key string, def T) T {
	raw, ok, err := c.store.Get(ctx, communityID, key)
	if err != nil {
		c.logger.WarnContext(ctx, "config lookup failed", "community", communityID, "key", key, "error", err)
		ok = false
	}
	if !ok {
		raw, ok = c.profile.Default(key)
	}
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.WarnContext(ctx, "config value has wrong shape", "community", communityID, "key", key, "error", err)
		return def
	}
	return v
}

// Set stores value for key, which must be a known key.
func (c *Communities) Set(ctx context.Context, communityID, key string, value any) error {
	if !IsKnownKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.store.Set(ctx, communityID, key, raw)
}

func (c *Communities) Enabled(ctx context.Context, communityID string) bool {
	return Lookup(ctx, c, communityID, KeyEnabled, true)
}

func (c *Communities) ServerRules(ctx context.Context, communityID string) string {
	return Lookup(ctx, c, communityID, KeyServerRules, DefaultServerRules)
}

// ChannelRules returns the per-channel rules override, or "".
func (c *Communities) ChannelRules(ctx context.Context, communityID, channelID string) string {
	return Lookup(ctx, c, communityID, KeyChannelRules, map[string]string{})[channelID]
}

// Excluded reports whether AI moderation is disabled for a channel.
func (c *Communities) Excluded(ctx context.Context, communityID, channelID string) bool {
	for _, ch := range Lookup[[]string](ctx, c, communityID, KeyExcludedChannels, nil) {
		if ch == channelID {
			return true
		}
	}
	return false
}

func (c *Communities) Model(ctx context.Context, communityID, def string) string {
	if m := Lookup(ctx, c, communityID, KeyModel, ""); m != "" {
		return m
	}
	return def
}

func (c *Communities) AnalysisMode(ctx context.Context, communityID string) string {
	return Lookup(ctx, c, communityID, KeyAnalysisMode, "all")
}

func (c *Communities) TestMode(ctx context.Context, communityID string) bool {
	return Lookup(ctx, c, communityID, KeyTestMode, false)
}

// ConfirmationMode returns the community's policy for action, automatic unless set.
func (c *Communities) ConfirmationMode(ctx context.Context, communityID string, action moderation.ActionKind) moderation.ConfirmationMode {
	policy := Lookup(ctx, c, communityID, KeyConfirmationPolicy, map[string]string{})
	mode, err := moderation.ParseConfirmationMode(policy[string(action)])
	if err != nil {
		return moderation.ModeAutomatic
	}
	return mode
}

// SetConfirmationMode updates a single action's entry in the policy map.
func (c *Communities) SetConfirmationMode(ctx context.Context, communityID string, action moderation.ActionKind, mode moderation.ConfirmationMode) error {
	policy := Lookup(ctx, c, communityID, KeyConfirmationPolicy, map[string]string{})
	if policy == nil {
		policy = map[string]string{}
	}
	policy[string(action)] = string(mode)
	return c.Set(ctx, communityID, KeyConfirmationPolicy, policy)
}

// ConfirmationPing is the mention for confirmation requests, or "".
func (c *Communities) ConfirmationPing(ctx context.Context, communityID string) string {
	return roleMention(Lookup(ctx, c, communityID, KeyConfirmationPing, ""))
}

func (c *Communities) EscalationRules(ctx context.Context, communityID string) []string {
	return Lookup[[]string](ctx, c, communityID, KeyEscalationRules, nil)
}

func (c *Communities) LogChannel(ctx context.Context, communityID string) string {
	return Lookup(ctx, c, communityID, KeyLogChannel, "")
}

func (c *Communities) ModeratorPing(ctx context.Context, communityID string) string {
	return roleMention(Lookup(ctx, c, communityID, KeyModeratorRole, ""))
}

// SuicidalPing falls back to the moderator role.
func (c *Communities) SuicidalPing(ctx context.Context, communityID string) string {
	if id := Lookup(ctx, c, communityID, KeySuicidalPingRole, ""); id != "" {
		return roleMention(id)
	}
	return c.ModeratorPing(ctx, communityID)
}

func roleMention(id string) string {
	if id == "" {
		return ""
	}
	return "<@&" + id + ">"
}
