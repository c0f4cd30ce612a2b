// Package contextbuilder assembles the classification bundle for a message:
// author standing, channel context, nearby conversation, prior infractions
// and the rules text to judge against. Every lookup degrades to a
// placeholder on failure; Build never fails.
package contextbuilder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

const (
	// MaxAttachments bounds how many attachments are considered per message.
	MaxAttachments = 4

	maxRoles         = 10
	historyFetch     = 4
	historyKeep      = 3
	repliedToChars   = 200
	historyChars     = 100
	reasonChars      = 50
	maxSummaryChars  = 500
	noRulesText      = "No rules set."
	defaultCategory  = "No Category"
	noHistoryText    = "No recent history available."
	historyErrorText = "[Could not fetch recent history]"
	replyErrorText   = "[Could not fetch]"
	noInfractions    = "No prior infractions recorded."
)

// RulesProvider resolves community and channel rules text. Satisfied by
// *config.Communities.
type RulesProvider interface {
	ServerRules(ctx context.Context, communityID string) string
	ChannelRules(ctx context.Context, communityID, channelID string) string
}

// Event is one message to build context for. Instructions, when set by a
// keyword rule, replace the community rules.
type Event struct {
	Message      platform.Message
	Instructions string
	FromKeyword  bool
}

// Builder builds bundles.
type Builder struct {
	platform platform.Client
	ledger   ledger.Ledger
	rules    RulesProvider
	logger   *slog.Logger
}

func New(p platform.Client, l ledger.Ledger, r RulesProvider) *Builder {
	return &Builder{platform: p, ledger: l, rules: r, logger: slog.Default().With("component", "contextbuilder")}
}

// Build assembles the bundle for ev.
func (b *Builder) Build(ctx context.Context, ev Event) *Bundle {
	msg := ev.Message
	bundle := &Bundle{
		Message:       msg,
		Text:          msg.Content,
		Tier:          msg.Author.Tier(),
		Roles:         topRoles(msg.Author.Roles),
		Category:      msg.ChannelCategory,
		AgeRestricted: msg.AgeRestricted,
	}
	if bundle.Category == "" {
		bundle.Category = defaultCategory
	}

	bundle.Attachments = b.attachments(ctx, msg)
	bundle.RepliedTo = b.repliedTo(ctx, msg)
	bundle.RecentHistory = b.recentHistory(ctx, msg)
	bundle.Infractions = b.infractions(ctx, msg)
	bundle.RulesText, bundle.RulesSource = b.rulesText(ctx, ev)
	return bundle
}

func topRoles(roles []string) []string {
	if len(roles) > maxRoles {
		roles = roles[:maxRoles]
	}
	return append([]string(nil), roles...)
}

func mediaKind(contentType string) string {
	switch {
	case contentType == "image/gif":
		return "gif"
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	}
	return ""
}

func (b *Builder) attachments(ctx context.Context, msg platform.Message) []Media {
	var out []Media
	for _, att := range msg.Attachments {
		if len(out) == MaxAttachments {
			break
		}
		kind := mediaKind(att.ContentType)
		if kind == "" {
			continue
		}
		if kind == "video" {
			out = append(out, Media{Filename: att.Filename, ContentType: att.ContentType, Kind: kind})
			continue
		}
		data, err := b.platform.FetchAttachment(ctx, att)
		if err != nil {
			b.logger.WarnContext(ctx, "skipping attachment", "message", msg.ID, "attachment", att.Filename, "error", err)
			continue
		}
		out = append(out, Media{Filename: att.Filename, ContentType: att.ContentType, Kind: kind, Data: data})
	}
	return out
}

func (b *Builder) repliedTo(ctx context.Context, msg platform.Message) string {
	if msg.ReplyToID == "" {
		return ""
	}
	replied, err := b.platform.FetchMessage(ctx, msg.ChannelID, msg.ReplyToID)
	if err != nil {
		b.logger.WarnContext(ctx, "could not fetch replied-to message", "message", msg.ID, "error", err)
		return replyErrorText
	}
	return fmt.Sprintf("%s: %s", replied.Author.DisplayName, clip(replied.Content, repliedToChars))
}

func (b *Builder) recentHistory(ctx context.Context, msg platform.Message) string {
	recent, err := b.platform.RecentMessages(ctx, msg.ChannelID, msg.ID, historyFetch)
	if err != nil {
		b.logger.WarnContext(ctx, "could not fetch channel history", "channel", msg.ChannelID, "error", err)
		return historyErrorText
	}
	var lines []string
	for _, m := range recent {
		if m.Author.Bot {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Author.DisplayName, clip(m.Content, historyChars)))
		if len(lines) == historyKeep {
			break
		}
	}
	if len(lines) == 0 {
		return noHistoryText
	}
	return strings.Join(lines, "\n")
}

func (b *Builder) infractions(ctx context.Context, msg platform.Message) string {
	history, err := b.ledger.History(ctx, msg.CommunityID, msg.Author.ID)
	if err != nil {
		b.logger.WarnContext(ctx, "could not read infraction history", "user", msg.Author.ID, "error", err)
		return noInfractions
	}
	return Summarize(history)
}

func (b *Builder) rulesText(ctx context.Context, ev Event) (string, RulesSource) {
	if ev.FromKeyword {
		return ev.Instructions, RulesFromKeyword
	}
	if r := b.rules.ChannelRules(ctx, ev.Message.CommunityID, ev.Message.ChannelID); r != "" {
		return r, RulesFromChannel
	}
	return b.rules.ServerRules(ctx, ev.Message.CommunityID), RulesFromServer
}

// clip returns at most n runes of s.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
