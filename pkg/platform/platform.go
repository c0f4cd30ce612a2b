// Package platform describes the chat platform as the engine sees it: a small
// set of member, message and community operations, every one of which may fail
// with a permission error the engine treats as non-fatal.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

var (
	// ErrForbidden means the engine lacks the rights to perform the operation.
	ErrForbidden = errors.New("platform: forbidden")
	// ErrNotFound means the target (message, member, community) no longer exists.
	ErrNotFound = errors.New("platform: not found")
)

// Author is the sender of a message, resolved against its community.
type Author struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Bot         bool     `json:"bot"`
	Owner       bool     `json:"owner"`
	Admin       bool     `json:"admin"`
	Moderator   bool     `json:"moderator"`
	Roles       []string `json:"roles,omitempty"` // highest first
}

// Tier resolves the author's effective role tier: owner > admin > moderator > member.
func (a Author) Tier() moderation.RoleTier {
	switch {
	case a.Owner:
		return moderation.TierOwner
	case a.Admin:
		return moderation.TierAdmin
	case a.Moderator:
		return moderation.TierModerator
	default:
		return moderation.TierMember
	}
}

// Attachment is a media reference on a message. Data is fetched lazily.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// Message is an inbound chat message.
type Message struct {
	ID              string       `json:"id"`
	CommunityID     string       `json:"community_id"`
	CommunityName   string       `json:"community_name"`
	ChannelID       string       `json:"channel_id"`
	ChannelCategory string       `json:"channel_category,omitempty"`
	AgeRestricted   bool         `json:"age_restricted"`
	Author          Author       `json:"author"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	ReplyToID       string       `json:"reply_to_id,omitempty"`
	JumpURL         string       `json:"jump_url,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Member is a community member as listed for replay.
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot"`
}

// Community is one joined community.
type Community struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Field is one name/value row of a rich log message.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a rich log message body.
type Embed struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Colour      moderation.Colour `json:"colour"`
	Fields      []Field           `json:"fields,omitempty"`
	Footer      string            `json:"footer,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// AddField appends a field and returns the embed for chaining.
func (e *Embed) AddField(name, value string, inline bool) *Embed {
	e.Fields = append(e.Fields, Field{Name: name, Value: value, Inline: inline})
	return e
}

// Button is an interactive control attached to an outbound message. The
// platform bridge renders it and reports presses back as interactions.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style"`
}

// OutboundMessage is what the engine posts into a channel.
type OutboundMessage struct {
	Content string   `json:"content,omitempty"`
	Embed   *Embed   `json:"embed,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Client is the chat platform collaborator.
type Client interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	Ban(ctx context.Context, communityID, userID, reason string, deleteMessageDays int) error
	Unban(ctx context.Context, communityID, userID, reason string) error
	Kick(ctx context.Context, communityID, userID, reason string) error
	Timeout(ctx context.Context, communityID, userID string, until time.Time, reason string) error
	ClearTimeout(ctx context.Context, communityID, userID, reason string) error

	SendMessage(ctx context.Context, channelID string, msg OutboundMessage) error
	// SendDirect opens (or reuses) a direct channel and posts content to it.
	SendDirect(ctx context.Context, userID string, msg OutboundMessage) error

	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)
	RecentMessages(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error)
	FetchAttachment(ctx context.Context, att Attachment) ([]byte, error)

	Communities(ctx context.Context) ([]Community, error)
	Members(ctx context.Context, communityID string) ([]Member, error)
}

// Routing resolves where a community wants moderation notices to go.
// Empty strings mean "not configured".
type Routing interface {
	LogChannel(ctx context.Context, communityID string) string
	// ModeratorPing is the mention text for the moderator role, e.g. "<@&123>".
	ModeratorPing(ctx context.Context, communityID string) string
}

// IsForbidden reports whether err is a permission failure.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsNotFound reports whether err means the target is already gone.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// UserMention renders a user reference for message content, e.g. "<@42>".
func UserMention(userID string) string { return "<@" + userID + ">" }

// ChannelMention renders a channel reference, e.g. "<#7>".
func ChannelMention(channelID string) string { return "<#" + channelID + ">" }
