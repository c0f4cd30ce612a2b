package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

// RulesSource records where a bundle's rules text came from.
type RulesSource string

const (
	RulesFromKeyword RulesSource = "keyword"
	RulesFromChannel RulesSource = "channel"
	RulesFromServer  RulesSource = "server"
)

// Media is an attachment. Images and gifs carry their bytes; videos are
// listed by name only.
type Media struct {
	Filename    string
	ContentType string
	Kind        string // image, gif or video
	Data        []byte
}

// Bundle is everything the classifier is told about one message.
type Bundle struct {
	Message       platform.Message
	Text          string
	Attachments   []Media
	Tier          moderation.RoleTier
	Roles         []string
	Category      string
	AgeRestricted bool
	RepliedTo     string
	RecentHistory string
	Infractions   string
	RulesText     string
	RulesSource   RulesSource
}

// Empty reports a message with no text and no usable attachments.
func (b *Bundle) Empty() bool {
	return strings.TrimSpace(b.Text) == "" && len(b.Attachments) == 0
}

// NoRules reports that the community has configured no rules at all, in
// which case there is nothing to classify against.
func (b *Bundle) NoRules() bool {
	return b.RulesSource == RulesFromServer && b.RulesText == noRulesText
}

// UserPrompt renders the classification request for the bundle.
func (b *Bundle) UserPrompt() string {
	roles := "User has no roles."
	if len(b.Roles) > 0 {
		roles = strings.Join(b.Roles, ", ")
	}
	content := b.Text
	if content == "" {
		content = "[No text content]"
	}

	var sb strings.Builder
	sb.WriteString("**Context Information:**\n")
	fmt.Fprintf(&sb, "- User's Server Role: %s\n", b.Tier)
	fmt.Fprintf(&sb, "- User's Top 10 Roles: %s\n", roles)
	fmt.Fprintf(&sb, "- Channel Category: %s\n", b.Category)
	fmt.Fprintf(&sb, "- Channel Age-Restricted/NSFW: %t\n", b.AgeRestricted)
	if b.RepliedTo != "" {
		fmt.Fprintf(&sb, "- Replied-to Message: %s\n", b.RepliedTo)
	}
	sb.WriteString("- Recent Channel History:\n")
	sb.WriteString(b.RecentHistory)
	sb.WriteString("\n\n**User's Infraction History:**\n")
	sb.WriteString(b.Infractions)
	sb.WriteString("\n\n**Message Content:**\n")
	sb.WriteString(content)
	sb.WriteString("\n")
	for _, m := range b.Attachments {
		fmt.Fprintf(&sb, "[%s ATTACHMENT: %s]\n", strings.ToUpper(m.Kind), m.Filename)
	}
	return sb.String()
}
