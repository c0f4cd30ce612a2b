package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

const (
	testModePrefix = "[TEST MODE] "
	testLabel      = "TEST_"

	appealHint = "If you believe this was a mistake, you may appeal using the `/appeal` command."

	// maxFieldLen is the platform's limit for one embed field value.
	maxFieldLen = 1024
)

// HelpResources is sent privately to an author whose message suggests they
// may harm themselves.
const HelpResources = `Hey, I noticed your message and I'm really worried about how you're feeling. You don't have to go through this alone, and people are ready to help right now:

- **988 Suicide & Crisis Lifeline** (US): call or text **988**, any time.
- **Crisis Text Line**: text **HOME** to **741741**.
- **The Trevor Project** (LGBTQ+ young people): call **1-866-488-7386** or visit https://www.thetrevorproject.org/get-help/
- **The Jed Foundation**: https://www.jedfoundation.org/
- Outside the US, https://findahelpline.com/ lists free local helplines.

If you are in immediate danger, please contact your local emergency number. You matter, and help is available.`

// PlatformReason is the audit reason attached to platform-side actions.
func PlatformReason(v moderation.Verdict) string {
	return fmt.Sprintf("AI Mod: Rule %s. Reason: %s", v.RuleViolated, v.Reasoning)
}

// directNotice is the DM sent to a sanctioned author. Actions without a
// notice return "".
func directNotice(action moderation.ActionKind, v moderation.Verdict, communityName string) string {
	switch {
	case action == moderation.ActionWarn:
		return fmt.Sprintf("Your recent message in **%s** was removed for violating Rule **%s**. Reason: _%s_. Please review the server rules. This is a formal warning.\n%s",
			communityName, v.RuleViolated, v.Reasoning, appealHint)
	case action == moderation.ActionDelete:
		return fmt.Sprintf("Your recent message in **%s** was removed for violating Rule **%s**. Reason: _%s_.",
			communityName, v.RuleViolated, v.Reasoning)
	case action.IsTimeout():
		_, text, _ := action.TimeoutDuration()
		return fmt.Sprintf("You have been timed out in **%s** for %s by the AI moderation system.\n**Reason:** %s\n**Rule Violated:** %s\n%s",
			communityName, text, v.Reasoning, v.RuleViolated, appealHint)
	case action == moderation.ActionKick:
		return fmt.Sprintf("You have been kicked from **%s** by the AI moderation system.\n**Reason:** %s\n**Rule Violated:** %s\nYou may rejoin the server, but please review the rules.",
			communityName, v.Reasoning, v.RuleViolated)
	case action == moderation.ActionBan:
		return fmt.Sprintf("You have been banned from **%s** by the AI moderation system.\n**Reason:** %s\n**Rule Violated:** %s\n%s",
			communityName, v.Reasoning, v.RuleViolated, appealHint)
	case action == moderation.ActionGlobalBan:
		return fmt.Sprintf("You have been banned from **%s** and from every other community served by this bot by the AI moderation system.\n**Reason:** %s\n**Rule Violated:** %s",
			communityName, v.Reasoning, v.RuleViolated)
	}
	return ""
}

// violationEmbed renders the moderator-facing report of a verdict.
func violationEmbed(msg platform.Message, v moderation.Verdict, model string) *platform.Embed {
	e := &platform.Embed{
		Title:       "🚨 Rule Violation Detected 🚨",
		Description: "AI analysis detected a violation of server rules.",
		Colour:      moderation.ColourRed,
		Timestamp:   msg.Timestamp,
	}
	e.AddField("User", fmt.Sprintf("%s (`%s`)", platform.UserMention(msg.Author.ID), msg.Author.ID), false)
	e.AddField("Channel", platform.ChannelMention(msg.ChannelID), false)
	e.AddField("Rule Violated", fmt.Sprintf("**Rule %s**", v.RuleViolated), true)
	e.AddField("AI Suggested Action", fmt.Sprintf("`%s`", v.Action), true)
	e.AddField("AI Reasoning", fmt.Sprintf("_%s_", clip(v.Reasoning, maxFieldLen-2)), false)
	if msg.JumpURL != "" {
		e.AddField("Message Link", fmt.Sprintf("[Jump to Message](%s)", msg.JumpURL), false)
	}
	content := "*No text content*"
	if msg.Content != "" {
		content = clip(msg.Content, maxFieldLen)
	}
	e.AddField("Message Content", content, false)
	if model != "" {
		e.Footer = "AI Model: " + model
	}
	return e
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func withFallback(ping, fallback string) string {
	if strings.TrimSpace(ping) == "" {
		return fallback
	}
	return ping
}
