package contextbuilder

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

// Summarize renders a user's infraction history for the prompt, oldest
// first, capped at 500 characters.
func Summarize(history []moderation.InfractionRecord) string {
	if len(history) == 0 {
		return noInfractions
	}
	lines := make([]string, 0, len(history))
	for _, r := range history {
		lines = append(lines, fmt.Sprintf("- Action: %s for Rule %s on %s. Reason: %s...",
			orNA(r.ActionTaken), orNA(r.RuleViolated), r.Timestamp.UTC().Format("2006-01-02"), clip(orNA(r.Reasoning), reasonChars)))
	}
	s := strings.Join(lines, "\n")
	if utf8.RuneCountInString(s) > maxSummaryChars {
		s = clip(s, maxSummaryChars-3) + "..."
	}
	return s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
