// Package rules implements keyword and regex message rules and the analysis
// modes that decide whether, and with which instructions, a message is sent
// to the classifier.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Mode selects how keyword rules interact with classification.
type Mode string

const (
	// ModeAll classifies every message against the community rules.
	ModeAll Mode = "all"
	// ModeRulesOnly classifies only messages matching a keyword rule, using
	// that rule's instructions.
	ModeRulesOnly Mode = "rules_only"
	// ModeOverride classifies every message, but a matching rule's
	// instructions replace the community rules.
	ModeOverride Mode = "override"
)

// ParseMode accepts all, rules_only and override.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAll:
		return ModeAll, nil
	case ModeRulesOnly:
		return ModeRulesOnly, nil
	case ModeOverride:
		return ModeOverride, nil
	}
	return "", fmt.Errorf("invalid analysis mode %q", s)
}

// Rule is one keyword rule as stored in community config.
type Rule struct {
	Name         string   `json:"name,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Regex        []string `json:"regex,omitempty"`
	Instructions string   `json:"instructions"`
}

type compiled struct {
	rule     Rule
	keywords []string
	patterns []*regexp.Regexp
}

// Matcher finds the first rule matching a message.
type Matcher struct {
	rules []compiled
}

// Compile prepares rules for matching. Invalid patterns are logged and
// skipped; the rest of their rule still applies.
func Compile(ctx context.Context, rules []Rule) *Matcher {
	logger := slog.Default().With("component", "rules")
	m := &Matcher{rules: make([]compiled, 0, len(rules))}
	for _, r := range rules {
		c := compiled{rule: r}
		for _, kw := range r.Keywords {
			if k := fold(kw); k != "" {
				c.keywords = append(c.keywords, k)
			}
		}
		for _, p := range r.Regex {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				logger.WarnContext(ctx, "skipping invalid rule pattern", "rule", r.Name, "pattern", p, "error", err)
				continue
			}
			c.patterns = append(c.patterns, re)
		}
		m.rules = append(m.rules, c)
	}
	return m
}

// Match returns the first rule whose keyword or pattern matches content.
func (m *Matcher) Match(content string) (Rule, bool) {
	if m == nil || content == "" {
		return Rule{}, false
	}
	folded := fold(content)
	for _, c := range m.rules {
		for _, kw := range c.keywords {
			if strings.Contains(folded, kw) {
				return c.rule, true
			}
		}
		for _, re := range c.patterns {
			if re.MatchString(content) {
				return c.rule, true
			}
		}
	}
	return Rule{}, false
}

// Selection is what the analysis mode decided for one message.
type Selection struct {
	// Skip means the message must not be classified.
	Skip bool
	// Instructions, when set, replace the community rules in the prompt.
	Instructions string
	Matched      *Rule
}

// Select applies mode to content.
func Select(mode Mode, m *Matcher, content string) Selection {
	rule, ok := m.Match(content)
	switch mode {
	case ModeRulesOnly:
		if !ok {
			return Selection{Skip: true}
		}
		return Selection{Instructions: rule.Instructions, Matched: &rule}
	case ModeOverride:
		if ok {
			return Selection{Instructions: rule.Instructions, Matched: &rule}
		}
	}
	return Selection{}
}

// fold normalises compatibility forms (fullwidth letters, ligatures) and
// case so "ＦＲＥＥ" matches "free".
func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}
