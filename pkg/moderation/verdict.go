package moderation

import (
	"fmt"
	"time"
)

// Verdict is the classifier's structured output for one message.
type Verdict struct {
	Violation    bool       `json:"violation"`
	RuleViolated string     `json:"rule_violated"`
	Action       ActionKind `json:"action"`
	Reasoning    string     `json:"reasoning"`

	// NotifyModsMessage is optional extra text for NOTIFY_MODS verdicts.
	NotifyModsMessage string `json:"notify_mods_message,omitempty"`
}

// Actionable reports whether the verdict asks for anything at all.
// Without a flagged violation the action is never consulted.
func (v *Verdict) Actionable() bool {
	return v != nil && v.Violation
}

// Inconsistent reports a flagged violation paired with IGNORE.
func (v *Verdict) Inconsistent() bool {
	return v != nil && v.Violation && v.Action == ActionIgnore
}

// Normalize returns the verdict the dispatcher should act on. An inconsistent
// verdict is downgraded to NOTIFY_MODS and reported with ErrInconsistentVerdict.
func (v Verdict) Normalize() (Verdict, error) {
	if v.Inconsistent() {
		v.Action = ActionNotifyMods
		return v, fmt.Errorf("%w: rule %q flagged with IGNORE", ErrInconsistentVerdict, v.RuleViolated)
	}
	return v, nil
}

// InfractionRecord is one enforcement outcome in a user's history.
type InfractionRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	RuleViolated string    `json:"rule_violated"`
	ActionTaken  string    `json:"action_taken"`
	Reasoning    string    `json:"reasoning"`
}

// Equal compares records field by field, timestamps by instant.
func (r InfractionRecord) Equal(o InfractionRecord) bool {
	return r.Timestamp.Equal(o.Timestamp) &&
		r.RuleViolated == o.RuleViolated &&
		r.ActionTaken == o.ActionTaken &&
		r.Reasoning == o.Reasoning
}

// Action parses ActionTaken back into a kind. Test-mode records ("TEST_BAN")
// and unknown labels report false.
func (r InfractionRecord) Action() (ActionKind, bool) {
	a, err := ParseActionKind(r.ActionTaken)
	if err != nil {
		return "", false
	}
	return a, true
}

// ConfirmationMode is the per-community, per-action execution policy.
type ConfirmationMode string

const (
	ModeAutomatic ConfirmationMode = "automatic"
	ModeManual    ConfirmationMode = "manual"
)

// ParseConfirmationMode accepts "automatic" or "manual".
func ParseConfirmationMode(s string) (ConfirmationMode, error) {
	switch ConfirmationMode(s) {
	case ModeAutomatic, ModeManual:
		return ConfirmationMode(s), nil
	}
	return "", fmt.Errorf("invalid confirmation mode %q", s)
}
