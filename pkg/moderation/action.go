// Package moderation holds the shared vocabulary of the enforcement engine:
// the closed set of actions a verdict may request, the verdict itself, the
// infraction record, and the error taxonomy every other package reports in.
package moderation

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind is the closed set of enforcement actions a Verdict may request.
type ActionKind string

const (
	ActionIgnore        ActionKind = "IGNORE"
	ActionWarn          ActionKind = "WARN"
	ActionDelete        ActionKind = "DELETE"
	ActionTimeoutShort  ActionKind = "TIMEOUT_SHORT"
	ActionTimeoutMedium ActionKind = "TIMEOUT_MEDIUM"
	ActionTimeoutLong   ActionKind = "TIMEOUT_LONG"
	ActionKick          ActionKind = "KICK"
	ActionBan           ActionKind = "BAN"
	ActionGlobalBan     ActionKind = "GLOBAL_BAN"
	ActionNotifyMods    ActionKind = "NOTIFY_MODS"
	ActionSuicidal      ActionKind = "SUICIDAL"
)

// Permission is the platform right an actor needs to resolve a confirmation
// for a given action.
type Permission string

const (
	PermissionNone            Permission = "none"
	PermissionModerateMembers Permission = "moderate_members"
	PermissionKickMembers     Permission = "kick_members"
	PermissionBanMembers      Permission = "ban_members"
)

// Colour is the log-embed colour used when reporting an action.
type Colour int

const (
	ColourRed        Colour = 0xE74C3C
	ColourDarkRed    Colour = 0x992D22
	ColourOrange     Colour = 0xE67E22
	ColourBlue       Colour = 0x3498DB
	ColourYellow     Colour = 0xFEE75C
	ColourGold       Colour = 0xF1C40F
	ColourDarkPurple Colour = 0x71368A
	ColourLightGrey  Colour = 0x979C9F
)

// actionSpec is one row of the action table. Every ActionKind has exactly one.
type actionSpec struct {
	permission  Permission
	punitive    bool
	appealable  bool
	timeout     time.Duration
	timeoutText string
	colour      Colour
}

var actionTable = map[ActionKind]actionSpec{
	ActionIgnore:        {permission: PermissionNone, colour: ColourLightGrey},
	ActionWarn:          {permission: PermissionModerateMembers, punitive: true, colour: ColourYellow},
	ActionDelete:        {permission: PermissionModerateMembers, punitive: true, colour: ColourYellow},
	ActionTimeoutShort:  {permission: PermissionModerateMembers, punitive: true, appealable: true, timeout: 10 * time.Minute, timeoutText: "10 minutes", colour: ColourBlue},
	ActionTimeoutMedium: {permission: PermissionModerateMembers, punitive: true, appealable: true, timeout: time.Hour, timeoutText: "1 hour", colour: ColourBlue},
	ActionTimeoutLong:   {permission: PermissionModerateMembers, punitive: true, appealable: true, timeout: 24 * time.Hour, timeoutText: "1 day", colour: ColourBlue},
	ActionKick:          {permission: PermissionKickMembers, punitive: true, colour: ColourOrange},
	ActionBan:           {permission: PermissionBanMembers, punitive: true, appealable: true, colour: ColourDarkRed},
	ActionGlobalBan:     {permission: PermissionBanMembers, punitive: true, appealable: true, colour: ColourDarkRed},
	ActionNotifyMods:    {permission: PermissionModerateMembers, colour: ColourGold},
	ActionSuicidal:      {permission: PermissionNone, colour: ColourDarkPurple},
}

// AllActionKinds returns every ActionKind in severity order.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionIgnore, ActionWarn, ActionDelete,
		ActionTimeoutShort, ActionTimeoutMedium, ActionTimeoutLong,
		ActionKick, ActionBan, ActionGlobalBan,
		ActionNotifyMods, ActionSuicidal,
	}
}

// ParseActionKind converts a classifier or config string into an ActionKind.
// Input is case-insensitive and surrounding whitespace is ignored.
func ParseActionKind(s string) (ActionKind, error) {
	a := ActionKind(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := actionTable[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Valid reports whether a is a member of the closed set.
func (a ActionKind) Valid() bool {
	_, ok := actionTable[a]
	return ok
}

func (a ActionKind) String() string { return string(a) }

// RequiredPermission is the right a moderator needs to confirm a.
func (a ActionKind) RequiredPermission() Permission {
	return actionTable[a].permission
}

// Punitive reports whether executing a appends an InfractionRecord.
func (a ActionKind) Punitive() bool {
	return actionTable[a].punitive
}

// Appealable reports whether an infraction recorded for a may be appealed.
func (a ActionKind) Appealable() bool {
	return actionTable[a].appealable
}

// IsTimeout reports whether a is one of the TIMEOUT_* variants.
func (a ActionKind) IsTimeout() bool {
	return actionTable[a].timeout > 0
}

// TimeoutDuration resolves a timeout variant to its fixed duration.
func (a ActionKind) TimeoutDuration() (time.Duration, string, bool) {
	spec := actionTable[a]
	return spec.timeout, spec.timeoutText, spec.timeout > 0
}

// Colour is the log colour for a.
func (a ActionKind) Colour() Colour {
	return actionTable[a].colour
}

// Title renders a for humans, e.g. TIMEOUT_SHORT -> "Timeout Short".
func (a ActionKind) Title() string {
	parts := strings.Split(strings.ToLower(string(a)), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// RoleTier is the author's effective standing in a community.
type RoleTier int

const (
	TierMember RoleTier = iota
	TierModerator
	TierAdmin
	TierOwner
)

func (t RoleTier) String() string {
	switch t {
	case TierOwner:
		return "Server Owner"
	case TierAdmin:
		return "Admin"
	case TierModerator:
		return "Moderator"
	default:
		return "Member"
	}
}
