package escalation

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
)

// Status is the lifecycle state of a pending confirmation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusDenied    Status = "DENIED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool { return s != StatusPending }

// Decision is a moderator's answer to a confirmation request.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionDeny    Decision = "deny"
)

// ParseDecision accepts confirm/approve and deny/reject.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "confirm", "approve":
		return DecisionConfirm, nil
	case "deny", "reject":
		return DecisionDeny, nil
	}
	return "", errors.New("decision must be confirm or deny")
}

var (
	ErrNotFound          = errors.New("pending confirmation not found")
	ErrAlreadyResolved   = errors.New("confirmation already resolved")
	ErrForbiddenResolver = errors.New("resolver lacks the required permission")
	ErrExpired           = errors.New("confirmation expired")
)

// Pending is a manual-mode verdict waiting for a moderator.
type Pending struct {
	ID                 string                `json:"id"`
	CommunityID        string                `json:"community_id"`
	Verdict            moderation.Verdict    `json:"verdict"`
	Message            platform.Message      `json:"message"`
	RequiredPermission moderation.Permission `json:"required_permission"`
	TestMode           bool                  `json:"test_mode"`
	CreatedAt          time.Time             `json:"created_at"`
	ExpiresAt          time.Time             `json:"expires_at"`
	Status             Status                `json:"status"`
	ResolvedBy         string                `json:"resolved_by,omitempty"`
	ResolvedAt         time.Time             `json:"resolved_at,omitempty"`
}

// Resolver is the moderator answering a confirmation.
type Resolver struct {
	ID            string                  `json:"id"`
	Administrator bool                    `json:"administrator"`
	Permissions   []moderation.Permission `json:"permissions"`
}

// Has reports whether the resolver holds p.
func (r Resolver) Has(p moderation.Permission) bool {
	if p == moderation.PermissionNone || r.Administrator {
		return true
	}
	for _, held := range r.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// Receipt is the immutable record of how a confirmation ended.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	PendingID   string    `json:"pending_id"`
	Outcome     Status    `json:"outcome"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}
