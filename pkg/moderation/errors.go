package moderation

import (
	"errors"
	"fmt"
)

var (
	// ErrClassificationFailure marks a malformed, empty or incomplete classifier response.
	ErrClassificationFailure = errors.New("classification failure")
	// ErrInconsistentVerdict marks violation=true paired with IGNORE.
	ErrInconsistentVerdict = errors.New("inconsistent verdict")
	// ErrAppealConflict is returned when resolving an appeal that is no longer pending.
	ErrAppealConflict = errors.New("appeal already resolved")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
	// ErrNothingAppealable is returned when a user has no BAN/GLOBAL_BAN/TIMEOUT_* record.
	ErrNothingAppealable = errors.New("no recent appealable moderation action found")
	// ErrGloballyBanned redirects globally banned users to the out-of-band appeal path.
	ErrGloballyBanned = errors.New("user is globally banned")
	// ErrUnknownAction is returned for strings outside the ActionKind set.
	ErrUnknownAction = errors.New("unknown action")
)

// ClassificationError carries the raw backend response alongside the reason
// it could not be turned into a Verdict.
type ClassificationError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification failure: %s: %v", e.Reason, e.Err)
	}
	return "classification failure: " + e.Reason
}

func (e *ClassificationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrClassificationFailure, e.Err}
	}
	return []error{ErrClassificationFailure}
}
