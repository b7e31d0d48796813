package outbox

import "fmt"

// Status is an outbox row lifecycle state.
type Status string

const (
	// StatusPending marks a row waiting to be claimed by a dispatcher.
	StatusPending Status = "pending"
	// StatusProcessing marks a row claimed by exactly one dispatcher.
	StatusProcessing Status = "processing"
	// StatusPublished marks a successfully published row. Terminal.
	StatusPublished Status = "published"
	// StatusFailed marks a failed publish awaiting its scheduled retry.
	StatusFailed Status = "failed"
	// StatusDeadLetter marks a row that exhausted its retries. Terminal.
	StatusDeadLetter Status = "dead_letter"
)

// ErrInvalidTransition is wrapped by status transition violations.
var ErrInvalidTransition = fmt.Errorf("invalid outbox status transition")

// IsValid reports whether the status is part of the outbox lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusDeadLetter
}

// CanTransitionTo reports whether moving from s to next is allowed.
//
// pending → processing (atomic claim)
// processing → pending (crash recovery) | published | failed | dead_letter
// failed → pending (scheduled retry) | dead_letter (retries exhausted)
//
// A claimed row whose failure exhausts the retry budget, or whose payload
// cannot be decoded, is parked directly without passing through failed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPending || next == StatusPublished ||
			next == StatusFailed || next == StatusDeadLetter
	case StatusFailed:
		return next == StatusPending || next == StatusDeadLetter
	default:
		return false
	}
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when the
// move from one status to the next is not allowed.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
