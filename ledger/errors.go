/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Validation errors - Bad user input, rejected before any store call
  2. Classification errors - Events that match neither participant
  3. Store errors - Backend or network failures

USAGE:
  if ledger.IsValidation(err) {
      // ask the user to correct the input
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-numeric, non-finite or non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be a positive number")

	// ErrUnknownParticipant is returned when a name is not one of the pair.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrMissingTimestamp is returned when an insert carries no creation time.
	ErrMissingTimestamp = errors.New("missing timestamp")

	// ErrUnclassifiable marks an event whose participant or kind cannot be
	// resolved. It indicates upstream data corruption.
	ErrUnclassifiable = errors.New("unclassifiable event")

	// ErrInvalidParticipants is returned when the participant names or the
	// reimbursement marker would make tag classification ambiguous.
	ErrInvalidParticipants = errors.New("invalid participant configuration")

	// ErrEventNotFound is returned when updating or deleting a missing id.
	ErrEventNotFound = errors.New("event not found")

	// ErrStoreUnavailable is returned when the store cannot be reached.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field string
	Input string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Input, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnclassifiableError identifies the offending event or tag.
type UnclassifiableError struct {
	EventID EventID
	Tag     string
}

func (e *UnclassifiableError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("unclassifiable participant tag %q", e.Tag)
	}
	return fmt.Sprintf("unclassifiable event %s (tag %q)", e.EventID, e.Tag)
}

func (e *UnclassifiableError) Unwrap() error { return ErrUnclassifiable }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownParticipant)
}

// IsStoreFailure returns true if the store could not serve the call.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsNotFound returns true if the error indicates a missing event.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound)
}
