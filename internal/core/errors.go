package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransientNetwork marks failures worth retrying with backoff.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrThrottled marks a request the server refused to take yet. It is
	// also a transient network error.
	ErrThrottled = errors.New("throttled by server")

	// ErrValidationRejected marks writes the server refused; never retried.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrIdempotencyConflict is returned by stores when a token was already
	// applied. Callers treat it as success.
	ErrIdempotencyConflict = errors.New("idempotency token already applied")

	ErrPairingConflict    = errors.New("pairing conflict")
	ErrStorageUnavailable = errors.New("queue storage unavailable")
	ErrEntryNotFound      = errors.New("queue entry not found")
	ErrHouseholdNotFound  = errors.New("household not found")
	ErrRecordNotFound     = errors.New("record not found")
)

// RejectedError carries the server's reason for a non-retriable rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrValidationRejected
}

// PairingConflictError is a join attempt that did not pair the household.
type PairingConflictError struct {
	HouseholdID string
	Outcome     JoinOutcome
}

func (e *PairingConflictError) Error() string {
	return fmt.Sprintf("join household %s: %s", e.HouseholdID, e.Outcome)
}

func (e *PairingConflictError) Is(target error) bool {
	return target == ErrPairingConflict
}

// Message is the user-facing text for the conflict.
func (e *PairingConflictError) Message() string {
	switch e.Outcome {
	case JoinAlreadyPaired:
		return "This household already has two members."
	case JoinSelfJoinRejected:
		return "You created this household; share the invite with your partner instead."
	default:
		return "The household could not be joined."
	}
}

// Transient wraps err so that errors.Is(err, ErrTransientNetwork) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
}

// ThrottledError is a 429 from the server. RetryAfter is zero when the
// server did not say how long to wait.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("throttled by server, retry after %s", e.RetryAfter)
	}
	return "throttled by server"
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled || target == ErrTransientNetwork
}
