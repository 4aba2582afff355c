package session

import (
	"errors"
	"fmt"
)

// Error taxonomy for the conversation subsystem. Repository adapters wrap
// transport failures into one of these sentinels before they reach any
// controller. Nothing here is fatal to the host application.
var (
	// ErrTransientFetch marks a retryable read failure; already-loaded state
	// is kept and a retry affordance is surfaced.
	ErrTransientFetch = errors.New("session: fetch failed")
	// ErrWriteFailed marks a failed delete/mark-read/send; optimistic local
	// state is rolled back where a rollback is well-defined.
	ErrWriteFailed = errors.New("session: write failed")
	// ErrSubscriptionLost marks a dropped change feed; compensated by an
	// immediate full reconciliation, not surfaced to the user.
	ErrSubscriptionLost = errors.New("session: subscription lost")
	// ErrNotFoundOrDeleted marks a conversation that no longer resolves or
	// carries a tombstone.
	ErrNotFoundOrDeleted = errors.New("session: conversation not found or deleted")

	// ErrDeleteInFlight rejects a second delete request for the same id while
	// one is still pending.
	ErrDeleteInFlight = errors.New("session: delete already in flight")
	// ErrNoUser is returned when no signed-in user is available.
	ErrNoUser = errors.New("session: no signed-in user")
)

// TransientFetch wraps cause as a retryable fetch failure.
func TransientFetch(cause error) error {
	return fmt.Errorf("%w: %v", ErrTransientFetch, cause)
}

// WriteFailed wraps cause as a failed remote write.
func WriteFailed(cause error) error {
	return fmt.Errorf("%w: %v", ErrWriteFailed, cause)
}

// NotFoundOrDeleted wraps cause as a missing or tombstoned conversation.
func NotFoundOrDeleted(cause error) error {
	if cause == nil {
		return ErrNotFoundOrDeleted
	}
	return fmt.Errorf("%w: %v", ErrNotFoundOrDeleted, cause)
}
