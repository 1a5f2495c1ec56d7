// Package apperr defines the application-level error taxonomy.
// Engine packages wrap underlying infrastructure errors with these
// standard errors; callers classify with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation marks malformed session or sub-market parameters,
	// rejected before anything is persisted.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState marks an operation that is not valid for the
	// current lifecycle state (e.g. starting an already-ACTIVE session).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrConflict marks a concurrent or duplicate settlement/cancellation
	// attempt. Exactly one transition succeeds per order; every other
	// attempt observes this error.
	ErrConflict = errors.New("conflicting transition")

	// ErrNotFound marks a missing session, sub-market, or position.
	ErrNotFound = errors.New("resource not found")

	// ErrStalePrice marks oracle data too old to trust for settlement.
	ErrStalePrice = errors.New("stale price")

	// ErrUnavailable marks an unreachable oracle or balance collaborator.
	// Settlement attempts hitting it are retried with backoff.
	ErrUnavailable = errors.New("collaborator unavailable")

	// ErrUnauthorized marks a non-operator attempting an operator command.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientFunds marks a stake debit exceeding the account balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
