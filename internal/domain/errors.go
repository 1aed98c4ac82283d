package domain

import "errors"

// Sentinel errors for the taxonomy of §7. Callers match with
// errors.Is; HTTP handlers translate these to status codes.
var (
	// ErrPoisonRecord marks an event that could not be parsed or was
	// missing its event_data field.
	ErrPoisonRecord = errors.New("fraudtriage: poison record")

	// ErrDuplicateTrigger is returned by the Case Store when a case
	// already exists for the given trigger_transaction_id. Callers
	// treat this as benign success, fetching the existing case.
	ErrDuplicateTrigger = errors.New("fraudtriage: duplicate trigger transaction")

	// ErrCaseNotFound is returned when no case exists for a case_id.
	ErrCaseNotFound = errors.New("fraudtriage: case not found")

	// ErrTransactionNotFound is returned when no stored transaction
	// exists for a transaction_id.
	ErrTransactionNotFound = errors.New("fraudtriage: transaction not found")

	// ErrIllegalTransition is returned when a mutation would move a
	// case's status along an edge not present in the state machine.
	ErrIllegalTransition = errors.New("fraudtriage: illegal status transition")

	// ErrBadPayload marks a malformed request body; writeStoreError maps
	// it to 400. AIUpdate answers an undecodable body (e.g. a non-numeric
	// confidence_score) with 400 directly and clamps an out-of-range
	// confidence_score instead of rejecting it.
	ErrBadPayload = errors.New("fraudtriage: bad payload")

	// ErrStoreUnavailable signals a transient Case Store failure; the
	// caller must not ack the originating record.
	ErrStoreUnavailable = errors.New("fraudtriage: case store unavailable")

	// ErrStreamUnavailable signals a transient Event Source failure.
	ErrStreamUnavailable = errors.New("fraudtriage: stream unavailable")

	// ErrPushFailure marks a Push Bus publish failure; always logged
	// and swallowed, never propagated to the caller.
	ErrPushFailure = errors.New("fraudtriage: push bus failure")
)
