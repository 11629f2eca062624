package screening

import "errors"

var (
	// ErrInvalidState is returned when an operation is not allowed from the record's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrScorerUnavailable is returned by scorers when the analysis service cannot be reached
	// or returned something unusable. It triggers the retry path, never a default priority.
	ErrScorerUnavailable = errors.New("scorer unavailable")

	// ErrStaleEvent is returned when an analysis result arrives for a record that has moved on.
	ErrStaleEvent = errors.New("stale event")

	// ErrNotFound is returned when the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrLockTimeout is wrapped together with ErrInvalidState when the record lock
	// could not be acquired in time.
	ErrLockTimeout = errors.New("record lock timeout")
)

// ErrInvalidInput is returned when a command carries malformed data.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotAssignee is returned when a doctor acts on a record assigned to someone else.
var ErrNotAssignee = errors.New("record assigned to another doctor")
