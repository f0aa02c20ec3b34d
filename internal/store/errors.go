package store

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("store: not found")

	// ErrNotClaimOwner indicates a write-back for a claim that is no longer
	// current (the task was reaped, reclaimed or already finished)
	ErrNotClaimOwner = errors.New("store: claim is no longer held")

	// ErrInvalidTransition indicates an operator action on a task in the
	// wrong state
	ErrInvalidTransition = errors.New("store: invalid task status transition")

	// ErrUnknownDriver indicates an unsupported database driver name
	ErrUnknownDriver = errors.New("store: unknown driver")
)

// MaxErrorLength bounds the diagnostic text stored on a failed task.
const MaxErrorLength = 1024

// TruncateError bounds msg to MaxErrorLength bytes.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLength {
		return msg[:MaxErrorLength]
	}
	return msg
}
