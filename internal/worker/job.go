// Package worker runs task handlers against the shared task queue.
//
// Architecture:
//
//	TaskSource (queue) → Runner → TaskHandler
//
// The Runner loop:
//  1. Claim the next task from the source
//  2. Dispatch it to the handler registered for its kind
//  3. Ack (completed) or Nack (failed, or re-queued under the retry policy)
//  4. When idle, sleep the poll interval with jitter or until woken
//  5. Repeat
//
// A Pool runs several Runners in one process. The Reaper returns tasks left
// processing by crashed workers to pending and reconciles the payment
// ledger.
package worker

import "time"

// TaskResult contains the outcome of running a handler.
type TaskResult struct {
	// Status is the task outcome (success, failure, retry)
	Status ResultStatus

	// Output is handler-specific result data, logged at debug level
	Output map[string]any

	// Error contains error details if status is not success
	Error error

	// Duration is how long the handler ran
	Duration time.Duration
}

// ResultStatus represents the outcome of task processing.
type ResultStatus string

const (
	// ResultSuccess indicates the task completed successfully
	ResultSuccess ResultStatus = "success"

	// ResultFailure indicates the task failed and must not be retried
	ResultFailure ResultStatus = "failure"

	// ResultRetry asks for another attempt if the retry policy allows one
	ResultRetry ResultStatus = "retry"
)
