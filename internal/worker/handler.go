package worker

import (
	"context"

	"github.com/aceteam-ai/talktime/internal/store"
)

// TaskHandler processes tasks of a specific kind.
// Handlers are registered with the Runner and dispatched based on CanHandle().
type TaskHandler interface {
	// CanHandle returns true if this handler can process the given task kind.
	CanHandle(kind string) bool

	// Execute processes the task. A non-nil error, a panic or a result with
	// ResultFailure marks the task failed.
	Execute(ctx context.Context, task *store.Task) (*TaskResult, error)
}
