package worker

import (
	"context"
	"errors"
	"time"

	"github.com/aceteam-ai/talktime/internal/store"
)

// HandlerFunc is the plain function form of a task handler.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// KindHandler adapts a HandlerFunc to TaskHandler for a single task kind.
type KindHandler struct {
	kind string
	fn   HandlerFunc
}

// NewKindHandler creates a TaskHandler that runs fn for tasks of kind.
func NewKindHandler(kind string, fn HandlerFunc) *KindHandler {
	return &KindHandler{kind: kind, fn: fn}
}

// CanHandle returns true if this adapter handles the given kind.
func (h *KindHandler) CanHandle(kind string) bool {
	return h.kind == kind
}

// Kind returns the task kind this adapter serves.
func (h *KindHandler) Kind() string {
	return h.kind
}

// Execute runs the wrapped function on the task payload.
func (h *KindHandler) Execute(ctx context.Context, task *store.Task) (*TaskResult, error) {
	start := time.Now()
	output, err := h.fn(ctx, task.Payload)
	duration := time.Since(start)

	if err != nil {
		status := ResultRetry
		if IsPermanent(err) {
			status = ResultFailure
		}
		return &TaskResult{
			Status:   status,
			Error:    err,
			Duration: duration,
			Output:   output,
		}, err
	}

	return &TaskResult{
		Status:   ResultSuccess,
		Duration: duration,
		Output:   output,
	}, nil
}

// Ensure KindHandler implements TaskHandler
var _ TaskHandler = (*KindHandler)(nil)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one another attempt cannot fix (bad payload,
// unknown user). The task fails even when the retry policy allows more
// attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
