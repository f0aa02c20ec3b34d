package worker

import (
	"context"

	"github.com/aceteam-ai/talktime/internal/store"
)

// TaskSource defines where a Runner gets its tasks.
// The primary implementation is QueueSource over the shared task queue.
type TaskSource interface {
	// Name returns the source identifier (e.g., "sqlite", "postgres")
	Name() string

	// Next claims a task. Returns nil task (no error) when nothing is
	// claimable right now. The claim must be Ack'd or Nack'd.
	Next(ctx context.Context) (*store.Task, error)

	// Ack records successful completion.
	Ack(ctx context.Context, task *store.Task) error

	// Nack records failure. When retry is true and the attempt budget
	// allows, the task goes back to pending instead of failed.
	Nack(ctx context.Context, task *store.Task, err error, retry bool) error

	// Release hands an unfinished claim back without counting the attempt.
	Release(ctx context.Context, task *store.Task) error
}

// Claimer is the part of queue.Queue a QueueSource uses.
type Claimer interface {
	ClaimNext(ctx context.Context, workerID string) (*store.Task, error)
	Complete(ctx context.Context, task *store.Task) error
	Fail(ctx context.Context, task *store.Task, cause error) error
	Requeue(ctx context.Context, task *store.Task, cause error) error
	Release(ctx context.Context, task *store.Task) error
}

// QueueSource claims tasks from the shared queue under one worker id.
type QueueSource struct {
	name        string
	queue       Claimer
	workerID    string
	maxAttempts int
}

// NewQueueSource creates a source for workerID. maxAttempts below 1 is
// treated as 1 (no automatic retry).
func NewQueueSource(name string, q Claimer, workerID string, maxAttempts int) *QueueSource {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &QueueSource{name: name, queue: q, workerID: workerID, maxAttempts: maxAttempts}
}

func (s *QueueSource) Name() string { return s.name }

func (s *QueueSource) Next(ctx context.Context) (*store.Task, error) {
	return s.queue.ClaimNext(ctx, s.workerID)
}

func (s *QueueSource) Ack(ctx context.Context, task *store.Task) error {
	return s.queue.Complete(ctx, task)
}

func (s *QueueSource) Nack(ctx context.Context, task *store.Task, err error, retry bool) error {
	if retry && task.Attempts < s.maxAttempts {
		return s.queue.Requeue(ctx, task, err)
	}
	return s.queue.Fail(ctx, task, err)
}

func (s *QueueSource) Release(ctx context.Context, task *store.Task) error {
	return s.queue.Release(ctx, task)
}

var _ TaskSource = (*QueueSource)(nil)
