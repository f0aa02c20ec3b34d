// Package queue is the task queue shared by every worker process. The store
// is the only coordination point; claims are atomic there.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/store"
)

var (
	// ErrEmptyKind is returned by Submit when no task kind is given.
	ErrEmptyKind = errors.New("queue: task kind is required")
)

// Notifier announces newly submitted tasks so idle workers can wake early.
type Notifier interface {
	PublishTaskSubmitted(ctx context.Context, taskID, kind string) error
}

// Stats summarises the queue by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Total returns the number of tasks ever submitted.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

// Options configures a Queue.
type Options struct {
	Notifier Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// Queue submits, claims and finalizes tasks.
type Queue struct {
	store    store.TaskStore
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Queue over the given store.
func New(ts store.TaskStore, opts Options) *Queue {
	q := &Queue{
		store:    ts,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Submit enqueues a pending task and returns its id. A failed notification
// is logged and does not fail the submission; pollers will find the task.
func (q *Queue) Submit(ctx context.Context, kind string, payload map[string]any) (string, error) {
	if kind == "" {
		return "", ErrEmptyKind
	}
	if payload == nil {
		payload = map[string]any{}
	}
	task := &store.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Status:    store.TaskPending,
		CreatedAt: q.now(),
	}
	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to submit %s task: %w", kind, err)
	}

	if q.notifier != nil {
		if err := q.notifier.PublishTaskSubmitted(ctx, task.ID, kind); err != nil {
			q.logger.Warn("task notification failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	q.logger.Debug("task submitted", zap.String("task_id", task.ID), zap.String("kind", kind))
	return task.ID, nil
}

// ClaimNext claims the oldest available task for workerID. It returns
// (nil, nil) when there is nothing to claim.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*store.Task, error) {
	task, err := q.store.ClaimNextTask(ctx, workerID, uuid.NewString(), q.now())
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Complete marks a claimed task completed.
func (q *Queue) Complete(ctx context.Context, task *store.Task) error {
	return q.store.CompleteTask(ctx, task.ID, task.ClaimToken, q.now())
}

// Fail marks a claimed task failed with the (truncated) error text.
func (q *Queue) Fail(ctx context.Context, task *store.Task, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.store.FailTask(ctx, task.ID, task.ClaimToken, msg, q.now())
}

// Requeue returns a claimed task to pending for another attempt.
func (q *Queue) Requeue(ctx context.Context, task *store.Task, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.store.RequeueTask(ctx, task.ID, task.ClaimToken, msg)
}

// Release hands a claimed task back to pending without using up an attempt.
func (q *Queue) Release(ctx context.Context, task *store.Task) error {
	if err := q.store.ReleaseTask(ctx, task.ID, task.ClaimToken); err != nil {
		return err
	}
	q.logger.Info("task released", zap.String("task_id", task.ID))
	return nil
}

// ReapStuck resets tasks that have been processing for longer than
// olderThan. Their previous claim tokens stop being accepted.
func (q *Queue) ReapStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.ReapStuckTasks(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("reaped stuck tasks", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}

// Retry moves a failed task back to pending.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.store.RetryTask(ctx, id); err != nil {
		return err
	}
	q.logger.Info("task retried by operator", zap.String("task_id", id))
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*store.Task, error) {
	return q.store.GetTask(ctx, id)
}

func (q *Queue) List(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return q.store.ListTasks(ctx, filter)
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountTasks(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:    counts[store.TaskPending],
		Processing: counts[store.TaskProcessing],
		Completed:  counts[store.TaskCompleted],
		Failed:     counts[store.TaskFailed],
	}, nil
}
