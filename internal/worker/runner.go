package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/store"
)

// Runner orchestrates task processing from a source through handlers.
type Runner struct {
	source   TaskSource
	handlers []TaskHandler
	config   RunnerConfig
	logger   *zap.Logger
	wake     <-chan struct{}

	activityFn func(level, msg string)

	mu                  sync.Mutex
	consecutiveFailures int
	processed           int64
	lastError           string
	lastTaskAt          time.Time
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// WorkerID identifies this worker instance
	WorkerID string

	// PollInterval and PollJitter set the idle sleep: interval ± jitter
	// (default: 2s ± 1s)
	PollInterval time.Duration
	PollJitter   time.Duration

	// HandlerTimeout bounds one handler execution (default: 2m)
	HandlerTimeout time.Duration

	// ErrorBackoff is the first delay after a claim error; it doubles up to
	// MaxErrorBackoff (default: 1s → 30s)
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration

	// WriteBackAttempts is how often a completion or failure write is tried
	// before giving up and leaving the task to the reaper (default: 3)
	WriteBackAttempts int
	WriteBackDelay    time.Duration

	// UnhealthyAfter consecutive store failures mark the runner unhealthy
	// (default: 5)
	UnhealthyAfter int

	// Wake, when set, ends an idle sleep early (task notifications)
	Wake <-chan struct{}

	// ActivityFn is called for status messages in addition to the logger
	ActivityFn func(level, msg string)

	Logger *zap.Logger
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollJitter < 0 {
		c.PollJitter = 0
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.MaxErrorBackoff <= 0 {
		c.MaxErrorBackoff = 30 * time.Second
	}
	if c.WriteBackAttempts <= 0 {
		c.WriteBackAttempts = 3
	}
	if c.WriteBackDelay <= 0 {
		c.WriteBackDelay = 200 * time.Millisecond
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 5
	}
	return c
}

// RunnerHealth is a point-in-time view of one runner.
type RunnerHealth struct {
	WorkerID            string    `json:"worker_id"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TasksProcessed      int64     `json:"tasks_processed"`
	LastError           string    `json:"last_error,omitempty"`
	LastTaskAt          time.Time `json:"last_task_at,omitempty"`
}

// NewRunner creates a new task runner.
func NewRunner(source TaskSource, handlers []TaskHandler, config RunnerConfig) *Runner {
	config = config.withDefaults()
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		source:     source,
		handlers:   handlers,
		config:     config,
		logger:     logger.With(zap.String("worker_id", config.WorkerID)),
		wake:       config.Wake,
		activityFn: config.ActivityFn,
	}
}

// log writes to the structured logger and, if set, the activity callback.
func (r *Runner) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.activityFn != nil {
		r.activityFn(level, msg)
	}
	switch level {
	case "error":
		r.logger.Error(msg)
	case "warning":
		r.logger.Warn(msg)
	case "debug":
		r.logger.Debug(msg)
	default:
		r.logger.Info(msg)
	}
}

// RegisterHandler adds a handler to the runner.
func (r *Runner) RegisterHandler(handler TaskHandler) {
	r.handlers = append(r.handlers, handler)
}

// WorkerID returns the id this runner claims under.
func (r *Runner) WorkerID() string {
	return r.config.WorkerID
}

// Run starts the task processing loop.
// This method blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.log("info", "Worker %s started on %s (%d handlers)", r.config.WorkerID, r.source.Name(), len(r.handlers))

	// Main processing loop with exponential backoff on errors
	backoff := r.config.ErrorBackoff

	for {
		if ctx.Err() != nil {
			break
		}

		task, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break // Context cancelled
			}
			r.recordFailure(err)
			r.log("warning", "Error claiming task: %v (retry in %s)", err, backoff)
			if !sleepCtx(ctx, backoff) {
				break
			}
			// Exponential backoff up to max
			backoff *= 2
			if backoff > r.config.MaxErrorBackoff {
				backoff = r.config.MaxErrorBackoff
			}
			continue
		}

		// Reset backoff on success
		backoff = r.config.ErrorBackoff
		r.recordSuccess()

		if task == nil {
			if !r.idle(ctx) {
				break
			}
			continue
		}

		r.processTask(ctx, task)
	}

	r.log("info", "Worker %s shutdown complete", r.config.WorkerID)
	return nil
}

// idle waits for the poll delay or a wake-up. It returns false when ctx is
// done.
func (r *Runner) idle(ctx context.Context) bool {
	timer := time.NewTimer(r.pollDelay())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case _, ok := <-r.wake:
		if !ok {
			r.wake = nil
		}
	}
	return true
}

func (r *Runner) pollDelay() time.Duration {
	d := r.config.PollInterval
	if j := r.config.PollJitter; j > 0 {
		d += time.Duration(rand.Int63n(int64(2*j)+1)) - j
	}
	if d < 0 {
		d = 0
	}
	return d
}

// processTask dispatches a task to the appropriate handler.
func (r *Runner) processTask(ctx context.Context, task *store.Task) {
	r.log("info", "Received task %s (kind: %s, attempt %d)", task.ID, task.Kind, task.Attempts)
	start := time.Now()

	// Find handler
	var handler TaskHandler
	for _, h := range r.handlers {
		if h.CanHandle(task.Kind) {
			handler = h
			break
		}
	}

	if handler == nil {
		err := fmt.Errorf("no handler for task kind: %s", task.Kind)
		r.log("error", "Task %s failed: %v", task.ID, err)
		r.writeBack(ctx, task, "fail", func(wctx context.Context) error {
			return r.source.Nack(wctx, task, err, false)
		})
		return
	}

	result, err := r.execute(ctx, handler, task)
	duration := time.Since(start)
	failed := err != nil || (result != nil && result.Status != ResultSuccess)

	// Shutdown interrupted the handler; the task was not at fault.
	if failed && ctx.Err() != nil {
		r.log("warning", "Task %s interrupted by shutdown (%v), releasing", task.ID, duration)
		r.writeBack(ctx, task, "release", func(wctx context.Context) error {
			return r.source.Release(wctx, task)
		})
		return
	}

	if failed {
		actualErr := err
		if actualErr == nil && result != nil {
			actualErr = result.Error
		}
		if actualErr == nil {
			actualErr = errors.New("handler reported failure")
		}
		retry := !IsPermanent(actualErr) && (result == nil || result.Status == ResultRetry)
		r.log("error", "Task %s failed (%v): %v", task.ID, duration, actualErr)
		r.writeBack(ctx, task, "fail", func(wctx context.Context) error {
			return r.source.Nack(wctx, task, actualErr, retry)
		})
		return
	}

	// Success
	r.log("success", "Task %s completed (%v)", task.ID, duration)
	if result != nil && len(result.Output) > 0 {
		r.logger.Debug("task output", zap.String("task_id", task.ID), zap.Any("output", result.Output))
	}
	r.writeBack(ctx, task, "complete", func(wctx context.Context) error {
		return r.source.Ack(wctx, task)
	})
}

// execute runs the handler under the handler timeout and converts a panic
// into a permanent failure.
func (r *Runner) execute(ctx context.Context, h TaskHandler, task *store.Task) (result *TaskResult, err error) {
	taskCtx, cancel := context.WithTimeout(ctx, r.config.HandlerTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", p))
			result = &TaskResult{Status: ResultFailure, Error: err}
		}
	}()

	result, err = h.Execute(taskCtx, task)
	if err == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler timed out after %s", r.config.HandlerTimeout)
		result = &TaskResult{Status: ResultRetry, Error: err}
	}
	return result, err
}

// writeBack persists a task outcome. Store errors are retried; a lost claim
// is not, since the task now belongs to someone else. The write is not
// cancelled by shutdown so a finished task is still recorded.
func (r *Runner) writeBack(ctx context.Context, task *store.Task, op string, fn func(context.Context) error) {
	r.mu.Lock()
	r.processed++
	r.lastTaskAt = time.Now()
	r.mu.Unlock()

	base := context.WithoutCancel(ctx)
	delay := r.config.WriteBackDelay
	var err error
	for attempt := 1; attempt <= r.config.WriteBackAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(base, 10*time.Second)
		err = fn(wctx)
		cancel()
		if err == nil {
			r.recordSuccess()
			return
		}
		if errors.Is(err, store.ErrNotClaimOwner) {
			r.log("warning", "Task %s: %s skipped, claim no longer held (reaped?)", task.ID, op)
			return
		}
		r.recordFailure(err)
		if attempt < r.config.WriteBackAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	r.log("error", "Task %s: %s failed after %d attempts: %v (left for the reaper)", task.ID, op, r.config.WriteBackAttempts, err)
}

func (r *Runner) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	r.lastError = store.TruncateError(err.Error())
}

func (r *Runner) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
}

// Health reports the runner's store health.
func (r *Runner) Health() RunnerHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunnerHealth{
		WorkerID:            r.config.WorkerID,
		Healthy:             r.consecutiveFailures < r.config.UnhealthyAfter,
		ConsecutiveFailures: r.consecutiveFailures,
		TasksProcessed:      r.processed,
		LastError:           r.lastError,
		LastTaskAt:          r.lastTaskAt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
