package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/talktime/internal/store"
)

// MockTaskSource is a test implementation of TaskSource.
type MockTaskSource struct {
	name      string
	tasks     []*store.Task
	taskIndex int
	nextErrs  []error
	ackErr    error
	ackCalls  int
	acked     []*store.Task
	nacked    []*store.Task
	retried   []bool
	nackErrs  []error
	released  []*store.Task
	mu        sync.Mutex
}

func NewMockTaskSource(name string, tasks []*store.Task) *MockTaskSource {
	return &MockTaskSource{name: name, tasks: tasks}
}

func (m *MockTaskSource) Name() string {
	return m.name
}

func (m *MockTaskSource) Next(ctx context.Context) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(m.nextErrs) > 0 {
		err := m.nextErrs[0]
		m.nextErrs = m.nextErrs[1:]
		return nil, err
	}
	if m.taskIndex >= len(m.tasks) {
		return nil, nil
	}
	task := m.tasks[m.taskIndex]
	m.taskIndex++
	return task, nil
}

func (m *MockTaskSource) Ack(ctx context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackCalls++
	if m.ackErr != nil {
		return m.ackErr
	}
	m.acked = append(m.acked, task)
	return nil
}

func (m *MockTaskSource) Nack(ctx context.Context, task *store.Task, err error, retry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, task)
	m.retried = append(m.retried, retry)
	m.nackErrs = append(m.nackErrs, err)
	return nil
}

func (m *MockTaskSource) Release(ctx context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, task)
	return nil
}

func (m *MockTaskSource) ReleasedTasks() []*store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *MockTaskSource) AckedTasks() []*store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

func (m *MockTaskSource) NackedTasks() []*store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nacked
}

// MockTaskHandler is a test implementation of TaskHandler.
type MockTaskHandler struct {
	kind     string
	err      error
	panicMsg string
	block    bool
	executed []*store.Task
	mu       sync.Mutex
}

func NewMockTaskHandler(kind string, err error) *MockTaskHandler {
	return &MockTaskHandler{kind: kind, err: err}
}

func (m *MockTaskHandler) CanHandle(kind string) bool {
	return m.kind == kind
}

func (m *MockTaskHandler) Execute(ctx context.Context, task *store.Task) (*TaskResult, error) {
	m.mu.Lock()
	m.executed = append(m.executed, task)
	m.mu.Unlock()

	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return &TaskResult{Status: ResultFailure, Error: m.err}, m.err
	}
	return &TaskResult{Status: ResultSuccess, Output: map[string]any{"executed": true}}, nil
}

func (m *MockTaskHandler) ExecutedTasks() []*store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executed
}

func testConfig() RunnerConfig {
	return RunnerConfig{
		WorkerID:        "test-worker",
		PollInterval:    5 * time.Millisecond,
		ErrorBackoff:    time.Millisecond,
		MaxErrorBackoff: 4 * time.Millisecond,
		WriteBackDelay:  time.Millisecond,
	}
}

func runFor(t *testing.T, r *Runner, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestNewRunnerDefaults(t *testing.T) {
	source := NewMockTaskSource("test", nil)
	handlers := []TaskHandler{NewMockTaskHandler("echo", nil)}

	runner := NewRunner(source, handlers, RunnerConfig{WorkerID: "w"})

	if runner.source != source {
		t.Error("Runner source not set correctly")
	}
	if len(runner.handlers) != 1 {
		t.Errorf("Runner handlers count = %d, want 1", len(runner.handlers))
	}
	if runner.config.PollInterval != 2*time.Second || runner.config.PollJitter != 0 {
		t.Errorf("poll = %v ± %v", runner.config.PollInterval, runner.config.PollJitter)
	}
	if runner.config.WriteBackAttempts != 3 {
		t.Errorf("WriteBackAttempts = %d, want 3", runner.config.WriteBackAttempts)
	}
	if runner.config.MaxErrorBackoff != 30*time.Second {
		t.Errorf("MaxErrorBackoff = %v, want 30s", runner.config.MaxErrorBackoff)
	}
}

func TestPollDelayWithinJitter(t *testing.T) {
	runner := NewRunner(NewMockTaskSource("test", nil), nil, RunnerConfig{
		PollInterval: 2 * time.Second,
		PollJitter:   time.Second,
	})
	for i := 0; i < 200; i++ {
		d := runner.pollDelay()
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("pollDelay = %v, want within [1s, 3s]", d)
		}
	}
}

func TestRunnerProcessesTasks(t *testing.T) {
	tasks := []*store.Task{
		{ID: "task-1", Kind: "echo", Payload: map[string]any{}},
		{ID: "task-2", Kind: "echo", Payload: map[string]any{}},
	}

	source := NewMockTaskSource("test", tasks)
	handler := NewMockTaskHandler("echo", nil)
	runner := NewRunner(source, []TaskHandler{handler}, testConfig())

	runFor(t, runner, 100*time.Millisecond)

	if n := len(handler.ExecutedTasks()); n != 2 {
		t.Errorf("Executed tasks = %d, want 2", n)
	}
	if n := len(source.AckedTasks()); n != 2 {
		t.Errorf("Acked tasks = %d, want 2", n)
	}
	if h := runner.Health(); !h.Healthy || h.TasksProcessed != 2 {
		t.Errorf("Health = %+v", h)
	}
}

func TestRunnerNacksFailedTasks(t *testing.T) {
	tasks := []*store.Task{{ID: "task-1", Kind: "fail"}}

	source := NewMockTaskSource("test", tasks)
	handler := NewMockTaskHandler("fail", errors.New("mock handler failure"))
	runner := NewRunner(source, []TaskHandler{handler}, testConfig())

	runFor(t, runner, 100*time.Millisecond)

	if n := len(source.NackedTasks()); n != 1 {
		t.Fatalf("Nacked tasks = %d, want 1", n)
	}
	if n := len(source.AckedTasks()); n != 0 {
		t.Errorf("Acked tasks = %d, want 0", n)
	}
	if source.retried[0] {
		t.Error("ResultFailure should not ask for a retry")
	}
	if source.nackErrs[0].Error() != "mock handler failure" {
		t.Errorf("nack error = %v", source.nackErrs[0])
	}
}

func TestRunnerNoHandler(t *testing.T) {
	tasks := []*store.Task{{ID: "task-1", Kind: "unknown"}}

	source := NewMockTaskSource("test", tasks)
	handler := NewMockTaskHandler("other", nil)
	runner := NewRunner(source, []TaskHandler{handler}, testConfig())

	runFor(t, runner, 100*time.Millisecond)

	if n := len(source.NackedTasks()); n != 1 {
		t.Fatalf("Nacked tasks = %d, want 1", n)
	}
	if !strings.Contains(source.nackErrs[0].Error(), "no handler for task kind: unknown") {
		t.Errorf("nack error = %v", source.nackErrs[0])
	}
	if len(handler.ExecutedTasks()) != 0 {
		t.Error("handler should not have executed anything")
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	tasks := []*store.Task{
		{ID: "task-1", Kind: "boom"},
		{ID: "task-2", Kind: "echo"},
	}

	source := NewMockTaskSource("test", tasks)
	panicky := &MockTaskHandler{kind: "boom", panicMsg: "nil map write"}
	echo := NewMockTaskHandler("echo", nil)
	runner := NewRunner(source, []TaskHandler{panicky, echo}, testConfig())

	runFor(t, runner, 100*time.Millisecond)

	if n := len(source.NackedTasks()); n != 1 {
		t.Fatalf("Nacked tasks = %d, want 1", n)
	}
	if !strings.Contains(source.nackErrs[0].Error(), "handler panic: nil map write") {
		t.Errorf("nack error = %v", source.nackErrs[0])
	}
	if source.retried[0] {
		t.Error("a panic should not be retried")
	}
	if n := len(source.AckedTasks()); n != 1 {
		t.Errorf("loop should continue after a panic; acked = %d", n)
	}
}

func TestRunnerHandlerTimeout(t *testing.T) {
	tasks := []*store.Task{{ID: "task-1", Kind: "slow"}}

	source := NewMockTaskSource("test", tasks)
	slow := &MockTaskHandler{kind: "slow", block: true}
	cfg := testConfig()
	cfg.HandlerTimeout = 10 * time.Millisecond
	runner := NewRunner(source, []TaskHandler{slow}, cfg)

	runFor(t, runner, 200*time.Millisecond)

	if n := len(source.NackedTasks()); n != 1 {
		t.Fatalf("Nacked tasks = %d, want 1", n)
	}
	if !errors.Is(source.nackErrs[0], context.DeadlineExceeded) {
		t.Errorf("nack error = %v, want deadline exceeded", source.nackErrs[0])
	}
}

// Cancelling the runner while a handler is blocked hands the task back
// instead of failing it with context.Canceled.
func TestRunnerReleasesTaskOnShutdown(t *testing.T) {
	tasks := []*store.Task{{ID: "task-1", Kind: "slow"}}

	source := NewMockTaskSource("test", tasks)
	slow := &MockTaskHandler{kind: "slow", block: true}
	runner := NewRunner(source, []TaskHandler{slow}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return len(slow.ExecutedTasks()) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(source.ReleasedTasks()); n != 1 {
		t.Fatalf("Released tasks = %d, want 1", n)
	}
	if n := len(source.NackedTasks()); n != 0 {
		t.Errorf("Nacked tasks = %d, want 0", n)
	}
}

func TestRunnerRetryableHandlerError(t *testing.T) {
	tasks := []*store.Task{
		{ID: "task-1", Kind: "flaky"},
		{ID: "task-2", Kind: "bad"},
	}

	source := NewMockTaskSource("test", tasks)
	flaky := NewKindHandler("flaky", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return nil, errors.New("upstream 503")
	})
	bad := NewKindHandler("bad", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return nil, Permanent(errors.New("missing email"))
	})
	runner := NewRunner(source, []TaskHandler{flaky, bad}, testConfig())

	runFor(t, runner, 100*time.Millisecond)

	if len(source.retried) != 2 {
		t.Fatalf("nacks = %d, want 2", len(source.retried))
	}
	if !source.retried[0] {
		t.Error("plain handler error should be retry-eligible")
	}
	if source.retried[1] {
		t.Error("permanent handler error should not be retried")
	}
}

func TestRunnerBacksOffOnClaimErrors(t *testing.T) {
	source := NewMockTaskSource("test", []*store.Task{{ID: "task-1", Kind: "echo"}})
	source.nextErrs = []error{errors.New("db locked"), errors.New("db locked"), errors.New("db locked")}
	handler := NewMockTaskHandler("echo", nil)

	cfg := testConfig()
	cfg.UnhealthyAfter = 2
	runner := NewRunner(source, []TaskHandler{handler}, cfg)

	runFor(t, runner, 200*time.Millisecond)

	if n := len(source.AckedTasks()); n != 1 {
		t.Errorf("task should be processed after errors clear; acked = %d", n)
	}
	if h := runner.Health(); !h.Healthy || h.ConsecutiveFailures != 0 {
		t.Errorf("Health after recovery = %+v", h)
	}
	if h := runner.Health(); h.LastError != "db locked" {
		t.Errorf("LastError = %q", h.LastError)
	}
}

func TestRunnerUnhealthyAfterConsecutiveFailures(t *testing.T) {
	source := NewMockTaskSource("test", nil)
	for i := 0; i < 100; i++ {
		source.nextErrs = append(source.nextErrs, errors.New("connection refused"))
	}

	cfg := testConfig()
	cfg.UnhealthyAfter = 3
	runner := NewRunner(source, nil, cfg)

	runFor(t, runner, 100*time.Millisecond)

	h := runner.Health()
	if h.Healthy {
		t.Errorf("runner should be unhealthy after %d failures: %+v", h.ConsecutiveFailures, h)
	}
}

func TestRunnerRetriesWriteBack(t *testing.T) {
	source := NewMockTaskSource("test", []*store.Task{{ID: "task-1", Kind: "echo"}})
	source.ackErr = errors.New("disk I/O error")
	runner := NewRunner(source, []TaskHandler{NewMockTaskHandler("echo", nil)}, testConfig())

	runFor(t, runner, 100*time.Millisecond)

	source.mu.Lock()
	calls := source.ackCalls
	source.mu.Unlock()
	if calls != 3 {
		t.Errorf("Ack attempts = %d, want 3", calls)
	}
}

func TestRunnerDoesNotRetryLostClaim(t *testing.T) {
	source := NewMockTaskSource("test", []*store.Task{{ID: "task-1", Kind: "echo"}})
	source.ackErr = store.ErrNotClaimOwner
	runner := NewRunner(source, []TaskHandler{NewMockTaskHandler("echo", nil)}, testConfig())

	runFor(t, runner, 100*time.Millisecond)

	source.mu.Lock()
	calls := source.ackCalls
	source.mu.Unlock()
	if calls != 1 {
		t.Errorf("Ack attempts = %d, want 1", calls)
	}
	if !runner.Health().Healthy {
		t.Error("a lost claim is not a store failure")
	}
}

func TestRunnerWakesEarly(t *testing.T) {
	source := NewMockTaskSource("test", nil)
	handler := NewMockTaskHandler("echo", nil)
	wake := make(chan struct{}, 1)

	cfg := testConfig()
	cfg.PollInterval = time.Hour
	cfg.Wake = wake
	runner := NewRunner(source, []TaskHandler{handler}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	// Runner is now asleep for an hour; add a task and wake it.
	time.Sleep(20 * time.Millisecond)
	source.mu.Lock()
	source.tasks = append(source.tasks, &store.Task{ID: "task-1", Kind: "echo"})
	source.mu.Unlock()
	wake <- struct{}{}

	deadline := time.After(2 * time.Second)
	for len(source.AckedTasks()) == 0 {
		select {
		case <-deadline:
			t.Fatal("runner did not wake for the new task")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

// TestRunnerActivityCallback tests that the activity callback is invoked during task processing
func TestRunnerActivityCallback(t *testing.T) {
	source := NewMockTaskSource("test", []*store.Task{{ID: "task-1", Kind: "echo"}})

	var (
		mu     sync.Mutex
		levels []string
	)
	cfg := testConfig()
	cfg.ActivityFn = func(level, msg string) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, level)
	}
	runner := NewRunner(source, []TaskHandler{NewMockTaskHandler("echo", nil)}, cfg)

	runFor(t, runner, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var sawSuccess bool
	for _, l := range levels {
		if l == "success" {
			sawSuccess = true
		}
	}
	if !sawSuccess {
		t.Errorf("expected a success activity message, got levels %v", levels)
	}
}

func TestRunnerRegisterHandler(t *testing.T) {
	runner := NewRunner(NewMockTaskSource("test", nil), nil, RunnerConfig{})

	if len(runner.handlers) != 0 {
		t.Errorf("Initial handlers = %d, want 0", len(runner.handlers))
	}
	runner.RegisterHandler(NewMockTaskHandler("echo", nil))
	if len(runner.handlers) != 1 {
		t.Errorf("After register handlers = %d, want 1", len(runner.handlers))
	}
}
