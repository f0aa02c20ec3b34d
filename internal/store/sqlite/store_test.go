package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aceteam-ai/talktime/internal/store"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "talktime_test.db")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTask(t *testing.T, s *Store, kind string, createdAt time.Time) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   map[string]any{"n": 1},
		CreatedAt: createdAt,
	}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return task
}

func TestOpenCreatesFile(t *testing.T) {
	path := tempDBPath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file should exist after Open")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := tempDBPath(t)
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s2.Close()
}

func TestClaimNextTaskEmptyQueue(t *testing.T) {
	s := openTestStore(t)

	task, err := s.ClaimNextTask(context.Background(), "w1", uuid.NewString(), time.Now())
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task on empty queue, got %+v", task)
	}
}

func TestClaimNextTaskOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	second := insertTask(t, s, "echo", base.Add(time.Minute))
	first := insertTask(t, s, "echo", base)

	now := time.Now()
	got, err := s.ClaimNextTask(ctx, "w1", "tok-1", now)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("claimed %v, want oldest task %s", got, first.ID)
	}
	if got.Status != store.TaskProcessing {
		t.Errorf("Status = %q, want processing", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(now.UTC()) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, now.UTC())
	}
	if got.WorkerID != "w1" || got.ClaimToken != "tok-1" {
		t.Errorf("claim = (%q, %q), want (w1, tok-1)", got.WorkerID, got.ClaimToken)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.Payload["n"] != float64(1) {
		t.Errorf("Payload = %v", got.Payload)
	}

	next, err := s.ClaimNextTask(ctx, "w2", "tok-2", now)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("second claim = %v, want %s", next, second.ID)
	}

	none, err := s.ClaimNextTask(ctx, "w3", "tok-3", now)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nothing left, got %s", none.ID)
	}
}

func TestClaimNextTaskSameCreatedAtUsesInsertOrder(t *testing.T) {
	s := openTestStore(t)
	ts := time.Now().Add(-time.Minute)

	a := insertTask(t, s, "echo", ts)
	insertTask(t, s, "echo", ts)

	got, err := s.ClaimNextTask(context.Background(), "w1", "tok", time.Now())
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("claimed %s, want first inserted %s", got.ID, a.ID)
	}
}

// Many claimants across two handles on the same file: every task is claimed
// exactly once and nothing is lost.
func TestConcurrentClaimsAtMostOnce(t *testing.T) {
	path := tempDBPath(t)
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s1.Close()
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()

	const numTasks = 60
	base := time.Now().Add(-time.Hour)
	for i := 0; i < numTasks; i++ {
		insertTask(t, s1, "echo", base.Add(time.Duration(i)*time.Millisecond))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		dupes   []string
		wg      sync.WaitGroup
	)
	stores := []*Store{s1, s2}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s := stores[w%2]
			workerID := fmt.Sprintf("w%d", w)
			for {
				task, err := s.ClaimNextTask(context.Background(), workerID, uuid.NewString(), time.Now())
				if err != nil {
					t.Errorf("worker %s: ClaimNextTask: %v", workerID, err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[task.ID]; ok {
					dupes = append(dupes, fmt.Sprintf("%s by %s and %s", task.ID, prev, workerID))
				}
				claimed[task.ID] = workerID
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(dupes) > 0 {
		t.Fatalf("tasks claimed more than once: %v", dupes)
	}
	if len(claimed) != numTasks {
		t.Fatalf("claimed %d tasks, want %d", len(claimed), numTasks)
	}

	counts, err := s1.CountTasks(context.Background())
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if counts[store.TaskProcessing] != numTasks || counts[store.TaskPending] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCompleteAndFailRequireClaimToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "echo", time.Now().Add(-time.Second))
	insertTask(t, s, "echo", time.Now())

	a, _ := s.ClaimNextTask(ctx, "w1", "tok-a", time.Now())
	b, _ := s.ClaimNextTask(ctx, "w1", "tok-b", time.Now())

	if err := s.CompleteTask(ctx, a.ID, "wrong", time.Now()); !errors.Is(err, store.ErrNotClaimOwner) {
		t.Fatalf("CompleteTask with wrong token: err = %v, want ErrNotClaimOwner", err)
	}
	if err := s.CompleteTask(ctx, a.ID, "tok-a", time.Now()); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := s.CompleteTask(ctx, a.ID, "tok-a", time.Now()); !errors.Is(err, store.ErrNotClaimOwner) {
		t.Fatalf("second CompleteTask: err = %v, want ErrNotClaimOwner", err)
	}

	long := strings.Repeat("x", 5000)
	if err := s.FailTask(ctx, b.ID, "tok-b", long, time.Now()); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	got, err := s.GetTask(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskCompleted || got.CompletedAt == nil {
		t.Errorf("task a = %+v, want completed with completed_at", got)
	}

	got, err = s.GetTask(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskFailed {
		t.Errorf("task b status = %q, want failed", got.Status)
	}
	if len(got.Error) != store.MaxErrorLength {
		t.Errorf("error length = %d, want %d", len(got.Error), store.MaxErrorLength)
	}
}

func TestReapStuckTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stuck := insertTask(t, s, "echo", now.Add(-time.Hour))
	fresh := insertTask(t, s, "echo", now.Add(-time.Minute))

	if _, err := s.ClaimNextTask(ctx, "crashed", "tok-old", now.Add(-20*time.Minute)); err != nil {
		t.Fatalf("claim stuck: %v", err)
	}
	if _, err := s.ClaimNextTask(ctx, "alive", "tok-new", now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	n, err := s.ReapStuckTasks(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ReapStuckTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}

	got, _ := s.GetTask(ctx, stuck.ID)
	if got.Status != store.TaskPending || got.StartedAt != nil || got.ClaimToken != "" {
		t.Errorf("stuck task after reap = %+v", got)
	}
	got, _ = s.GetTask(ctx, fresh.ID)
	if got.Status != store.TaskProcessing {
		t.Errorf("fresh task status = %q, want processing", got.Status)
	}

	// The crashed worker's late write-back is rejected.
	if err := s.CompleteTask(ctx, stuck.ID, "tok-old", now); !errors.Is(err, store.ErrNotClaimOwner) {
		t.Errorf("late CompleteTask: err = %v, want ErrNotClaimOwner", err)
	}

	// And the task is claimable again, counting a second attempt.
	again, err := s.ClaimNextTask(ctx, "w2", "tok-again", now)
	if err != nil || again == nil || again.ID != stuck.ID {
		t.Fatalf("reclaim = %v, %v", again, err)
	}
	if again.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", again.Attempts)
	}
}

func TestRequeueTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "echo", time.Now())

	claimed, _ := s.ClaimNextTask(ctx, "w1", "tok", time.Now())
	if err := s.RequeueTask(ctx, claimed.ID, "tok", "transient"); err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending || got.Error != "transient" {
		t.Errorf("after requeue = %+v", got)
	}
}

func TestReleaseTaskRefundsAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "echo", time.Now())

	claimed, _ := s.ClaimNextTask(ctx, "w1", "tok", time.Now())
	if claimed.Attempts != 1 {
		t.Fatalf("Attempts after claim = %d, want 1", claimed.Attempts)
	}
	if err := s.ReleaseTask(ctx, claimed.ID, "wrong"); !errors.Is(err, store.ErrNotClaimOwner) {
		t.Errorf("ReleaseTask with stale token: err = %v, want ErrNotClaimOwner", err)
	}
	if err := s.ReleaseTask(ctx, claimed.ID, "tok"); err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending || got.Attempts != 0 || got.WorkerID != "" {
		t.Errorf("after release = %+v", got)
	}
}

func TestRetryTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "echo", time.Now())

	if err := s.RetryTask(ctx, task.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("RetryTask on pending: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.RetryTask(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RetryTask on missing: err = %v, want ErrNotFound", err)
	}

	claimed, _ := s.ClaimNextTask(ctx, "w1", "tok", time.Now())
	if err := s.FailTask(ctx, claimed.ID, "tok", "boom", time.Now()); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if err := s.RetryTask(ctx, task.ID); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != store.TaskPending || got.Error != "" || got.CompletedAt != nil {
		t.Errorf("after retry = %+v", got)
	}
}

func TestListTasksFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	insertTask(t, s, "echo", base)
	insertTask(t, s, "session_followup", base.Add(time.Second))
	insertTask(t, s, "echo", base.Add(2*time.Second))
	if _, err := s.ClaimNextTask(ctx, "w1", "tok", time.Now()); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}

	tests := []struct {
		name   string
		filter store.TaskFilter
		want   int
	}{
		{"all", store.TaskFilter{}, 3},
		{"by kind", store.TaskFilter{Kind: "echo"}, 2},
		{"by status", store.TaskFilter{Status: store.TaskPending}, 2},
		{"kind and status", store.TaskFilter{Kind: "echo", Status: store.TaskProcessing}, 1},
		{"limit", store.TaskFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := s.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(tasks) != tt.want {
				t.Errorf("got %d tasks, want %d", len(tasks), tt.want)
			}
		})
	}

	tasks, _ := s.ListTasks(ctx, store.TaskFilter{})
	if tasks[0].CreatedAt.Before(tasks[len(tasks)-1].CreatedAt) {
		t.Error("ListTasks should return newest first")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTask(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateUserIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, created, err := s.CreateUser(ctx, "a@example.com", 180, time.Now())
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !created || u.TalktimeSeconds != 180 {
		t.Fatalf("first CreateUser = (%+v, %v)", u, created)
	}

	u, created, err = s.CreateUser(ctx, "a@example.com", 180, time.Now())
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if created || u.TalktimeSeconds != 180 {
		t.Fatalf("second CreateUser = (%+v, %v), want unchanged", u, created)
	}
}

func TestDeductBalanceFloorsAtZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, _, err := s.CreateUser(ctx, "a@example.com", 10, time.Now()); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	bal, err := s.DeductBalance(ctx, "a@example.com", 4)
	if err != nil || bal != 6 {
		t.Fatalf("DeductBalance(4) = %d, %v; want 6", bal, err)
	}
	bal, err = s.DeductBalance(ctx, "a@example.com", 100)
	if err != nil || bal != 0 {
		t.Fatalf("DeductBalance(100) = %d, %v; want 0", bal, err)
	}
	if _, err := s.DeductBalance(ctx, "missing@example.com", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeductBalance on missing user: err = %v", err)
	}
}

func TestConcurrentDeductionsNeverGoNegative(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, _, err := s.CreateUser(ctx, "a@example.com", 50, time.Now()); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DeductBalance(ctx, "a@example.com", 7); err != nil {
				t.Errorf("DeductBalance: %v", err)
			}
		}()
	}
	wg.Wait()

	u, _ := s.GetUser(ctx, "a@example.com")
	if u.TalktimeSeconds != 0 {
		t.Errorf("balance = %d, want 0", u.TalktimeSeconds)
	}
}

func TestAdjustAndSetBalance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateUser(ctx, "a@example.com", 10, time.Now())

	tests := []struct {
		name string
		op   func() (int64, error)
		want int64
	}{
		{"add", func() (int64, error) { return s.AdjustBalance(ctx, "a@example.com", 15) }, 25},
		{"subtract", func() (int64, error) { return s.AdjustBalance(ctx, "a@example.com", -5) }, 20},
		{"subtract floors", func() (int64, error) { return s.AdjustBalance(ctx, "a@example.com", -500) }, 0},
		{"set", func() (int64, error) { return s.SetBalance(ctx, "a@example.com", 42) }, 42},
		{"set negative floors", func() (int64, error) { return s.SetBalance(ctx, "a@example.com", -3) }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op()
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("balance = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRefillCommunity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.CreateUser(ctx, "m@example.com", 0, now)
	s.CreateUser(ctx, "n@example.com", 0, now)

	if err := s.SetCommunityMember(ctx, "m@example.com", true); err != nil {
		t.Fatalf("SetCommunityMember: %v", err)
	}

	every := 30 * 24 * time.Hour

	refilled, bal, err := s.RefillCommunity(ctx, "m@example.com", 900, every, now)
	if err != nil || !refilled || bal != 900 {
		t.Fatalf("first refill = (%v, %d, %v)", refilled, bal, err)
	}

	refilled, bal, err = s.RefillCommunity(ctx, "m@example.com", 900, every, now.Add(24*time.Hour))
	if err != nil || refilled || bal != 900 {
		t.Fatalf("early refill = (%v, %d, %v), want not refilled", refilled, bal, err)
	}

	refilled, bal, err = s.RefillCommunity(ctx, "m@example.com", 900, every, now.Add(every))
	if err != nil || !refilled || bal != 1800 {
		t.Fatalf("due refill = (%v, %d, %v)", refilled, bal, err)
	}

	refilled, _, err = s.RefillCommunity(ctx, "n@example.com", 900, every, now)
	if err != nil || refilled {
		t.Fatalf("non-member refill = (%v, %v)", refilled, err)
	}

	if _, _, err := s.RefillCommunity(ctx, "x@example.com", 900, every, now); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing user: err = %v", err)
	}
}

func TestTouchLogin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateUser(ctx, "a@example.com", 0, time.Now())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchLogin(ctx, "a@example.com", at); err != nil {
		t.Fatalf("TouchLogin: %v", err)
	}
	u, _ := s.GetUser(ctx, "a@example.com")
	if u.LastLogin == nil || !u.LastLogin.Equal(at) {
		t.Errorf("LastLogin = %v, want %v", u.LastLogin, at)
	}
	if err := s.TouchLogin(ctx, "missing@example.com", at); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransactionReplayIsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateUser(ctx, "a@example.com", 0, time.Now())

	tx := &store.Transaction{OrderID: "order_1", Email: "a@example.com", Amount: 9900, CreditSeconds: 3600, CreatedAt: time.Now()}
	inserted, err := s.InsertTransaction(ctx, tx)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}

	replay := &store.Transaction{OrderID: "order_1", Email: "a@example.com", Amount: 9900, CreditSeconds: 3600, CreatedAt: time.Now()}
	inserted, err = s.InsertTransaction(ctx, replay)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if inserted {
		t.Fatal("replayed order should not be inserted")
	}

	bal, credited, err := s.CreditTransaction(ctx, "order_1")
	if err != nil || !credited || bal != 3600 {
		t.Fatalf("first credit = (%d, %v, %v)", bal, credited, err)
	}
	bal, credited, err = s.CreditTransaction(ctx, "order_1")
	if err != nil || credited || bal != 3600 {
		t.Fatalf("second credit = (%d, %v, %v), want no-op", bal, credited, err)
	}

	got, err := s.GetTransaction(ctx, "order_1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Status != store.TransactionCredited {
		t.Errorf("Status = %q, want credited", got.Status)
	}

	if _, _, err := s.CreditTransaction(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("credit unknown order: err = %v", err)
	}
}

func TestCreditTransactionCreatesMissingUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.InsertTransaction(ctx, &store.Transaction{OrderID: "o", Email: "new@example.com", Amount: 100, CreditSeconds: 60, CreatedAt: time.Now()})
	bal, credited, err := s.CreditTransaction(ctx, "o")
	if err != nil || !credited || bal != 60 {
		t.Fatalf("credit = (%d, %v, %v)", bal, credited, err)
	}
}

func TestConcurrentReplayCreditsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateUser(ctx, "a@example.com", 0, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := &store.Transaction{OrderID: "dup", Email: "a@example.com", Amount: 100, CreditSeconds: 600, CreatedAt: time.Now()}
			if _, err := s.InsertTransaction(ctx, tx); err != nil {
				t.Errorf("InsertTransaction: %v", err)
				return
			}
			if _, _, err := s.CreditTransaction(ctx, "dup"); err != nil {
				t.Errorf("CreditTransaction: %v", err)
			}
		}()
	}
	wg.Wait()

	u, _ := s.GetUser(ctx, "a@example.com")
	if u.TalktimeSeconds != 600 {
		t.Errorf("balance = %d, want 600", u.TalktimeSeconds)
	}
}

func TestListUncredited(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	s.InsertTransaction(ctx, &store.Transaction{OrderID: "a", Email: "a@example.com", CreditSeconds: 1, CreatedAt: old})
	s.InsertTransaction(ctx, &store.Transaction{OrderID: "b", Email: "a@example.com", CreditSeconds: 1, CreatedAt: old})
	s.InsertTransaction(ctx, &store.Transaction{OrderID: "c", Email: "a@example.com", CreditSeconds: 1, CreatedAt: time.Now()})
	s.CreditTransaction(ctx, "b")

	txs, err := s.ListUncredited(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListUncredited: %v", err)
	}
	if len(txs) != 1 || txs[0].OrderID != "a" {
		t.Errorf("got %v, want only order a", txs)
	}
}

func TestRecordSessionIncrementsTotal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateUser(ctx, "a@example.com", 100, time.Now())

	rec := &store.SessionRecord{
		SessionKey:      "sess-1",
		Email:           "a@example.com",
		StartedAt:       time.Now().Add(-time.Minute),
		EndedAt:         time.Now(),
		ConsumedSeconds: 60,
		FinalBalance:    40,
		EndReason:       "client",
	}
	if err := s.RecordSession(ctx, rec); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	// Recording the same session twice does not double count.
	if err := s.RecordSession(ctx, rec); err != nil {
		t.Fatalf("RecordSession again: %v", err)
	}

	u, _ := s.GetUser(ctx, "a@example.com")
	if u.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", u.TotalSessions)
	}

	next := *rec
	next.SessionKey = "sess-2"
	if err := s.RecordSession(ctx, &next); err != nil {
		t.Fatalf("RecordSession sess-2: %v", err)
	}
	u, _ = s.GetUser(ctx, "a@example.com")
	if u.TotalSessions != 2 {
		t.Errorf("TotalSessions after second session = %d, want 2", u.TotalSessions)
	}
}

// Deductions and payment credits racing on one balance: every update lands
// exactly once.
func TestConcurrentDeductAndCredit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const (
		start      = 10000
		deductors  = 40
		deductEach = 5
		orders     = 20
		creditEach = 30
	)
	if _, _, err := s.CreateUser(ctx, "a@example.com", start, time.Now()); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	for i := 0; i < orders; i++ {
		if _, err := s.InsertTransaction(ctx, &store.Transaction{
			OrderID:       fmt.Sprintf("order-%d", i),
			Email:         "a@example.com",
			Amount:        100,
			CreditSeconds: creditEach,
			CreatedAt:     time.Now(),
		}); err != nil {
			t.Fatalf("InsertTransaction: %v", err)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
	)
	for i := 0; i < deductors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DeductBalance(ctx, "a@example.com", deductEach); err != nil {
				t.Errorf("DeductBalance: %v", err)
			}
		}()
	}
	// Each order is credited from two goroutines; only one may apply.
	for i := 0; i < 2*orders; i++ {
		wg.Add(1)
		go func(order string) {
			defer wg.Done()
			_, ok, err := s.CreditTransaction(ctx, order)
			if err != nil {
				t.Errorf("CreditTransaction(%s): %v", order, err)
				return
			}
			if ok {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}(fmt.Sprintf("order-%d", i%orders))
	}
	wg.Wait()

	if credited != orders {
		t.Errorf("credited = %d, want %d", credited, orders)
	}
	u, _ := s.GetUser(ctx, "a@example.com")
	if want := int64(start - deductors*deductEach + orders*creditEach); u.TalktimeSeconds != want {
		t.Errorf("balance = %d, want %d", u.TalktimeSeconds, want)
	}
}

func TestListUsersAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st, err := s.UserStats(ctx)
	if err != nil || st != (store.UserStats{}) {
		t.Fatalf("empty stats = %+v, %v", st, err)
	}

	for i, email := range []string{"c@example.com", "a@example.com", "b@example.com"} {
		if _, _, err := s.CreateUser(ctx, email, int64(10*(i+1)), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	s.SetCommunityMember(ctx, "a@example.com", true)
	s.RecordSession(ctx, &store.SessionRecord{SessionKey: "s1", Email: "b@example.com", StartedAt: base, EndedAt: base})
	s.RecordSession(ctx, &store.SessionRecord{SessionKey: "s2", Email: "b@example.com", StartedAt: base, EndedAt: base})

	users, err := s.ListUsers(ctx, 0)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	var got []string
	for _, u := range users {
		got = append(got, u.Email)
	}
	if strings.Join(got, ",") != "c@example.com,a@example.com,b@example.com" {
		t.Errorf("order = %v, want creation order", got)
	}
	if !users[1].IsCommunityMember || users[2].TotalSessions != 2 {
		t.Errorf("users = %+v %+v", users[1], users[2])
	}

	limited, _ := s.ListUsers(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d users", len(limited))
	}

	st, err = s.UserStats(ctx)
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	want := store.UserStats{Users: 3, CommunityMembers: 1, TotalSeconds: 60, TotalSessions: 2}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
}

func TestFollowupSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetFollowup(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetFollowup on missing: err = %v, want ErrNotFound", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SaveFollowup(ctx, &store.Followup{SessionKey: "s1", Email: "a@example.com", Content: "first", CreatedAt: now}); err != nil {
		t.Fatalf("SaveFollowup: %v", err)
	}
	// A retried generation replaces the earlier summary.
	if err := s.SaveFollowup(ctx, &store.Followup{SessionKey: "s1", Email: "a@example.com", Content: "second", CreatedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("SaveFollowup again: %v", err)
	}

	f, err := s.GetFollowup(ctx, "s1")
	if err != nil {
		t.Fatalf("GetFollowup: %v", err)
	}
	if f.Content != "second" || f.Email != "a@example.com" || !f.CreatedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("followup = %+v", f)
	}
}
