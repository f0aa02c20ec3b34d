package meter

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aceteam-ai/talktime/internal/store/sqlite"
)

type recordingListener struct {
	mu      sync.Mutex
	paused  []Event
	resumed []Event
	ended   []EndResult
}

func (l *recordingListener) SessionPaused(ctx context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = append(l.paused, ev)
}

func (l *recordingListener) SessionResumed(ctx context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resumed = append(l.resumed, ev)
}

func (l *recordingListener) SessionEnded(ctx context.Context, res EndResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, res)
}

type fixture struct {
	meter    *Meter
	store    *sqlite.Store
	mr       *miniredis.Miniredis
	listener *recordingListener
	clock    time.Time
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) balance(t *testing.T, email string) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), email)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.TalktimeSeconds
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s, err := sqlite.Open(filepath.Join(t.TempDir(), "meter_test.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, mr: mr, listener: &recordingListener{}, clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.meter = New(rdb, s, Options{Now: func() time.Time { return f.clock }})
	f.meter.SetListener(f.listener)
	return f
}

func (f *fixture) startSession(t *testing.T, key, email string, balance int64) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.store.CreateUser(ctx, email, balance, f.clock); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := f.meter.Start(ctx, key, email, balance); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// Balance 30s, five 5s heartbeats, then a 10s heartbeat: the balance floors
// at zero and the session pauses.
func TestHeartbeatExhaustsBalance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "s1", "a@example.com", 30)

	for i := 1; i <= 5; i++ {
		f.advance(5 * time.Second)
		res, err := f.meter.Heartbeat(ctx, "s1", 5)
		if err != nil {
			t.Fatalf("Heartbeat %d: %v", i, err)
		}
		if want := int64(30 - 5*i); res.Remaining != want || res.Paused {
			t.Fatalf("after heartbeat %d: %+v, want remaining %d", i, res, want)
		}
	}
	if got := f.balance(t, "a@example.com"); got != 5 {
		t.Fatalf("stored balance = %d, want 5", got)
	}

	f.advance(10 * time.Second)
	res, err := f.meter.Heartbeat(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if res.Remaining != 0 || !res.Paused {
		t.Errorf("final heartbeat = %+v, want remaining 0 and paused", res)
	}
	if got := f.balance(t, "a@example.com"); got != 0 {
		t.Errorf("stored balance = %d, want 0", got)
	}
	if len(f.listener.paused) != 1 || f.listener.paused[0].SessionKey != "s1" {
		t.Errorf("pause notifications = %+v", f.listener.paused)
	}

	// Paused sessions accumulate nothing.
	f.advance(5 * time.Second)
	res, _ = f.meter.Heartbeat(ctx, "s1", 5)
	if !res.Paused || res.Deducted != 0 {
		t.Errorf("heartbeat while paused = %+v", res)
	}
	if len(f.listener.paused) != 1 {
		t.Errorf("pause must be signalled once, got %d", len(f.listener.paused))
	}
}

func TestHeartbeatKeepsSubSecondRemainder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "s1", "a@example.com", 10)

	f.advance(2 * time.Second)
	res, err := f.meter.Heartbeat(ctx, "s1", 1.5)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if res.Deducted != 1 {
		t.Errorf("Deducted = %d, want 1", res.Deducted)
	}
	st, _ := f.meter.Get(ctx, "s1")
	if st.PendingMs != 500 {
		t.Errorf("PendingMs = %d, want 500", st.PendingMs)
	}
	if got := f.balance(t, "a@example.com"); got != 9 {
		t.Errorf("stored balance = %d, want 9", got)
	}
	if res.Remaining != 9 {
		t.Errorf("Remaining = %d, want 9 (8.5 rounded up)", res.Remaining)
	}
}

func TestHeartbeatClampsElapsed(t *testing.T) {
	tests := []struct {
		name    string
		gap     time.Duration
		elapsed float64
		want    int64
	}{
		{"within bounds", 5 * time.Second, 5, 5},
		{"over max elapsed", 20 * time.Second, 100, 15},
		{"over observed gap", 5 * time.Second, 14, 7},
		{"negative", 5 * time.Second, -3, 0},
		{"huge report", 20 * time.Second, 1e10, 15},
		{"huge report within gap", 5 * time.Second, 1e10, 7},
		{"positive infinity", 20 * time.Second, math.Inf(1), 0},
		{"negative infinity", 20 * time.Second, math.Inf(-1), 0},
		{"not a number", 20 * time.Second, math.NaN(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.startSession(t, "s1", "a@example.com", 100)

			f.advance(tt.gap)
			if _, err := f.meter.Heartbeat(context.Background(), "s1", tt.elapsed); err != nil {
				t.Fatalf("Heartbeat: %v", err)
			}
			st, _ := f.meter.Get(context.Background(), "s1")
			if got := st.ConsumedMs / 1000; got != tt.want {
				t.Errorf("consumed = %ds, want %ds", got, tt.want)
			}
			if got := f.balance(t, "a@example.com"); got != 100-tt.want {
				t.Errorf("stored balance = %d, want %d", got, 100-tt.want)
			}
		})
	}
}

func TestHeartbeatAfterTimeoutEndsSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "s1", "a@example.com", 60)

	f.advance(31 * time.Second)
	res, err := f.meter.Heartbeat(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !res.Ended {
		t.Fatalf("result = %+v, want ended", res)
	}
	if len(f.listener.ended) != 1 || f.listener.ended[0].Reason != ReasonTimeout {
		t.Errorf("end notifications = %+v", f.listener.ended)
	}
	if _, err := f.meter.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("state after timeout: %v", err)
	}
	if _, err := f.meter.SessionForUser(ctx, "a@example.com"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("user mapping after timeout: %v", err)
	}
	if got := f.balance(t, "a@example.com"); got != 60 {
		t.Errorf("stored balance = %d, want 60", got)
	}
}

func TestResume(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "s1", "a@example.com", 3)

	f.advance(5 * time.Second)
	if res, _ := f.meter.Heartbeat(ctx, "s1", 5); !res.Paused {
		t.Fatalf("expected pause, got %+v", res)
	}

	resumed, _, err := f.meter.Resume(ctx, "s1")
	if err != nil || resumed {
		t.Fatalf("Resume with empty balance = %v, %v", resumed, err)
	}

	f.store.AdjustBalance(ctx, "a@example.com", 100)
	f.advance(25 * time.Second)
	resumed, balance, err := f.meter.Resume(ctx, "s1")
	if err != nil || !resumed || balance != 100 {
		t.Fatalf("Resume = %v, %d, %v", resumed, balance, err)
	}
	if len(f.listener.resumed) != 1 {
		t.Errorf("resume notifications = %d", len(f.listener.resumed))
	}

	// The paused gap is not billed and does not count towards staleness.
	f.advance(5 * time.Second)
	res, err := f.meter.Heartbeat(ctx, "s1", 5)
	if err != nil || res.Paused || res.Ended || res.Remaining != 95 {
		t.Errorf("heartbeat after resume = %+v, %v", res, err)
	}

	resumed, _, _ = f.meter.Resume(ctx, "s1")
	if resumed {
		t.Error("resuming an active session should report false")
	}
}

func TestEndFlushesRoundedPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "s1", "a@example.com", 10)

	f.advance(time.Second)
	res, _ := f.meter.Heartbeat(ctx, "s1", 0.6)
	if res.Deducted != 0 {
		t.Fatalf("sub-threshold heartbeat flushed %d", res.Deducted)
	}

	end, err := f.meter.End(ctx, "s1", ReasonClient)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if end.FinalBalance != 9 || end.Consumed != 1 || end.Email != "a@example.com" {
		t.Errorf("EndResult = %+v", end)
	}
	if got := f.balance(t, "a@example.com"); got != 9 {
		t.Errorf("stored balance = %d, want 9", got)
	}
	if len(f.listener.ended) != 1 {
		t.Errorf("end notifications = %d", len(f.listener.ended))
	}

	if _, err := f.meter.End(ctx, "s1", ReasonClient); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second End: %v", err)
	}
}

func TestHeartbeatContention(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "s1", "a@example.com", 50)

	f.mr.Set(lockKey("s1"), "someone-else")

	f.advance(5 * time.Second)
	res, err := f.meter.Heartbeat(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !res.Locked || res.Deducted != 0 || res.Remaining != 50 {
		t.Errorf("contended heartbeat = %+v", res)
	}

	if _, err := f.meter.End(ctx, "s1", ReasonClient); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("End under contention: %v", err)
	}

	f.mr.Del(lockKey("s1"))
	res, err = f.meter.Heartbeat(ctx, "s1", 5)
	if err != nil || res.Locked || res.Remaining != 45 {
		t.Errorf("heartbeat after release = %+v, %v", res, err)
	}
	if f.mr.Exists(lockKey("s1")) {
		t.Error("lock should be released after heartbeat")
	}
}

func TestStaleAndSessionForUser(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "old", "a@example.com", 50)
	f.advance(20 * time.Second)
	f.startSession(t, "fresh", "b@example.com", 50)

	stale, err := f.meter.Stale(ctx, f.clock.Add(-10*time.Second))
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if len(stale) != 1 || stale[0] != "old" {
		t.Errorf("Stale = %v, want [old]", stale)
	}

	key, err := f.meter.SessionForUser(ctx, "b@example.com")
	if err != nil || key != "fresh" {
		t.Errorf("SessionForUser = %q, %v", key, err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.startSession(t, "s1", "a@example.com", 100)
	f.startSession(t, "s2", "b@example.com", 100)

	var wg sync.WaitGroup
	for _, key := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if _, err := f.meter.Heartbeat(ctx, key, 1); err != nil {
				t.Errorf("Heartbeat %s: %v", key, err)
			}
		}(key)
	}
	wg.Wait()

	if a, b := f.balance(t, "a@example.com"), f.balance(t, "b@example.com"); a != 99 || b != 99 {
		t.Errorf("balances = %d, %d; want 99 each", a, b)
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	f := setup(t)
	if _, err := f.meter.Heartbeat(context.Background(), "nope", 5); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := f.meter.Heartbeat(context.Background(), "", 5); !errors.Is(err, ErrMissingKey) {
		t.Errorf("err = %v, want ErrMissingKey", err)
	}
}
