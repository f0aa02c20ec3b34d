// Package meter is the server-authoritative billing meter for live sessions.
//
// Each active session has an explicit Redis key space:
//
//	meter:session:<key>  hash holding the meter state, leased with a TTL
//	                     refreshed on every heartbeat
//	meter:lock:<key>     per-session mutex (SET NX PX, token-checked release)
//	meter:user:<email>   the user's active session key
//	meter:heartbeats     sorted set of session keys scored by last heartbeat
//
// Heartbeats accumulate consumed time in pending_ms. Pending time is flushed
// to the durable balance in whole seconds once it crosses the flush
// threshold or the flush interval elapses; the sub-second remainder stays
// pending. Redis is never authoritative for the balance. Losing it costs at
// most the unflushed remainder.
package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/store"
)

var (
	ErrSessionNotFound = errors.New("meter: session not found")
	ErrSessionLocked   = errors.New("meter: session is locked by another request")
	ErrMissingKey      = errors.New("meter: session key is required")
)

// End reasons recorded on session records.
const (
	ReasonClient   = "client"
	ReasonTimeout  = "timeout"
	ReasonReplaced = "replaced"
)

// BalanceStore is the durable side of the meter.
type BalanceStore interface {
	GetUser(ctx context.Context, email string) (*store.User, error)
	DeductBalance(ctx context.Context, email string, seconds int64) (int64, error)
}

// Event describes a pause or resume transition.
type Event struct {
	SessionKey string
	Email      string
	Balance    int64
}

// Listener is notified of state transitions. Calls happen after the session
// lock is released and must not block for long.
type Listener interface {
	SessionPaused(ctx context.Context, ev Event)
	SessionResumed(ctx context.Context, ev Event)
	SessionEnded(ctx context.Context, res EndResult)
}

// Config holds the meter's tuning knobs.
type Config struct {
	// MaxElapsed bounds the time a single heartbeat may claim.
	MaxElapsed time.Duration

	// ClockSlack is how far a reported elapsed may exceed the gap the
	// server itself observed since the previous heartbeat.
	ClockSlack time.Duration

	FlushThreshold time.Duration
	FlushInterval  time.Duration

	// HeartbeatTimeout is the silence after which a session is stale.
	HeartbeatTimeout time.Duration

	// Lease is the TTL of the session's Redis keys.
	Lease time.Duration

	LockTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxElapsed:       15 * time.Second,
		ClockSlack:       2 * time.Second,
		FlushThreshold:   time.Second,
		FlushInterval:    30 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		Lease:            time.Hour,
		LockTTL:          5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = d.MaxElapsed
	}
	if c.ClockSlack <= 0 {
		c.ClockSlack = d.ClockSlack
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = d.FlushThreshold
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Options configures a Meter.
type Options struct {
	Config Config
	Logger *zap.Logger
	Now    func() time.Time
}

// HeartbeatResult is returned by Heartbeat.
type HeartbeatResult struct {
	// Remaining is the authoritative balance minus unflushed consumption,
	// rounded up to whole seconds.
	Remaining int64
	Paused    bool
	Ended     bool

	// Deducted is the number of seconds flushed to the store by this call.
	Deducted int64

	// Locked is set when another request held the session; nothing was
	// accounted and Remaining is the last known balance.
	Locked bool
}

// EndResult describes a finished session.
type EndResult struct {
	SessionKey   string
	Email        string
	StartedAt    time.Time
	EndedAt      time.Time
	FinalBalance int64
	Consumed     int64
	Reason       string
}

// Meter tracks every active session.
type Meter struct {
	rdb    redis.UniversalClient
	store  BalanceStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	listener Listener
}

// New creates a Meter.
func New(rdb redis.UniversalClient, s BalanceStore, opts Options) *Meter {
	m := &Meter{
		rdb:    rdb,
		store:  s,
		cfg:    opts.Config.withDefaults(),
		logger: opts.Logger,
		now:    opts.Now,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetListener registers the transition listener.
func (m *Meter) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Config returns the effective configuration.
func (m *Meter) Config() Config {
	return m.cfg
}

func (m *Meter) notify(fn func(Listener)) {
	m.mu.RLock()
	l := m.listener
	m.mu.RUnlock()
	if l != nil {
		fn(l)
	}
}

// Start creates fresh meter state for sessionKey: nothing pending, active.
func (m *Meter) Start(ctx context.Context, sessionKey, email string, balance int64) error {
	if sessionKey == "" {
		return ErrMissingKey
	}
	now := m.now()
	st := &State{
		SessionKey:      sessionKey,
		Email:           email,
		Balance:         balance,
		StartedAt:       now,
		LastHeartbeatAt: now,
		LastFlushAt:     now,
	}
	if err := m.save(ctx, st); err != nil {
		return fmt.Errorf("failed to start session %s: %w", sessionKey, err)
	}
	m.logger.Info("session started", zap.String("session_key", sessionKey), zap.String("email", email), zap.Int64("balance", balance))
	return nil
}

// Get returns the current meter state.
func (m *Meter) Get(ctx context.Context, sessionKey string) (*State, error) {
	return m.load(ctx, sessionKey)
}

// Heartbeat accounts elapsedSeconds of consumption for sessionKey.
func (m *Meter) Heartbeat(ctx context.Context, sessionKey string, elapsedSeconds float64) (HeartbeatResult, error) {
	if sessionKey == "" {
		return HeartbeatResult{}, ErrMissingKey
	}

	unlock, ok, err := m.tryLock(ctx, sessionKey)
	if err != nil {
		return HeartbeatResult{}, err
	}
	if !ok {
		st, err := m.load(ctx, sessionKey)
		if err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{Remaining: st.remaining(), Paused: st.Paused, Locked: true}, nil
	}

	var (
		res      HeartbeatResult
		st       *State
		paused   bool
		released bool
	)
	release := func() {
		if !released {
			unlock()
			released = true
		}
	}
	defer release()

	st, err = m.load(ctx, sessionKey)
	if err != nil {
		return HeartbeatResult{}, err
	}

	now := m.now()
	gap := now.Sub(st.LastHeartbeatAt)
	if gap > m.cfg.HeartbeatTimeout {
		er, err := m.finish(ctx, st, ReasonTimeout)
		if err != nil {
			return HeartbeatResult{}, err
		}
		release()
		m.notify(func(l Listener) { l.SessionEnded(ctx, er) })
		return HeartbeatResult{Remaining: er.FinalBalance, Ended: true}, nil
	}

	st.LastHeartbeatAt = now
	if st.Paused {
		if err := m.save(ctx, st); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{Remaining: 0, Paused: true}, nil
	}

	elapsed := m.clamp(elapsedSeconds, gap)
	st.PendingMs += elapsed.Milliseconds()
	st.ConsumedMs += elapsed.Milliseconds()

	due := time.Duration(st.PendingMs)*time.Millisecond >= m.cfg.FlushThreshold ||
		now.Sub(st.LastFlushAt) >= m.cfg.FlushInterval ||
		st.Balance*1000-st.PendingMs <= 0
	if due {
		n, err := m.flush(ctx, st, st.PendingMs/1000)
		if err != nil {
			return HeartbeatResult{}, err
		}
		res.Deducted += n
		st.LastFlushAt = now
	}

	if st.Balance*1000-st.PendingMs <= 0 {
		// Exhausted: settle the fractional remainder too.
		n, err := m.flush(ctx, st, (st.PendingMs+999)/1000)
		if err != nil {
			return HeartbeatResult{}, err
		}
		res.Deducted += n
		st.PendingMs = 0
		st.Paused = true
		paused = true
	}

	if err := m.save(ctx, st); err != nil {
		return HeartbeatResult{}, err
	}

	res.Remaining = st.remaining()
	res.Paused = st.Paused
	release()

	if paused {
		m.logger.Info("session paused, balance exhausted", zap.String("session_key", sessionKey), zap.String("email", st.Email))
		m.notify(func(l Listener) {
			l.SessionPaused(ctx, Event{SessionKey: sessionKey, Email: st.Email, Balance: st.Balance})
		})
	}
	return res, nil
}

// clamp bounds a reported elapsed by MaxElapsed and by the gap the server
// observed plus ClockSlack. Negative and non-finite reports count as zero.
// Bounding happens in float seconds so huge reports cannot overflow the
// Duration conversion.
func (m *Meter) clamp(elapsedSeconds float64, gap time.Duration) time.Duration {
	if math.IsNaN(elapsedSeconds) || math.IsInf(elapsedSeconds, 0) || elapsedSeconds <= 0 {
		return 0
	}
	secs := math.Min(elapsedSeconds, m.cfg.MaxElapsed.Seconds())
	d := time.Duration(secs * float64(time.Second))
	if limit := gap + m.cfg.ClockSlack; limit > 0 && d > limit {
		d = limit
	}
	return d
}

// flush deducts seconds from the durable balance and removes them from
// pending. It refreshes st.Balance from the store either way.
func (m *Meter) flush(ctx context.Context, st *State, seconds int64) (int64, error) {
	if seconds <= 0 {
		u, err := m.store.GetUser(ctx, st.Email)
		if err != nil {
			return 0, fmt.Errorf("failed to read balance for %s: %w", st.Email, err)
		}
		st.Balance = u.TalktimeSeconds
		return 0, nil
	}
	balance, err := m.store.DeductBalance(ctx, st.Email, seconds)
	if err != nil {
		return 0, fmt.Errorf("failed to flush %ds for %s: %w", seconds, st.Email, err)
	}
	st.Balance = balance
	st.PendingMs -= seconds * 1000
	if st.PendingMs < 0 {
		st.PendingMs = 0
	}
	return seconds, nil
}

// Resume reactivates a paused session if the durable balance is positive.
// The gap spent paused is not billed.
func (m *Meter) Resume(ctx context.Context, sessionKey string) (bool, int64, error) {
	unlock, err := m.lock(ctx, sessionKey)
	if err != nil {
		return false, 0, err
	}

	st, err := m.load(ctx, sessionKey)
	if err != nil {
		unlock()
		return false, 0, err
	}
	if !st.Paused {
		unlock()
		return false, st.remaining(), nil
	}

	u, err := m.store.GetUser(ctx, st.Email)
	if err != nil {
		unlock()
		return false, 0, fmt.Errorf("failed to read balance for %s: %w", st.Email, err)
	}
	st.Balance = u.TalktimeSeconds
	if st.Balance <= 0 {
		unlock()
		return false, 0, nil
	}

	now := m.now()
	st.Paused = false
	st.PendingMs = 0
	st.LastHeartbeatAt = now
	st.LastFlushAt = now
	if err := m.save(ctx, st); err != nil {
		unlock()
		return false, 0, err
	}
	unlock()

	m.logger.Info("session resumed", zap.String("session_key", sessionKey), zap.Int64("balance", st.Balance))
	m.notify(func(l Listener) {
		l.SessionResumed(ctx, Event{SessionKey: sessionKey, Email: st.Email, Balance: st.Balance})
	})
	return true, st.Balance, nil
}

// End flushes the remaining pending time, rounded to the nearest second,
// and discards the session's state.
func (m *Meter) End(ctx context.Context, sessionKey, reason string) (EndResult, error) {
	unlock, err := m.lock(ctx, sessionKey)
	if err != nil {
		return EndResult{}, err
	}

	st, err := m.load(ctx, sessionKey)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			m.rdb.ZRem(ctx, heartbeatsKey, sessionKey)
		}
		unlock()
		return EndResult{}, err
	}

	res, err := m.finish(ctx, st, reason)
	unlock()
	if err != nil {
		return EndResult{}, err
	}
	m.notify(func(l Listener) { l.SessionEnded(ctx, res) })
	return res, nil
}

// finish is End without locking or notification.
func (m *Meter) finish(ctx context.Context, st *State, reason string) (EndResult, error) {
	if _, err := m.flush(ctx, st, (st.PendingMs+500)/1000); err != nil {
		return EndResult{}, err
	}
	if err := m.remove(ctx, st); err != nil {
		return EndResult{}, err
	}

	res := EndResult{
		SessionKey:   st.SessionKey,
		Email:        st.Email,
		StartedAt:    st.StartedAt,
		EndedAt:      m.now(),
		FinalBalance: st.Balance,
		Consumed:     (st.ConsumedMs + 500) / 1000,
		Reason:       reason,
	}
	m.logger.Info("session ended",
		zap.String("session_key", st.SessionKey),
		zap.String("email", st.Email),
		zap.String("reason", reason),
		zap.Int64("consumed", res.Consumed),
		zap.Int64("final_balance", res.FinalBalance))
	return res, nil
}

// SessionForUser returns the user's active session key.
func (m *Meter) SessionForUser(ctx context.Context, email string) (string, error) {
	key, err := m.rdb.Get(ctx, userKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session for %s: %w", email, err)
	}
	return key, nil
}

// Stale lists sessions whose last heartbeat is before cutoff.
func (m *Meter) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	keys, err := m.rdb.ZRangeByScore(ctx, heartbeatsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	return keys, nil
}
