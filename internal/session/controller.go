// Package session ties a client's live session to its billing meter. It
// starts and ends sessions, relays pause and resume decisions from the meter
// to the live transport, and ends sessions whose heartbeats stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/jobs"
	"github.com/aceteam-ai/talktime/internal/meter"
	"github.com/aceteam-ai/talktime/internal/store"
)

var (
	// ErrInsufficientBalance is returned by Start when the user has no
	// talktime left.
	ErrInsufficientBalance = errors.New("session: insufficient talktime balance")

	// ErrNotOwner is returned when a session key does not belong to the
	// requesting user.
	ErrNotOwner = errors.New("session: session belongs to another user")
)

// Meter is the billing meter as used by the controller.
type Meter interface {
	Start(ctx context.Context, sessionKey, email string, balance int64) error
	Get(ctx context.Context, sessionKey string) (*meter.State, error)
	Heartbeat(ctx context.Context, sessionKey string, elapsedSeconds float64) (meter.HeartbeatResult, error)
	Resume(ctx context.Context, sessionKey string) (bool, int64, error)
	End(ctx context.Context, sessionKey, reason string) (meter.EndResult, error)
	SessionForUser(ctx context.Context, email string) (string, error)
	Stale(ctx context.Context, cutoff time.Time) ([]string, error)
	SetListener(l meter.Listener)
	Config() meter.Config
}

// Store is the durable state the controller reads and writes.
type Store interface {
	GetUser(ctx context.Context, email string) (*store.User, error)
	RecordSession(ctx context.Context, rec *store.SessionRecord) error
}

// Submitter enqueues deferred work.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload map[string]any) (string, error)
}

// Options configures a Controller.
type Options struct {
	// Transport receives pause, resume and end signals. Optional.
	Transport Transport

	// Queue receives follow-up tasks. Optional.
	Queue Submitter

	SweepInterval time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

// Controller orchestrates sessions.
type Controller struct {
	meter         Meter
	store         Store
	transport     Transport
	queue         Submitter
	sweepInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewController creates a Controller and registers it as m's listener.
func NewController(m Meter, s Store, opts Options) *Controller {
	c := &Controller{
		meter:         m,
		store:         s,
		transport:     opts.Transport,
		queue:         opts.Queue,
		sweepInterval: opts.SweepInterval,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if c.transport == nil {
		c.transport = nopTransport{}
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = 10 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	m.SetListener(c)
	return c
}

// StartResult is returned by Start.
type StartResult struct {
	SessionKey string `json:"session_key"`
	Remaining  int64  `json:"remaining_seconds"`
}

// Start opens a metered session for email. A previous session of the same
// user is ended first.
func (c *Controller) Start(ctx context.Context, email string) (StartResult, error) {
	u, err := c.store.GetUser(ctx, email)
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to load user %s: %w", email, err)
	}
	if u.TalktimeSeconds <= 0 {
		return StartResult{}, ErrInsufficientBalance
	}

	prev, err := c.meter.SessionForUser(ctx, email)
	switch {
	case err == nil:
		if _, err := c.meter.End(ctx, prev, meter.ReasonReplaced); err != nil && !errors.Is(err, meter.ErrSessionNotFound) {
			return StartResult{}, fmt.Errorf("failed to end previous session %s: %w", prev, err)
		}
		// The flush may have changed the balance.
		if u, err = c.store.GetUser(ctx, email); err != nil {
			return StartResult{}, fmt.Errorf("failed to load user %s: %w", email, err)
		}
		if u.TalktimeSeconds <= 0 {
			return StartResult{}, ErrInsufficientBalance
		}
	case errors.Is(err, meter.ErrSessionNotFound):
	default:
		return StartResult{}, err
	}

	key := uuid.NewString()
	if err := c.meter.Start(ctx, key, email, u.TalktimeSeconds); err != nil {
		return StartResult{}, err
	}
	return StartResult{SessionKey: key, Remaining: u.TalktimeSeconds}, nil
}

// Authorize checks that sessionKey belongs to email.
func (c *Controller) Authorize(ctx context.Context, sessionKey, email string) error {
	st, err := c.meter.Get(ctx, sessionKey)
	if err != nil {
		return err
	}
	if st.Email != email {
		return ErrNotOwner
	}
	return nil
}

// Heartbeat forwards a heartbeat to the meter.
func (c *Controller) Heartbeat(ctx context.Context, sessionKey string, elapsedSeconds float64) (meter.HeartbeatResult, error) {
	return c.meter.Heartbeat(ctx, sessionKey, elapsedSeconds)
}

// End ends a session. The session record is written by SessionEnded.
func (c *Controller) End(ctx context.Context, sessionKey, reason string) (meter.EndResult, error) {
	return c.meter.End(ctx, sessionKey, reason)
}

// Followup describes the post-session generation and email task.
type Followup struct {
	Email      string
	SessionKey string
	Transcript string
	HostURL    string
}

// EnqueueFollowup submits a session follow-up task and returns its id.
func (c *Controller) EnqueueFollowup(ctx context.Context, f Followup) (string, error) {
	if c.queue == nil {
		return "", errors.New("session: no task queue configured")
	}
	return c.queue.Submit(ctx, jobs.KindSessionFollowup, map[string]any{
		"email":      f.Email,
		"transcript": f.Transcript,
		"session_id": f.SessionKey,
		"host_url":   f.HostURL,
	})
}

// ResumeForUser resumes the user's active session if it is paused. It
// reports false when the user has no session or it could not be resumed.
func (c *Controller) ResumeForUser(ctx context.Context, email string) (bool, error) {
	key, err := c.meter.SessionForUser(ctx, email)
	if errors.Is(err, meter.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	resumed, _, err := c.meter.Resume(ctx, key)
	if errors.Is(err, meter.ErrSessionNotFound) {
		return false, nil
	}
	return resumed, err
}

// Sweep ends every session whose last heartbeat is older than the meter's
// heartbeat timeout and returns how many it ended.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.meter.Config().HeartbeatTimeout)
	keys, err := c.meter.Stale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, key := range keys {
		_, err := c.meter.End(ctx, key, meter.ReasonTimeout)
		switch {
		case err == nil:
			n++
		case errors.Is(err, meter.ErrSessionNotFound), errors.Is(err, meter.ErrSessionLocked):
			// Already gone, or a heartbeat is in flight; the next sweep decides.
		default:
			errs = append(errs, fmt.Errorf("session %s: %w", key, err))
		}
	}
	return n, errors.Join(errs...)
}

// Run sweeps stale sessions every SweepInterval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Warn("session sweep failed", zap.Error(err))
			}
			if n > 0 {
				c.logger.Info("ended stale sessions", zap.Int("count", n))
			}
		}
	}
}

// SessionPaused implements meter.Listener.
func (c *Controller) SessionPaused(ctx context.Context, ev meter.Event) {
	if err := c.transport.Pause(ctx, ev.SessionKey, ev.Balance); err != nil {
		c.logger.Warn("failed to signal pause", zap.String("session_key", ev.SessionKey), zap.Error(err))
	}
}

// SessionResumed implements meter.Listener.
func (c *Controller) SessionResumed(ctx context.Context, ev meter.Event) {
	if err := c.transport.Resume(ctx, ev.SessionKey, ev.Balance); err != nil {
		c.logger.Warn("failed to signal resume", zap.String("session_key", ev.SessionKey), zap.Error(err))
	}
}

// SessionEnded implements meter.Listener. It writes the session record.
func (c *Controller) SessionEnded(ctx context.Context, res meter.EndResult) {
	ctx = context.WithoutCancel(ctx)
	rec := &store.SessionRecord{
		SessionKey:      res.SessionKey,
		Email:           res.Email,
		StartedAt:       res.StartedAt,
		EndedAt:         res.EndedAt,
		ConsumedSeconds: res.Consumed,
		FinalBalance:    res.FinalBalance,
		EndReason:       res.Reason,
	}
	if err := c.store.RecordSession(ctx, rec); err != nil {
		c.logger.Error("failed to record session", zap.String("session_key", res.SessionKey), zap.Error(err))
	}
	if err := c.transport.End(ctx, res.SessionKey, res.Reason); err != nil {
		c.logger.Warn("failed to signal end", zap.String("session_key", res.SessionKey), zap.Error(err))
	}
}
