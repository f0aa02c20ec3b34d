// Package harness assembles a complete in-process talktime deployment for
// end-to-end tests: SQLite store, Redis (miniredis unless REDIS_URL is set),
// the HTTP API and worker pools.
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/account"
	"github.com/aceteam-ai/talktime/internal/api"
	"github.com/aceteam-ai/talktime/internal/config"
	"github.com/aceteam-ai/talktime/internal/jobs"
	"github.com/aceteam-ai/talktime/internal/ledger"
	"github.com/aceteam-ai/talktime/internal/ledger/payments"
	"github.com/aceteam-ai/talktime/internal/mail"
	"github.com/aceteam-ai/talktime/internal/meter"
	"github.com/aceteam-ai/talktime/internal/queue"
	redisclient "github.com/aceteam-ai/talktime/internal/redis"
	"github.com/aceteam-ai/talktime/internal/session"
	"github.com/aceteam-ai/talktime/internal/store"
	"github.com/aceteam-ai/talktime/internal/store/sqlite"
	"github.com/aceteam-ai/talktime/internal/worker"
)

// Clock is a manually advanced clock shared by the meter and controller.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MailRecorder captures follow-up emails.
type MailRecorder struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (r *MailRecorder) Send(ctx context.Context, msg mail.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return fmt.Sprintf("msg-%d", len(r.sent)), nil
}

// Sent returns a copy of the messages sent so far.
func (r *MailRecorder) Sent() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.sent...)
}

type summaryGenerator struct{}

func (summaryGenerator) Generate(ctx context.Context, transcript string) (string, error) {
	return "Summary: " + transcript, nil
}

// Options configures a Stack.
type Options struct {
	// PaymentSecret signs payment confirmations (default: "e2e-secret")
	PaymentSecret string

	// Generator produces follow-up content (default: echoes the transcript)
	Generator jobs.Generator

	// RateLimit overrides the API limits (default: generous enough for
	// tests that heartbeat in a tight loop)
	RateLimit *config.RateLimitConfig

	Logger *zap.Logger
}

// Stack is a running talktime deployment.
type Stack struct {
	Store    *sqlite.Store
	Redis    *redisclient.Client
	Queue    *queue.Queue
	Meter    *meter.Meter
	Sessions *session.Controller
	Clock    *Clock
	Mail     *MailRecorder
	API      *httptest.Server

	signer    *payments.HMACVerifier
	generator jobs.Generator
	logger    *zap.Logger
	server    *api.Server
	mr        *miniredis.Miniredis
	dir       string
}

// NewStack starts a stack. Call Close when done.
func NewStack(opts Options) (*Stack, error) {
	if opts.PaymentSecret == "" {
		opts.PaymentSecret = "e2e-secret"
	}
	if opts.Generator == nil {
		opts.Generator = summaryGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RateLimit == nil {
		fast := config.Limit{PerSecond: 1000, Burst: 1000}
		opts.RateLimit = &config.RateLimitConfig{Heartbeat: fast, Payment: fast, Default: fast}
	}

	s := &Stack{
		Clock:     &Clock{now: time.Now().UTC()},
		Mail:      &MailRecorder{},
		signer:    payments.NewHMACVerifier(opts.PaymentSecret),
		generator: opts.Generator,
		logger:    opts.Logger,
	}

	var err error
	if s.dir, err = os.MkdirTemp("", "talktime-e2e-*"); err != nil {
		return nil, err
	}
	if s.Store, err = sqlite.Open(filepath.Join(s.dir, "talktime.db")); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		if s.mr, err = miniredis.Run(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		redisURL = "redis://" + s.mr.Addr()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Redis = redisclient.NewClient()
	if err := s.Redis.Connect(ctx, redisclient.ClientConfig{URL: redisURL}); err != nil {
		s.Close()
		return nil, err
	}

	s.Queue = queue.New(s.Store, queue.Options{Notifier: s.Redis, Logger: s.logger})
	s.Meter = meter.New(s.Redis.Redis(), s.Store, meter.Options{Logger: s.logger, Now: s.Clock.Now})
	s.Sessions = session.NewController(s.Meter, s.Store, session.Options{
		Transport: session.NewRedisTransport(s.Redis),
		Queue:     s.Queue,
		Logger:    s.logger,
		Now:       s.Clock.Now,
	})
	pay := payments.NewService(ledger.New(s.Store, ledger.Options{Logger: s.logger}), s.signer, payments.Options{
		CreditSeconds: 100,
		Resumer:       s.Sessions,
		Logger:        s.logger,
	})
	events := session.NewEventsHandler(s.Redis, session.EventsConfig{
		Authorize: func(r *http.Request, key string) error {
			return s.Sessions.Authorize(r.Context(), key, api.UserFromContext(r.Context()))
		},
		Logger: s.logger,
	})
	s.server = api.NewServer(api.Options{
		Accounts: account.New(s.Store, account.Options{
			SignupBonusSeconds:     180,
			CommunityRefillSeconds: 900,
			Logger:                 s.logger,
		}),
		Tasks:     s.Queue,
		Sessions:  s.Sessions,
		Payments:  pay,
		Followups: s.Store,
		Events:    events,
		RateLimit: *opts.RateLimit,
		Checks: map[string]api.HealthCheck{
			"store": s.Store.Ping,
			"redis": s.Redis.Ping,
		},
		Logger: s.logger,
	})
	s.API = httptest.NewServer(s.server)
	return s, nil
}

// Close stops everything the stack started.
func (s *Stack) Close() {
	if s.API != nil {
		s.API.Close()
	}
	if s.server != nil {
		s.server.Close()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
	if s.mr != nil {
		s.mr.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
}

// Do sends a JSON request as user (empty for anonymous) and decodes the
// response into out when out is non-nil.
func (s *Stack) Do(ctx context.Context, method, path, user string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.API.URL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	resp, err := s.API.Client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// WebsocketURL returns the events endpoint URL for a session.
func (s *Stack) WebsocketURL(sessionKey string) string {
	return "ws" + strings.TrimPrefix(s.API.URL, "http") + "/api/session/events?session_key=" + sessionKey
}

// Sign returns a valid gateway signature for an order and payment.
func (s *Stack) Sign(orderID, paymentID string) string {
	return s.signer.Sign(orderID, paymentID)
}

// StartWorkers runs a pool of n workers until ctx is cancelled. The returned
// channel receives the pool's exit error. The follow-up handler is always
// registered; extra adds more.
func (s *Stack) StartWorkers(ctx context.Context, n int, extra ...worker.TaskHandler) (*worker.Pool, <-chan error, error) {
	wake, err := s.Redis.SubscribeTasks(ctx)
	if err != nil {
		return nil, nil, err
	}
	handlers := append([]worker.TaskHandler{jobs.NewFollowupHandler(s.generator, s.Store, s.Mail, s.logger)}, extra...)
	pool := worker.NewPool(s.Queue, handlers, worker.PoolConfig{
		Name:           "e2e",
		Concurrency:    n,
		WorkerIDPrefix: "e2e-" + uuid.New().String()[:8],
		MaxAttempts:    1,
		Wake:           wake,
		Runner: worker.RunnerConfig{
			PollInterval: 100 * time.Millisecond,
			PollJitter:   20 * time.Millisecond,
			Logger:       s.logger,
		},
	})
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	return pool, done, nil
}

// WaitForTask polls until the task reaches a terminal status or ctx ends.
func (s *Stack) WaitForTask(ctx context.Context, id string) (*store.Task, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, err := s.Queue.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status == store.TaskCompleted || t.Status == store.TaskFailed {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, fmt.Errorf("task %s still %s: %w", id, t.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
