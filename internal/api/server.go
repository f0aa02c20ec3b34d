// Package api is talktime's HTTP surface: accounts, tasks, metered sessions
// and payment confirmations.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/config"
	"github.com/aceteam-ai/talktime/internal/ledger/payments"
	"github.com/aceteam-ai/talktime/internal/meter"
	"github.com/aceteam-ai/talktime/internal/session"
	"github.com/aceteam-ai/talktime/internal/store"
)

// Accounts is the user-facing account service.
type Accounts interface {
	Signup(ctx context.Context, email string) (*store.User, bool, error)
	Login(ctx context.Context, email string) (*store.User, error)
	Talktime(ctx context.Context, email string) (*store.User, error)
}

// Tasks is the task queue.
type Tasks interface {
	Submit(ctx context.Context, kind string, payload map[string]any) (string, error)
	Get(ctx context.Context, id string) (*store.Task, error)
}

// Sessions is the session controller.
type Sessions interface {
	Start(ctx context.Context, email string) (session.StartResult, error)
	Authorize(ctx context.Context, sessionKey, email string) error
	Heartbeat(ctx context.Context, sessionKey string, elapsedSeconds float64) (meter.HeartbeatResult, error)
	End(ctx context.Context, sessionKey, reason string) (meter.EndResult, error)
	EnqueueFollowup(ctx context.Context, f session.Followup) (string, error)
}

// Payments confirms gateway payments.
type Payments interface {
	Confirm(ctx context.Context, c payments.Confirmation) (payments.Result, error)
}

// Followups reads saved session summaries. store.FollowupStore implements
// it.
type Followups interface {
	GetFollowup(ctx context.Context, sessionKey string) (*store.Followup, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures a Server. Accounts, Tasks, Sessions and Payments are
// required.
type Options struct {
	Accounts Accounts
	Tasks    Tasks
	Sessions Sessions
	Payments Payments

	// Followups serves the links in follow-up emails. Optional.
	Followups Followups

	// Events serves the session signal websocket. Optional.
	Events http.Handler

	// Identity resolves the calling user. Defaults to HeaderIdentity.
	Identity IdentityResolver

	// PublicURL is the base of links in follow-up emails. Defaults to the
	// request's scheme and host.
	PublicURL string

	AllowedOrigins []string
	RateLimit      config.RateLimitConfig
	Checks         map[string]HealthCheck
	Logger         *zap.Logger
}

// Server routes and serves API requests.
type Server struct {
	opts   Options
	router chi.Router
	logger *zap.Logger

	heartbeatLimit *RateLimiter
	paymentLimit   *RateLimiter
	defaultLimit   *RateLimiter
}

// NewServer builds the router. Call Close to stop the rate limiters.
func NewServer(opts Options) *Server {
	if opts.Identity == nil {
		opts.Identity = HeaderIdentity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	rl := opts.RateLimit
	if rl.Default.PerSecond <= 0 {
		rl = config.Default().RateLimit
	}

	s := &Server{
		opts:           opts,
		logger:         opts.Logger,
		heartbeatLimit: NewRateLimiter(rl.Heartbeat.PerSecond, rl.Heartbeat.Burst),
		paymentLimit:   NewRateLimiter(rl.Payment.PerSecond, rl.Payment.Burst),
		defaultLimit:   NewRateLimiter(rl.Default.PerSecond, rl.Default.Burst),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.defaultLimit.Middleware(clientAddr))
			r.Post("/users/signup", s.signup)
			r.Post("/users/login", s.login)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)

			r.With(s.defaultLimit.Middleware(userKey)).Group(func(r chi.Router) {
				r.Get("/users/me/talktime", s.talktime)
				r.Post("/tasks", s.submitTask)
				r.Get("/tasks/{id}", s.getTask)
				r.Post("/session/start", s.startSession)
				r.Post("/session/end", s.endSession)
				if s.opts.Followups != nil {
					r.Get("/sessions/{key}/followup", s.getFollowup)
				}
				if s.opts.Events != nil {
					r.Get("/session/events", s.opts.Events.ServeHTTP)
				}
			})
			r.With(s.heartbeatLimit.Middleware(userKey)).Post("/session/heartbeat", s.heartbeat)
			r.With(s.paymentLimit.Middleware(userKey)).Post("/payments/confirm", s.confirmPayment)
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background rate-limiter cleanup.
func (s *Server) Close() {
	s.heartbeatLimit.Stop()
	s.paymentLimit.Stop()
	s.defaultLimit.Stop()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func zapRequest(r *http.Request, err error) []zap.Field {
	return []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userKey(r *http.Request) string {
	return userFrom(r.Context())
}

// publicURL is the base for links sent to users.
func (s *Server) publicURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return strings.TrimRight(s.opts.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
