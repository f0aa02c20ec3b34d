package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus values reported on /health.
const (
	HealthStatusOK        = "ok"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version,omitempty"`
	Workers []RunnerHealth `json:"workers"`
}

// HealthServer exposes a worker pool's health over HTTP.
type HealthServer struct {
	pool       *Pool
	addr       string
	version    string
	httpServer *http.Server
}

// HealthServerConfig holds configuration for the health server.
type HealthServerConfig struct {
	Addr    string // listen address (default: ":8081")
	Version string
}

// NewHealthServer creates a health server for pool.
func NewHealthServer(cfg HealthServerConfig, pool *Pool) *HealthServer {
	if cfg.Addr == "" {
		cfg.Addr = ":8081"
	}
	return &HealthServer{pool: pool, addr: cfg.Addr, version: cfg.Version}
}

// Handler returns the HTTP handler serving /health.
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for HTTP requests.
// This method blocks until the context is cancelled.
func (s *HealthServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// handleHealth reports 200 while every runner is healthy and 503 otherwise.
// GET /health
func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	healthy, workers := s.pool.Health()
	resp := HealthResponse{
		Status:  HealthStatusOK,
		Version: s.version,
		Workers: workers,
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = HealthStatusUnhealthy
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
