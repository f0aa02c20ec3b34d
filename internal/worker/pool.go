package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Name labels the source in logs (e.g., the store driver)
	Name string

	// Concurrency is the number of runners (default: 1)
	Concurrency int

	// WorkerIDPrefix prefixes each runner's worker id
	// (default: "worker-<random>")
	WorkerIDPrefix string

	// MaxAttempts is the retry policy: 1 means a failed task is never
	// re-queued automatically
	MaxAttempts int

	// Wake, when set, is fanned out to every runner
	Wake <-chan struct{}

	// Runner is the template for each runner's configuration. WorkerID and
	// Wake are filled in per runner.
	Runner RunnerConfig
}

// Pool runs several runners sharing one set of handlers.
type Pool struct {
	runners []*Runner
	wakes   []chan struct{}
	wake    <-chan struct{}
}

// NewPool creates the runners. Each claims under its own worker id.
func NewPool(q Claimer, handlers []TaskHandler, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.WorkerIDPrefix == "" {
		cfg.WorkerIDPrefix = "worker-" + uuid.New().String()[:8]
	}
	if cfg.Name == "" {
		cfg.Name = "queue"
	}

	p := &Pool{wake: cfg.Wake}
	for i := 0; i < cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", cfg.WorkerIDPrefix, i)
		rc := cfg.Runner
		rc.WorkerID = workerID
		if cfg.Wake != nil {
			ch := make(chan struct{}, 1)
			p.wakes = append(p.wakes, ch)
			rc.Wake = ch
		}
		source := NewQueueSource(cfg.Name, q, workerID, cfg.MaxAttempts)
		p.runners = append(p.runners, NewRunner(source, handlers, rc))
	}
	return p
}

// Run blocks until ctx is cancelled and every runner has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if p.wake != nil {
		g.Go(func() error {
			p.fanOut(ctx)
			return nil
		})
	}
	for _, r := range p.runners {
		r := r
		g.Go(func() error {
			return r.Run(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-p.wake:
			if !ok {
				return
			}
			for _, ch := range p.wakes {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Runners returns the pool's runners.
func (p *Pool) Runners() []*Runner {
	return p.runners
}

// Health returns each runner's health and whether all of them are healthy.
func (p *Pool) Health() (bool, []RunnerHealth) {
	healthy := true
	out := make([]RunnerHealth, 0, len(p.runners))
	for _, r := range p.runners {
		h := r.Health()
		if !h.Healthy {
			healthy = false
		}
		out = append(out, h)
	}
	return healthy, out
}
