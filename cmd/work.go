// cmd/work.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aceteam-ai/talktime/internal/heartbeat"
	"github.com/aceteam-ai/talktime/internal/jobs"
	"github.com/aceteam-ai/talktime/internal/mail"
	redisclient "github.com/aceteam-ai/talktime/internal/redis"
	"github.com/aceteam-ai/talktime/internal/status"
	"github.com/aceteam-ai/talktime/internal/worker"
)

var (
	workConcurrency int
	workNoRedis     bool
	workNoReaper    bool
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a pool of task workers",
	Long: `Claims tasks from the shared queue and runs their handlers. Any number of
work processes may run against the same database; each task is claimed by
exactly one of them.

Idle workers poll the database. When Redis is reachable they also wake as
soon as a task is submitted. The same process reaps tasks stuck in
processing, reconciles uncredited payments, serves /health and publishes
its status to Redis for 'talktime workers'.`,
	Example: `  # Four concurrent workers
  talktime work --concurrency 4

  # Polling only, no Redis
  talktime work --no-redis`,
	RunE: runWork,
}

func runWork(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if workConcurrency > 0 {
		cfg.Worker.Concurrency = workConcurrency
	}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	defer st.Close()

	var (
		wake <-chan struct{}
		rc   *redisclient.Client
	)
	q := newQueue(st, nil)
	if !workNoRedis {
		if rc, err = connectRedis(ctx, cfg.Redis); err != nil {
			// Polling still finds every task.
			logger.Warn("redis unavailable, falling back to polling", zap.Error(err))
		} else {
			defer rc.Close()
			if wake, err = rc.SubscribeTasks(ctx); err != nil {
				logger.Warn("task notifications unavailable", zap.Error(err))
			}
			q = newQueue(st, rc)
		}
	}

	handlers, err := buildHandlers(ctx, st)
	if err != nil {
		return err
	}

	workerLog := logger.Named("worker")
	nodeID := "talktime-" + uuid.New().String()[:8]
	pool := worker.NewPool(q, handlers, worker.PoolConfig{
		Name:           cfg.Database.Driver,
		Concurrency:    cfg.Worker.Concurrency,
		WorkerIDPrefix: nodeID,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		Wake:           wake,
		Runner: worker.RunnerConfig{
			PollInterval:   cfg.Worker.PollInterval.D(),
			PollJitter:     cfg.Worker.PollJitter.D(),
			HandlerTimeout: cfg.Worker.HandlerTimeout.D(),
			UnhealthyAfter: cfg.Worker.UnhealthyAfter,
			Logger:         workerLog,
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		return worker.NewHealthServer(worker.HealthServerConfig{Addr: cfg.Worker.HealthAddr, Version: Version}, pool).Start(gctx)
	})
	if !workNoReaper {
		reaper := worker.NewReaper(worker.ReaperConfig{
			Queue:          q,
			Ledger:         newLedger(st),
			Interval:       cfg.Worker.ReapInterval.D(),
			Threshold:      cfg.Worker.ReapThreshold.D(),
			ReconcileAfter: cfg.Worker.ReconcileAfter.D(),
			Logger:         logger.Named("reaper"),
		})
		g.Go(func() error { return reaper.Start(gctx) })
	}
	if rc != nil {
		collector := status.NewCollector(status.CollectorConfig{
			NodeID:       nodeID,
			BuildVersion: Version,
			Pool:         pool,
			Queue:        q,
		})
		pub, err := heartbeat.NewPublisher(rc.Redis(), collector, heartbeat.PublisherConfig{
			Interval: cfg.Worker.StatusInterval.D(),
			Logger:   logger.Named("heartbeat"),
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return pub.Start(gctx) })
	}

	workerLog.Info("workers started",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_attempts", cfg.Worker.MaxAttempts),
		zap.String("node_id", nodeID),
		zap.Bool("push_wake", wake != nil),
		zap.String("health_addr", cfg.Worker.HealthAddr))

	err = g.Wait()
	if ctx.Err() != nil {
		workerLog.Info("worker shutdown complete")
		return nil
	}
	return err
}

// buildHandlers wires the task handlers available in this process.
func buildHandlers(ctx context.Context, saver jobs.FollowupSaver) ([]worker.TaskHandler, error) {
	var sender mail.Sender
	if cfg.Mail.From != "" {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Mail.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Mail.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		if sender, err = mail.NewSESSender(awsCfg, cfg.Mail.From); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("SES_FROM_EMAIL not set; follow-up emails are logged, not sent")
		sender = mail.NewLogSender(logger.Named("mail"))
	}

	var handlers []worker.TaskHandler
	if cfg.Generator.URL != "" {
		gen := &jobs.HTTPGenerator{
			URL:     cfg.Generator.URL,
			APIKey:  cfg.Generator.APIKey,
			Timeout: cfg.Generator.Timeout.D(),
		}
		handlers = append(handlers, jobs.NewFollowupHandler(gen, saver, sender, logger.Named("followup")))
	} else {
		logger.Warn("generator url not set; session_followup tasks will fail as unhandled")
	}
	return handlers, nil
}

func init() {
	rootCmd.AddCommand(workCmd)
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "Number of concurrent workers (overrides worker.concurrency)")
	workCmd.Flags().BoolVar(&workNoRedis, "no-redis", false, "Do not subscribe to task notifications; poll only")
	workCmd.Flags().BoolVar(&workNoReaper, "no-reaper", false, "Do not run the stuck-task reaper in this process")
}
