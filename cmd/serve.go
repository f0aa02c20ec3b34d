// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aceteam-ai/talktime/internal/api"
	"github.com/aceteam-ai/talktime/internal/ledger/payments"
	"github.com/aceteam-ai/talktime/internal/meter"
	"github.com/aceteam-ai/talktime/internal/session"
)

var (
	serveAddr      string
	servePublicURL string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the session meter",
	Long: `Serves the talktime HTTP API. Metered session state lives in Redis and
balances in the configured database, so several instances can run behind a
load balancer. Each instance also sweeps sessions whose heartbeats stopped.`,
	Example: `  # Local development on SQLite
  talktime serve --debug

  # Production
  TALKTIME_DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://... talktime serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	defer st.Close()

	rc, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rc.Close()

	q := newQueue(st, rc)
	m := meter.New(rc.Redis(), st, meter.Options{
		Config: meterConfig(cfg.Meter),
		Logger: logger.Named("meter"),
	})
	ctrl := session.NewController(m, st, session.Options{
		Transport:     session.NewRedisTransport(rc),
		Queue:         q,
		SweepInterval: cfg.Meter.SweepInterval.D(),
		Logger:        logger.Named("session"),
	})
	pay := payments.NewService(newLedger(st), payments.NewHMACVerifier(cfg.Payments.Secret), payments.Options{
		CreditSeconds: cfg.Payments.CreditSeconds,
		Resumer:       ctrl,
		Logger:        logger.Named("payments"),
	})
	if cfg.Payments.Secret == "" {
		logger.Warn("no payment secret configured; every payment confirmation will be rejected")
	}

	events := session.NewEventsHandler(rc, session.EventsConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Authorize: func(r *http.Request, key string) error {
			return ctrl.Authorize(r.Context(), key, api.UserFromContext(r.Context()))
		},
		Logger: logger.Named("events"),
	})

	srv := api.NewServer(api.Options{
		Accounts:       newAccounts(st),
		Tasks:          q,
		Sessions:       ctrl,
		Payments:       pay,
		Followups:      st,
		Events:         events,
		PublicURL:      servePublicURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Checks: map[string]api.HealthCheck{
			"store": st.Ping,
			"redis": rc.Ping,
		},
		Logger: logger.Named("api"),
	})
	defer srv.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })
	g.Go(func() error { return ctrl.Run(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown complete")
		return nil
	}
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&servePublicURL, "public-url", getEnvOrDefault("TALKTIME_PUBLIC_URL", ""), "Base URL for links in follow-up emails")
}
