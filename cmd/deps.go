// cmd/deps.go
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/account"
	"github.com/aceteam-ai/talktime/internal/config"
	"github.com/aceteam-ai/talktime/internal/ledger"
	"github.com/aceteam-ai/talktime/internal/meter"
	"github.com/aceteam-ai/talktime/internal/queue"
	redisclient "github.com/aceteam-ai/talktime/internal/redis"
	"github.com/aceteam-ai/talktime/internal/store"
	"github.com/aceteam-ai/talktime/internal/store/postgres"
	"github.com/aceteam-ai/talktime/internal/store/sqlite"
)

// openStore opens the configured database backend.
func openStore(ctx context.Context, c config.DatabaseConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		return sqlite.Open(c.DSN)
	case "postgres":
		return postgres.Open(ctx, c.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownDriver, c.Driver)
	}
}

// connectRedis connects the shared Redis client.
func connectRedis(ctx context.Context, c config.RedisConfig) (*redisclient.Client, error) {
	client := redisclient.NewClient()
	if err := client.Connect(ctx, redisclient.ClientConfig{URL: c.URL, Password: c.Password}); err != nil {
		return nil, err
	}
	logger.Info("connected to Redis", zap.String("url", redisclient.MaskURL(c.URL)), zap.String("client_id", client.ClientID()))
	return client, nil
}

// newQueue builds the task queue. notifier may be nil.
func newQueue(s store.TaskStore, notifier queue.Notifier) *queue.Queue {
	return queue.New(s, queue.Options{Notifier: notifier, Logger: logger.Named("queue")})
}

func newLedger(s store.LedgerStore) *ledger.Ledger {
	return ledger.New(s, ledger.Options{Logger: logger.Named("ledger")})
}

func newAccounts(s store.UserStore) *account.Service {
	return account.New(s, account.Options{
		SignupBonusSeconds:     cfg.Billing.SignupBonusSeconds,
		CommunityRefillSeconds: cfg.Billing.CommunityRefillSeconds,
		CommunityRefillEvery:   cfg.Billing.CommunityRefillEvery.D(),
		Logger:                 logger.Named("account"),
	})
}

func meterConfig(c config.MeterConfig) meter.Config {
	mc := meter.DefaultConfig()
	mc.MaxElapsed = c.MaxHeartbeatElapsed.D()
	mc.FlushThreshold = c.FlushThreshold.D()
	mc.FlushInterval = c.FlushInterval.D()
	mc.HeartbeatTimeout = c.HeartbeatTimeout.D()
	mc.Lease = c.SessionLease.D()
	return mc
}
