// Package heartbeat publishes worker presence and status to Redis.
//
// Every interval a worker process:
//
//	SET     talktime:workers:status:<id>  (JSON, TTL 3 intervals)
//	ZADD    talktime:workers              <unix seconds> <id>
//	PUBLISH talktime:workers:status       (JSON, for live dashboards)
//	XADD    talktime:workers:stream       (capped history)
//
// ListWorkers reads the registry back for the operator CLI.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/status"
)

// Redis keys.
const (
	RegistryKey     = "talktime:workers"
	StatusKeyPrefix = "talktime:workers:status:"
	StatusChannel   = "talktime:workers:status"
	StreamName      = "talktime:workers:stream"
)

// nodeIDPattern keeps node ids safe to embed in key names.
var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ErrInvalidNodeID is returned for ids that do not match nodeIDPattern.
var ErrInvalidNodeID = errors.New("invalid node ID: must be 1-64 alphanumeric characters, hyphens, underscores, or dots")

// Collector produces the status to publish. *status.Collector implements it.
type Collector interface {
	NodeID() string
	Collect(ctx context.Context) *status.WorkerStatus
}

// StatusMessage is the payload published to Redis.
type StatusMessage struct {
	Version   string               `json:"version"`
	Timestamp string               `json:"timestamp"`
	NodeID    string               `json:"node_id"`
	Status    *status.WorkerStatus `json:"status"`
}

// PublisherConfig holds configuration for the Redis status publisher.
type PublisherConfig struct {
	// Interval is the time between status publishes (default: 30s)
	Interval time.Duration

	// StreamMaxLen caps the history stream (default: 10000, approximate)
	StreamMaxLen int64

	Logger *zap.Logger
	Now    func() time.Time
}

// Publisher publishes one process's status periodically.
type Publisher struct {
	rdb       redis.UniversalClient
	collector Collector
	nodeID    string
	interval  time.Duration
	maxLen    int64
	logger    *zap.Logger
	now       func() time.Time
}

// NewPublisher creates a publisher for the collector's node id.
func NewPublisher(rdb redis.UniversalClient, collector Collector, cfg PublisherConfig) (*Publisher, error) {
	if !nodeIDPattern.MatchString(collector.NodeID()) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNodeID, collector.NodeID())
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Publisher{
		rdb:       rdb,
		collector: collector,
		nodeID:    collector.NodeID(),
		interval:  cfg.Interval,
		maxLen:    cfg.StreamMaxLen,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// TTL is how long a published status stays visible without a refresh.
func (p *Publisher) TTL() time.Duration {
	return 3 * p.interval
}

// Start publishes immediately and then every interval until ctx is
// cancelled. The node is deregistered on the way out.
func (p *Publisher) Start(ctx context.Context) error {
	p.logger.Info("status publisher started",
		zap.String("node_id", p.nodeID),
		zap.Duration("interval", p.interval))

	if err := p.PublishOnce(ctx); err != nil {
		p.logger.Warn("initial status publish failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := p.Deregister(dctx); err != nil {
				p.logger.Warn("failed to deregister worker", zap.Error(err))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil {
				p.logger.Warn("status publish failed", zap.Error(err))
			}
		}
	}
}

// PublishOnce collects and publishes a single status update.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	st := p.collector.Collect(ctx)
	now := p.now().UTC()
	msg := StatusMessage{
		Version:   status.StatusVersion,
		Timestamp: now.Format(time.RFC3339),
		NodeID:    p.nodeID,
		Status:    st,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, StatusKeyPrefix+p.nodeID, data, p.TTL())
	pipe.ZAdd(ctx, RegistryKey, redis.Z{Score: float64(now.Unix()), Member: p.nodeID})
	pipe.Publish(ctx, StatusChannel, data)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]any{
			"node_id":   p.nodeID,
			"timestamp": msg.Timestamp,
			"health":    st.Health,
			"payload":   string(data),
		},
		MaxLen: p.maxLen,
		Approx: true,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	p.logger.Debug("status published", zap.String("node_id", p.nodeID), zap.String("health", st.Health))
	return nil
}

// Deregister removes this node from the registry.
func (p *Publisher) Deregister(ctx context.Context) error {
	pipe := p.rdb.TxPipeline()
	pipe.ZRem(ctx, RegistryKey, p.nodeID)
	pipe.Del(ctx, StatusKeyPrefix+p.nodeID)
	_, err := pipe.Exec(ctx)
	return err
}

// NodeID returns the published node id.
func (p *Publisher) NodeID() string {
	return p.nodeID
}

// ListWorkers returns the status of every worker seen within maxAge, sorted
// by node id. Registry entries older than maxAge are pruned.
func ListWorkers(ctx context.Context, rdb redis.UniversalClient, maxAge time.Duration, now time.Time) ([]*StatusMessage, error) {
	cutoff := strconv.FormatInt(now.Add(-maxAge).Unix(), 10)
	if err := rdb.ZRemRangeByScore(ctx, RegistryKey, "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune worker registry: %w", err)
	}
	ids, err := rdb.ZRange(ctx, RegistryKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker registry: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = StatusKeyPrefix + id
	}
	vals, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker status: %w", err)
	}

	out := make([]*StatusMessage, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Registered but the status key expired.
			continue
		}
		var msg StatusMessage
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			return nil, fmt.Errorf("corrupt status for %s: %w", ids[i], err)
		}
		out = append(out, &msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}
