package status

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aceteam-ai/talktime/internal/queue"
	"github.com/aceteam-ai/talktime/internal/worker"
)

const gb = 1024 * 1024 * 1024

// PoolHealth reports runner health. *worker.Pool implements it.
type PoolHealth interface {
	Health() (bool, []worker.RunnerHealth)
}

// QueueStats reports queue depth. *queue.Queue implements it.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// CollectorConfig holds configuration for the status collector.
type CollectorConfig struct {
	// NodeID identifies this process (e.g., the pool's worker id prefix)
	NodeID string

	// BuildVersion is the talktime binary version
	BuildVersion string

	// Pool is optional; without it the process reports HealthOK
	Pool PoolHealth

	// Queue is optional; without it no queue stats are reported
	Queue QueueStats

	// SkipSystem disables host metrics
	SkipSystem bool

	Now func() time.Time
}

// Collector gathers status metrics from the pool, the queue and the host.
type Collector struct {
	cfg       CollectorConfig
	hostname  string
	os        string
	startTime time.Time
}

// NewCollector creates a new status collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Collector{cfg: cfg, startTime: cfg.Now()}
	if info, err := host.Info(); err == nil {
		c.hostname = info.Hostname
		c.os = info.Platform + " " + info.PlatformVersion
	} else {
		c.hostname, _ = os.Hostname()
	}
	return c
}

// NodeID returns the configured node id.
func (c *Collector) NodeID() string {
	return c.cfg.NodeID
}

// Collect gathers all status metrics. Individual metric failures leave
// their fields zero.
func (c *Collector) Collect(ctx context.Context) *WorkerStatus {
	now := c.cfg.Now()
	st := &WorkerStatus{
		Version:   StatusVersion,
		Timestamp: now.UTC(),
		Node: NodeInfo{
			ID:            c.cfg.NodeID,
			BuildVersion:  c.cfg.BuildVersion,
			Hostname:      c.hostname,
			OS:            c.os,
			PID:           os.Getpid(),
			UptimeSeconds: int64(now.Sub(c.startTime).Seconds()),
		},
		Health: HealthOK,
	}

	if c.cfg.Pool != nil {
		healthy, workers := c.cfg.Pool.Health()
		st.Workers = workers
		st.Health = poolHealth(healthy, workers)
	}

	if c.cfg.Queue != nil {
		if stats, err := c.cfg.Queue.Stats(ctx); err == nil {
			st.Queue = &stats
		} else if st.Health == HealthOK {
			st.Health = HealthDegraded
		}
	}

	if !c.cfg.SkipSystem {
		st.System = collectSystemMetrics(ctx)
	}
	return st
}

// poolHealth is unhealthy when no runner is healthy and degraded when only
// some are.
func poolHealth(healthy bool, workers []worker.RunnerHealth) string {
	if healthy {
		return HealthOK
	}
	for _, w := range workers {
		if w.Healthy {
			return HealthDegraded
		}
	}
	return HealthUnhealthy
}

// collectSystemMetrics gathers CPU, load, memory, and disk utilization.
func collectSystemMetrics(ctx context.Context) SystemMetrics {
	var metrics SystemMetrics

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemoryUsedGB = float64(v.Used) / gb
		metrics.MemoryTotalGB = float64(v.Total) / gb
		metrics.MemoryPercent = v.UsedPercent
	}

	if percentages, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		metrics.CPUPercent = percentages[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		metrics.Load1 = avg.Load1
	}

	if d, err := disk.UsageWithContext(ctx, "/"); err == nil {
		metrics.DiskUsedGB = float64(d.Used) / gb
		metrics.DiskTotalGB = float64(d.Total) / gb
		metrics.DiskPercent = d.UsedPercent
	}

	return metrics
}
