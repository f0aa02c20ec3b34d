// Package status collects a worker process's health, queue depth and host
// metrics.
//
// A WorkerStatus is the payload the heartbeat publisher sends to Redis and
// that `talktime workers` reads back.
package status

import (
	"time"

	"github.com/aceteam-ai/talktime/internal/queue"
	"github.com/aceteam-ai/talktime/internal/worker"
)

// WorkerStatus is the complete status of one worker process.
type WorkerStatus struct {
	Version   string                `json:"version"`
	Timestamp time.Time             `json:"timestamp"`
	Node      NodeInfo              `json:"node"`
	System    SystemMetrics         `json:"system"`
	Health    string                `json:"health"`
	Workers   []worker.RunnerHealth `json:"workers,omitempty"`
	Queue     *queue.Stats          `json:"queue,omitempty"`
}

// NodeInfo identifies the process.
type NodeInfo struct {
	ID            string `json:"id"`
	BuildVersion  string `json:"build_version,omitempty"`
	Hostname      string `json:"hostname"`
	OS            string `json:"os,omitempty"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SystemMetrics contains host resource utilization.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	Load1         float64 `json:"load_1"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Health values.
const (
	HealthOK        = "ok"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// StatusVersion is the current version of the status payload format.
const StatusVersion = "1.0"
