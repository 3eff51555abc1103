package model

import "time"

// WorkerStatus represents the lifecycle state of a pool worker
type WorkerStatus string

const (
	WorkerStatusActive       WorkerStatus = "active"
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusBusy         WorkerStatus = "busy"
	WorkerStatusUnresponsive WorkerStatus = "unresponsive"
	WorkerStatusFailed       WorkerStatus = "failed"
	WorkerStatusTerminating  WorkerStatus = "terminating"
)

// WorkerHealth is the monitor's record for one worker. Mutated only by the
// health monitor loop; accessors hand out copies.
type WorkerHealth struct {
	WorkerID      string
	IsHealthy     bool
	Status        WorkerStatus
	LastHeartbeat time.Time
	TaskCount     int64
	MemoryUsage   int64
	ErrorCount    int64
	ResponseTime  time.Duration
	MissedBeats   int
	StartedAt     time.Time
}

// SystemHealthMetrics aggregates worker health for the whole pool
type SystemHealthMetrics struct {
	TotalWorkers        int
	HealthyWorkers      int
	UnhealthyWorkers    int
	AverageResponseTime time.Duration
	TotalErrors         int64
	TotalTasks          int64
	Replacements        int64
	OverCeilingWorkers  int
}
