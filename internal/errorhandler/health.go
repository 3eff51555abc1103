package errorhandler

import "time"

// HealthState summarizes the handler's recent error activity
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is a best-effort snapshot; reading it never fails
type HealthStatus struct {
	State            HealthState
	TotalErrors      uint64
	TotalRetries     uint64
	Recovered        uint64
	Exhausted        uint64
	RecoveryRate     float64 // recovered / (recovered + exhausted), 1 when idle
	RecentErrors     int     // errors within RecentErrorSpan
	ErrorsByCategory map[Category]uint64
	Recommendations  []string
}

// HealthStatus derives the current state from recent error counts and
// the recovery rate, with recommendations for the dominant categories.
func (h *Handler) HealthStatus() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		TotalErrors:      h.totalErrors,
		TotalRetries:     h.totalRetries,
		Recovered:        h.recovered,
		Exhausted:        h.exhausted,
		ErrorsByCategory: make(map[Category]uint64, len(h.byCategory)),
	}
	for cat, n := range h.byCategory {
		status.ErrorsByCategory[cat] = n
	}

	cutoff := time.Now().Add(-h.config.RecentErrorSpan)
	for _, rec := range h.recent {
		if rec.At.After(cutoff) {
			status.RecentErrors++
		}
	}

	sequences := h.recovered + h.exhausted
	status.RecoveryRate = 1.0
	if sequences > 0 {
		status.RecoveryRate = float64(h.recovered) / float64(sequences)
	}

	switch {
	case status.RecentErrors >= h.config.UnhealthyErrors,
		sequences >= 4 && status.RecoveryRate < 0.25:
		status.State = HealthUnhealthy
	case status.RecentErrors >= h.config.DegradedErrors,
		sequences >= 4 && status.RecoveryRate < 0.75:
		status.State = HealthDegraded
	default:
		status.State = HealthHealthy
	}

	if status.State != HealthHealthy {
		status.Recommendations = h.recommendations(status)
	}
	return status
}

func (h *Handler) recommendations(status HealthStatus) []string {
	var recs []string
	add := func(cat Category, text string) {
		if status.ErrorsByCategory[cat] > 0 {
			recs = append(recs, text)
		}
	}
	add(CategoryMemory, "memory errors seen; reduce chunk sizes or raise the memory limit")
	add(CategoryWorker, "worker failures seen; lower concurrency or inspect task payloads")
	add(CategoryFilesystem, "filesystem errors seen; check disk space and permissions")
	add(CategoryNetwork, "network errors seen; check connectivity to upstream services")
	add(CategoryTimeout, "timeouts seen; raise per-call timeouts or shrink work units")
	add(CategoryCircuitOpen, "circuit breakers are rejecting calls; wait for reset or force-close")
	add(CategoryValidation, "validation errors seen; fix caller inputs, retries will not help")

	if status.Recovered+status.Exhausted >= 4 && status.RecoveryRate < 0.5 {
		recs = append(recs, "retries rarely succeed; investigate the root cause")
	}
	return recs
}
