// Package server exposes the engine's operational surface over HTTP:
// Prometheus metrics, health and readiness probes, and a full system
// snapshot for debugging.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/config"
	"github.com/Mrassimo/datapilot-sub015/internal/engine"
	"github.com/Mrassimo/datapilot-sub015/internal/errorhandler"
)

// OpsServer serves metrics and health endpoints for one engine
type OpsServer struct {
	httpServer *http.Server
	engine     *engine.Engine
	logger     *zap.Logger
	stopChan   chan struct{}
}

// New creates an ops server bound to the engine's metrics registry
func New(cfg config.MetricsConfig, eng *engine.Engine, logger *zap.Logger) *OpsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &OpsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine:   eng,
		logger:   logger.Named("ops"),
		stopChan: make(chan struct{}),
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.HandlerFor(eng.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/snapshot", s.snapshotHandler)

	return s
}

// Start starts the HTTP listener and the system metrics collector
func (s *OpsServer) Start() error {
	s.logger.Info("starting ops server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the ops server
func (s *OpsServer) Stop() error {
	s.logger.Info("stopping ops server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}

	return nil
}

// healthHandler reports the engine's error-handler state and breaker
// health. Unhealthy returns 503 so orchestrators can restart the
// process.
func (s *OpsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.SystemSnapshot()

	code := http.StatusOK
	if snap.Errors.State == errorhandler.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"engine_id":%q,"open_breakers":%d,"recent_errors":%d,"memory_pressure":%.3f,"timestamp":%q}`,
		snap.Errors.State, snap.EngineID, snap.BreakerHealth.Open, snap.Errors.RecentErrors,
		snap.Memory.Pressure, time.Now().Format(time.RFC3339))
}

// readyHandler reports whether the engine can take new work: workers
// alive, queue not saturated, and memory pressure below critical.
func (s *OpsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.SystemSnapshot()
	w.Header().Set("Content-Type", "application/json")

	if snap.Pool.WorkerCount == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","reason":"no_workers"}`)
		return
	}
	if snap.Pool.QueuedTasks >= snap.Pool.QueueSize {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","reason":"queue_full","queued":%d}`, snap.Pool.QueuedTasks)
		return
	}
	if snap.Memory.Pressure > 0.95 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","reason":"memory_pressure","pressure":%.3f}`, snap.Memory.Pressure)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","timestamp":%q,"workers":%d,"queued":%d}`,
		time.Now().Format(time.RFC3339), snap.Pool.WorkerCount, snap.Pool.QueuedTasks)
}

// snapshotHandler dumps the full cross-component snapshot as JSON
func (s *OpsServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.SystemSnapshot()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		s.logger.Error("snapshot encode failed", zap.Error(err))
	}
}

// collectSystemMetrics periodically publishes process-level gauges
func (s *OpsServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *OpsServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.engine.Metrics().UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine(), memStats.NumGC)
}
