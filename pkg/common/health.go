package common

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/activityhub/event-processor/pkg/common/logger"
)

const defaultHealthPort = "8081"

// HealthServer serves the liveness and readiness endpoints probes point at.
// Liveness always reports ok while the process is up; readiness follows the
// provided flag so instances are only routable once their consumer is
// actually running.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer constructs a HealthServer bound to HEALTH_PORT (or the
// default) and starts serving in the background.
func NewHealthServer(log *logger.Logger, ready *atomic.Bool) *HealthServer {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = defaultHealthPort
	}

	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)

	hs.server = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The process can still do its job without probes; the
			// orchestrator will surface the failed probes instead.
			log.Error(context.Background(), "health server stopped", "error", err)
		}
	}()

	return hs
}

// Server exposes the underlying http.Server for shutdown.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !hs.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
