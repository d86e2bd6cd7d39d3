// Package common holds small cross-service helpers: the health probe server
// shared by every binary.
package common

import (
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness probes on a dedicated listener so
// orchestrators can probe services whose primary port is not HTTP.
type HealthServer struct {
	server *http.Server
}

// NewHealthServer starts the probe listener in the background. Liveness is
// always OK once the process is up; readiness follows the provided flag, which
// the service flips after its dependencies are wired.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() { _ = server.ListenAndServe() }()

	return &HealthServer{server: server}
}

// Server returns the underlying HTTP server, primarily for shutdown.
func (h *HealthServer) Server() *http.Server { return h.server }
