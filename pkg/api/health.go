package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nimbusscm/rm/pkg/metrics"
	"github.com/nimbusscm/rm/pkg/replication"
)

// HealthServer provides HTTP health and readiness endpoints for a running
// replication Manager, plus the Prometheus /metrics scrape target.
type HealthServer struct {
	manager *replication.Manager
	mux     *http.ServeMux
	server  *http.Server
}

// NewHealthServer creates a new health check HTTP server. A nil manager is
// accepted so the endpoints can be exercised before the manager starts.
func NewHealthServer(mgr *replication.Manager) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		manager: mgr,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server. It blocks until the server
// stops (via Shutdown or a listener error); callers typically run it in
// its own goroutine.
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return hs.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server started by Start.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint, a liveness check that
// returns 200 as long as the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   "0.1.0",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint: ready means the manager
// was started and its monitor is actually reconciling, i.e. this SCM is
// leader-ready, out of safe mode, and past the post-safe-mode grace
// period.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.manager != nil {
		if hs.manager.IsRunning() {
			checks["manager"] = "running"
		} else {
			checks["manager"] = "stopped"
			ready = false
			message = "Replication manager not started"
		}

		if hs.manager.ShouldRun() {
			checks["reconciliation"] = "active"
		} else {
			checks["reconciliation"] = "paused"
			if ready {
				ready = false
				message = "Not leader-ready, in safe mode, or within the post-safe-mode grace period"
			}
		}
	} else {
		checks["manager"] = "not initialized"
		ready = false
		message = "Manager not initialized"
	}

	for name, state := range metrics.GetReadiness().Components {
		checks[name] = state
	}
	if metrics.GetReadiness().Status != "ready" {
		ready = false
		if message == "" {
			message = metrics.GetReadiness().Message
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
