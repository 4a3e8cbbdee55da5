// Package httpx provides the worker's HTTP surface: health reporting and the
// wake endpoint that nudges the claim loop without waiting for the next poll.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/fairlens/fairlens-worker/internal/adapters/jobrunner"
)

// WorkerRuntime is the slice of the job runner the HTTP layer needs.
type WorkerRuntime interface {
	Health() jobrunner.HealthSnapshot
	Wake()
}

// RouterServices holds the collaborators needed by the HTTP router.
type RouterServices struct {
	// Runtime is nil when the worker mode is not enabled in this process;
	// health then reports a plain ok and wake is rejected.
	Runtime WorkerRuntime
	// Jobs enables the read-only job lookup routes when set.
	Jobs   JobReader
	Logger *slog.Logger
}

// NewRouter creates and configures the worker's HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	health := &HealthHandlers{Runtime: services.Runtime}
	wake := &WakeHandlers{Runtime: services.Runtime}

	mux.Handle("GET /healthz", http.HandlerFunc(health.Get))
	mux.Handle("HEAD /healthz", http.HandlerFunc(health.Get))
	mux.Handle("POST /wake", http.HandlerFunc(wake.Post))

	if services.Jobs != nil {
		jobs := &JobHandlers{Jobs: services.Jobs, Logger: logger}
		mux.Handle("GET /jobs/stats", http.HandlerFunc(jobs.Stats))
		mux.Handle("GET /jobs/{id}", http.HandlerFunc(jobs.Get))
	}

	return mux
}
