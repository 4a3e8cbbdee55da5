package httpx

import (
	"net/http"
)

// HealthHandlers serves readiness/liveness checks with the worker snapshot.
type HealthHandlers struct {
	Runtime WorkerRuntime
}

// Get returns the worker health payload. When no worker runtime is attached
// (http-only mode) it degrades to a plain ok status.
func (h *HealthHandlers) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.Runtime == nil {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	WriteJSON(w, http.StatusOK, h.Runtime.Health())
}
