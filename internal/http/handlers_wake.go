package httpx

import (
	"net/http"
)

// WakeHandlers lets producers nudge the claim loop immediately after
// enqueueing a job instead of waiting out the poll backoff.
type WakeHandlers struct {
	Runtime WorkerRuntime
}

// Post signals the worker runtime and returns its current snapshot.
func (h *WakeHandlers) Post(w http.ResponseWriter, _ *http.Request) {
	if h.Runtime == nil {
		WriteError(w, http.StatusServiceUnavailable, "worker_disabled",
			"no worker runtime is attached to this process")
		return
	}

	h.Runtime.Wake()
	WriteJSON(w, http.StatusOK, h.Runtime.Health())
}
