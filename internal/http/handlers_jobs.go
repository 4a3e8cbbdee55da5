package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
	apperrors "github.com/fairlens/fairlens-worker/internal/errors"
)

// JobReader is the read-only slice of the job service the HTTP layer needs.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Stats(ctx context.Context) (*model.JobStats, error)
}

// JobHandlers serves job lookups for producers polling completion and for
// operators inspecting the queue.
type JobHandlers struct {
	Jobs   JobReader
	Logger *slog.Logger
}

// Get returns a single job by its external job id.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	job, err := h.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.Logger.ErrorContext(r.Context(), "get job failed", "job_id", jobID, "err", err)
		WriteError(w, http.StatusInternalServerError, "internal", "could not load job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// Stats returns counts of jobs in each state.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Jobs.Stats(r.Context())
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "job stats failed", "err", err)
		WriteError(w, http.StatusInternalServerError, "internal", "could not load job stats")
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}
