package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairlens/fairlens-worker/internal/core"
	"github.com/fairlens/fairlens-worker/internal/domain/model"
	"github.com/fairlens/fairlens-worker/internal/domain/probe"
)

// ManualHandlerOptions groups dependencies for ManualHandler.
type ManualHandlerOptions struct {
	Jobs      JobStore       // Required: progress bookkeeping
	Evaluator core.Evaluator // Required: scoring collaborator
	Logger    *slog.Logger   // Optional: structured logger
}

// ManualHandler scores pre-supplied prompt/response pairs. No external model
// API is involved, so there is no rate gate and no request templating.
type ManualHandler struct {
	jobs      JobStore
	evaluator core.Evaluator
	logger    *slog.Logger
}

// NewManualHandler constructs a new ManualHandler.
func NewManualHandler(opts ManualHandlerOptions) (*ManualHandler, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Evaluator == nil {
		return nil, errors.New("Evaluator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ManualHandler{
		jobs:      opts.Jobs,
		evaluator: opts.Evaluator,
		logger:    logger.With("handler", "manual_prompt_test"),
	}, nil
}

// Handle runs one manual prompt test job to its completion report.
func (h *ManualHandler) Handle(ctx context.Context, job *model.Job, payload *model.JobPayload) (*model.CompletionReport, error) {
	cfg := payload.Manual
	if cfg == nil {
		return nil, errors.New("manual payload is missing")
	}

	tests := cfg.Tests
	if len(tests) == 0 {
		return emptyReport(), nil
	}

	if err := h.jobs.InitProgress(ctx, job.ID, len(tests)); err != nil {
		return nil, fmt.Errorf("initialize progress: %w", err)
	}

	results := make([]model.JobResult, 0, len(tests))
	itemErrors := make([]model.JobError, 0)

	for i, test := range tests {
		evaluation, err := h.evaluator.Evaluate(ctx, model.EvaluationRequest{
			ProjectID:    job.ProjectID,
			UserID:       job.UserID,
			Category:     test.Category,
			QuestionText: test.Prompt,
			UserResponse: test.Response,
		})
		if err != nil {
			h.logger.WarnContext(ctx, "test evaluation failed",
				"job_id", job.JobID,
				"category", test.Category,
				"err", err,
			)
			itemErrors = append(itemErrors, model.JobError{
				Category: test.Category,
				Prompt:   test.Prompt,
				Error:    err.Error(),
			})
		} else {
			results = append(results, model.JobResult{
				Category:   test.Category,
				Prompt:     test.Prompt,
				Success:    true,
				Message:    successMessage(evaluation),
				Evaluation: evaluation,
			})
		}

		completed := i + 1
		h.jobs.RecordProgress(ctx, job.ID, model.ProgressUpdate{
			Completed:           completed,
			Total:               len(tests),
			Percent:             probe.ProgressPercent(completed, len(tests)),
			LastProcessedPrompt: test.Prompt,
		})
	}

	return &model.CompletionReport{
		Summary: probe.BuildSummary(len(tests), results, itemErrors),
		Results: results,
		Errors:  itemErrors,
	}, nil
}
