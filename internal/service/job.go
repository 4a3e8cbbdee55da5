// Package service provides the business logic between the worker runtime
// and the data layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairlens/fairlens-worker/internal/core"
	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo   core.JobRepository // Required: job repository
	Logger *slog.Logger       // Optional: structured logger
}

// JobService provides business logic for job operations: enqueueing,
// claiming, progress bookkeeping and terminal transitions.
type JobService struct {
	repo   core.JobRepository
	logger *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobService{
		repo:   opts.Repo,
		logger: logger.With("component", "job_service"),
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create enqueues a new job.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.DebugContext(ctx, "job created",
		"job_id", job.JobID,
		"type", job.Type,
		"status", job.Status,
	)

	return job, nil
}

// Claim atomically claims the oldest queued job. Returns
// model.ErrNoJobsAvailable when the queue is empty.
func (s *JobService) Claim(ctx context.Context) (*model.Job, error) {
	job, err := s.repo.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	s.logger.DebugContext(ctx, "job claimed",
		"job_id", job.JobID,
		"type", job.Type,
	)

	return job, nil
}

// Get retrieves a job by its external job id.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.repo.GetByJobID(ctx, jobID)
}

// Stats returns counts of jobs in each state.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	return s.repo.Stats(ctx)
}

// WaitForJob blocks until the store signals a newly enqueued job or the
// context is done.
func (s *JobService) WaitForJob(ctx context.Context) error {
	return s.repo.WaitForNotification(ctx)
}

// InitProgress records the total item count before a handler starts its loop.
func (s *JobService) InitProgress(ctx context.Context, id int64, totalPrompts int) error {
	return s.repo.InitProgress(ctx, id, totalPrompts)
}

// RecordProgress persists per-item progress. Progress failures are logged
// and swallowed so a transient store hiccup never aborts a running job.
func (s *JobService) RecordProgress(ctx context.Context, id int64, update model.ProgressUpdate) {
	if err := s.repo.UpdateProgress(ctx, id, update); err != nil {
		s.logger.WarnContext(ctx, "failed to record job progress",
			"id", id,
			"progress", update.Progress(),
			"err", err,
		)
	}
}

// Complete transitions a running job to completed with its report.
func (s *JobService) Complete(ctx context.Context, id int64, report *model.CompletionReport) error {
	ok, err := s.repo.Complete(ctx, id, report)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !ok {
		// The row left running status underneath us, most likely swept by
		// the reaper. The result is lost; record that loudly.
		s.logger.WarnContext(ctx, "job was no longer running at completion",
			"id", id,
		)
	}
	return nil
}

// Fail transitions a running job to failed with the given message.
func (s *JobService) Fail(ctx context.Context, id int64, errMsg string) error {
	ok, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if !ok {
		s.logger.WarnContext(ctx, "job was no longer running at failure",
			"id", id,
		)
	}
	return nil
}
