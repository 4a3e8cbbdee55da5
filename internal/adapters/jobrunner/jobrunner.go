// Package jobrunner provides the worker runtime: a bounded-concurrency loop
// that claims jobs, dispatches them to type-specific handlers, and drains
// in-flight work on shutdown.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fairlens/fairlens-worker/internal/core"
	"github.com/fairlens/fairlens-worker/internal/domain/model"
	"github.com/fairlens/fairlens-worker/internal/domain/probe"
	apperrors "github.com/fairlens/fairlens-worker/internal/errors"
)

// HandlerFunc processes one claimed job and returns its completion report.
// A returned error is a job-level failure.
type HandlerFunc func(ctx context.Context, job *model.Job, payload *model.JobPayload) (*model.CompletionReport, error)

// JobStore is the slice of the job service the runtime and handlers need.
type JobStore interface {
	Claim(ctx context.Context) (*model.Job, error)
	WaitForJob(ctx context.Context) error
	InitProgress(ctx context.Context, id int64, totalPrompts int) error
	RecordProgress(ctx context.Context, id int64, update model.ProgressUpdate)
	Complete(ctx context.Context, id int64, report *model.CompletionReport) error
	Fail(ctx context.Context, id int64, errMsg string) error
}

// RunnerOptions configures the worker runtime.
type RunnerOptions struct {
	Jobs       JobStore     // Required: job claim/progress/terminal operations
	Logger     *slog.Logger // Optional: structured logger
	HTTPClient *http.Client // Optional: client for model API calls

	// Worker loop settings
	Concurrency     int           // max jobs in flight; defaults to 1
	MinPollInterval time.Duration // poll floor; defaults to 1s
	MaxPollInterval time.Duration // poll ceiling; defaults to 30s

	// Automated handler collaborators
	Projects   core.ProjectRepository
	Prompts    PromptSource
	Evaluator  core.Evaluator
	ModelProbe ModelProbeConfig

	// Handlers overrides the built-in handler set (used in tests).
	Handlers map[model.JobType]HandlerFunc
}

// ModelProbeConfig carries the external model API calling parameters.
type ModelProbeConfig struct {
	MinRequestInterval time.Duration
	MaxAttempts        int
	Backoff            probe.BackoffPolicy
}

// PromptSource yields the fixed prompt bank.
type PromptSource interface {
	List(ctx context.Context) ([]model.Prompt, error)
}

// Runner claims jobs up to a concurrency bound and runs them to completion.
// Shutdown stops new claims and waits for in-flight jobs to finish; claimed
// jobs are never aborted.
type Runner struct {
	jobs        JobStore
	handlers    map[model.JobType]HandlerFunc
	logger      *slog.Logger
	sem         *semaphore.Weighted
	concurrency int64
	minPoll     time.Duration
	maxPoll     time.Duration
	wake        chan struct{}

	worker         string
	startedAt      time.Time
	activeJobs     atomic.Int64
	totalProcessed atomic.Int64
}

// NewRunner wires handlers and constructs the worker runtime.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job_runner")

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	minPoll := opts.MinPollInterval
	if minPoll <= 0 {
		minPoll = time.Second
	}
	maxPoll := opts.MaxPollInterval
	if maxPoll < minPoll {
		maxPoll = 30 * time.Second
	}
	if maxPoll < minPoll {
		maxPoll = minPoll
	}

	r := &Runner{
		jobs:        opts.Jobs,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		concurrency: int64(concurrency),
		minPoll:     minPoll,
		maxPoll:     maxPoll,
		wake:        make(chan struct{}, 1),
		worker:      workerIdentity(),
		startedAt:   time.Now(),
	}

	if opts.Handlers != nil {
		r.handlers = opts.Handlers
		return r, nil
	}

	r.handlers = make(map[model.JobType]HandlerFunc)

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	automated, err := NewAutomatedHandler(AutomatedHandlerOptions{
		Jobs:       opts.Jobs,
		Projects:   opts.Projects,
		Prompts:    opts.Prompts,
		Evaluator:  opts.Evaluator,
		HTTPClient: httpClient,
		Probe:      opts.ModelProbe,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build automated handler: %w", err)
	}
	r.handlers[model.JobTypeAutomatedAPITest] = automated.Handle

	manual, err := NewManualHandler(ManualHandlerOptions{
		Jobs:      opts.Jobs,
		Evaluator: opts.Evaluator,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build manual handler: %w", err)
	}
	r.handlers[model.JobTypeManualPromptTest] = manual.Handle

	return r, nil
}

// Wake resets the poll backoff and triggers an immediate claim attempt.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// HealthSnapshot is the state reported by the health endpoint.
type HealthSnapshot struct {
	Status             string `json:"status"`
	Worker             string `json:"worker"`
	ActiveJobs         int64  `json:"activeJobs"`
	TotalJobsProcessed int64  `json:"totalJobsProcessed"`
	Uptime             string `json:"uptime"`
	Concurrency        int64  `json:"concurrency"`
}

// Health reports the runtime's current state.
func (r *Runner) Health() HealthSnapshot {
	return HealthSnapshot{
		Status:             "ok",
		Worker:             r.worker,
		ActiveJobs:         r.activeJobs.Load(),
		TotalJobsProcessed: r.totalProcessed.Load(),
		Uptime:             time.Since(r.startedAt).Truncate(time.Second).String(),
		Concurrency:        r.concurrency,
	}
}

// Run claims and processes jobs until the context is cancelled, then drains
// in-flight jobs before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"worker", r.worker,
		"concurrency", r.concurrency,
		"min_poll_interval", r.minPoll,
		"max_poll_interval", r.maxPoll,
	)

	go r.notificationFeed(ctx)

	interval := r.minPoll
	for ctx.Err() == nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}

		job, err := r.jobs.Claim(ctx)
		switch {
		case err == nil:
			interval = r.minPoll
			r.startJob(ctx, job)
			// Immediately try for another claim up to capacity.
			continue

		case errors.Is(err, model.ErrNoJobsAvailable):
			r.sem.Release(1)

		case ctx.Err() != nil:
			r.sem.Release(1)
			continue

		default:
			r.sem.Release(1)
			if apperrors.IsRetryable(err) {
				// Transient store contention or connectivity blips retry
				// at the poll floor instead of escalating the backoff.
				interval = r.minPoll
				r.logger.WarnContext(ctx, "transient claim failure, retrying", "err", err, "interval", interval)
			} else {
				r.logger.ErrorContext(ctx, "claim failed, backing off",
					"err", err, "code", apperrors.GetCode(err), "interval", interval)
			}
		}

		woken, ok := r.waitPoll(ctx, interval)
		if !ok {
			break
		}
		if woken {
			interval = r.minPoll
			continue
		}
		interval = min(interval*2, r.maxPoll)
	}

	return r.drain(ctx)
}

// startJob dispatches a claimed job on its own goroutine. The job runs on a
// context detached from shutdown cancellation; once claimed it finishes.
func (r *Runner) startJob(ctx context.Context, job *model.Job) {
	r.activeJobs.Add(1)
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.sem.Release(1)
		defer r.activeJobs.Add(-1)
		defer r.totalProcessed.Add(1)
		r.processJob(jobCtx, job)
	}()
}

// processJob validates the payload union, dispatches to the matching handler,
// and performs the terminal transition. Panics become job-level failures.
func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "job handler panicked", "job_id", job.JobID, "panic", rec)
			r.failJob(ctx, job, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	logger := r.logger.With("job_id", job.JobID, "type", job.Type)
	logger.InfoContext(ctx, "processing job")

	payload, err := model.DecodePayload(job.Type, job.Payload)
	if err != nil {
		r.failJob(ctx, job, err.Error())
		return
	}

	handler, ok := r.handlers[job.Type]
	if !ok {
		r.failJob(ctx, job, fmt.Sprintf("no handler for job type %s", job.Type))
		return
	}

	report, err := handler(ctx, job, payload)
	if err != nil {
		r.failJob(ctx, job, err.Error())
		return
	}

	if completeErr := r.jobs.Complete(ctx, job.ID, report); completeErr != nil {
		logger.ErrorContext(ctx, "complete job error", "err", completeErr)
		return
	}
	logger.InfoContext(ctx, "job completed",
		"total", report.Summary.Total,
		"successful", report.Summary.Successful,
		"failed", report.Summary.Failed,
	)
}

func (r *Runner) failJob(ctx context.Context, job *model.Job, msg string) {
	if err := r.jobs.Fail(ctx, job.ID, msg); err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.JobID, "err", err, "reason", msg)
	}
}

// notificationFeed converts store notifications into wake signals, keeping
// the poll backoff as the fallback when LISTEN is unavailable.
func (r *Runner) notificationFeed(ctx context.Context) {
	for ctx.Err() == nil {
		err := r.jobs.WaitForJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.WarnContext(ctx, "job notification wait failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.maxPoll):
			}
			continue
		}
		r.Wake()
	}
}

// waitPoll sleeps for the current poll interval. The second return is false
// when the context ended; the first is true when a wake signal cut the sleep
// short.
func (r *Runner) waitPoll(ctx context.Context, d time.Duration) (woken, ok bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, false
	case <-r.wake:
		return true, true
	case <-timer.C:
		return false, true
	}
}

// drain waits for every in-flight job by acquiring the full semaphore weight.
func (r *Runner) drain(ctx context.Context) error {
	r.logger.InfoContext(ctx, "draining in-flight jobs", "active", r.activeJobs.Load())
	if err := r.sem.Acquire(context.WithoutCancel(ctx), r.concurrency); err != nil {
		return fmt.Errorf("drain in-flight jobs: %w", err)
	}
	r.sem.Release(r.concurrency)
	r.logger.InfoContext(ctx, "job runner stopped", "total_processed", r.totalProcessed.Load())
	return ctx.Err()
}

func workerIdentity() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
