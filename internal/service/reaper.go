package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairlens/fairlens-worker/config"
	"github.com/fairlens/fairlens-worker/internal/core"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo   core.ReaperRepository // Required: reaper repository
	Config config.ReaperConfig   // Required: reaper configuration
	Logger *slog.Logger          // Optional: structured logger
}

// ReaperService periodically fails jobs that have sat in running status past
// the configured maximum age, so a crashed worker cannot strand a job forever.
type ReaperService struct {
	repo   core.ReaperRepository
	config config.ReaperConfig
	logger *slog.Logger
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")

	return &ReaperService{
		repo:   opts.Repo,
		config: opts.Config,
		logger: logger,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service",
		"interval", s.config.Interval,
		"running_max_age", s.config.RunningMaxAge,
	)

	// Jitter the first sweep so multiple instances started together do not
	// contend for the advisory lock at the same instant.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runSweep(ctx); err != nil {
		s.logSweepError(ctx, err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runSweep(ctx); err != nil {
				s.logSweepError(ctx, err, "sweep")
				// Keep running despite errors.
			}
		}
	}
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// runSweep fails stale running jobs in batches until no rows remain.
func (s *ReaperService) runSweep(ctx context.Context) error {
	var totalCount int64
	for {
		count, err := s.repo.FailStaleRunningJobs(ctx, s.config.RunningMaxAge, s.config.BatchSize)
		if err != nil {
			return fmt.Errorf("fail stale running jobs: %w", err)
		}
		totalCount += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if totalCount > 0 {
		s.logger.InfoContext(ctx, "failed stale running jobs",
			"count", totalCount,
			"max_age", s.config.RunningMaxAge,
		)
	}

	return nil
}

func (s *ReaperService) logSweepError(ctx context.Context, err error, label string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}
