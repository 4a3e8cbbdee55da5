// Package reaper provides the adapter that runs the stale-job sweeper.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairlens/fairlens-worker/config"
	"github.com/fairlens/fairlens-worker/internal/core"
	"github.com/fairlens/fairlens-worker/internal/data"
	"github.com/fairlens/fairlens-worker/internal/service"
)

// Runner constructs the reaper service and runs its sweep loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Optional dependency injection for testing
	Repo core.ReaperRepository
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Repo == nil {
		return nil, errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	repo := opts.Repo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:   repo,
		Config: opts.Config,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper: reaper,
		logger: opts.Logger,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
