package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairlens/fairlens-worker/config"
	"github.com/fairlens/fairlens-worker/internal/adapters/jobrunner"
	"github.com/fairlens/fairlens-worker/internal/adapters/reaper"
	"github.com/fairlens/fairlens-worker/internal/data"
	"github.com/fairlens/fairlens-worker/internal/domain/probe"
	httpx "github.com/fairlens/fairlens-worker/internal/http"
	"github.com/fairlens/fairlens-worker/internal/service"
)

// shutdownWaitTimeout bounds the wait for auxiliary services to stop. The
// worker is exempt: in-flight jobs are never aborted, so the process waits
// for its drain without a deadline and logs progress at this interval.
const shutdownWaitTimeout = 60 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs       *service.JobService
	PromptBank *service.PromptBankService
	Evaluation *service.EvaluationClient
	Projects   *data.ProjectRepo
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// NewServices wires the data layer into the application services.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return ServiceContainer{}, errors.New("config and database are required")
	}

	jobRepo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger})

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:   jobRepo,
		Logger: deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire job service: %w", err)
	}

	evaluation, err := service.NewEvaluationClient(service.EvaluationClientOptions{
		BaseURL:    deps.Config.Evaluation.BaseURL,
		SigningKey: []byte(deps.Config.Evaluation.SigningKey),
		TokenTTL:   deps.Config.Evaluation.TokenTTL,
		Timeout:    deps.Config.Evaluation.Timeout,
		Logger:     deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire evaluation client: %w", err)
	}

	promptBankOpts := service.PromptBankServiceOptions{
		Repo:   data.NewPromptRepo(deps.DB, deps.Logger),
		TTL:    deps.Config.Redis.PromptBankTTL,
		Logger: deps.Logger,
	}
	if deps.RedisClient != nil {
		promptBankOpts.Cache = data.NewRedisCacheRepo(deps.RedisClient)
	}
	promptBank, err := service.NewPromptBankService(promptBankOpts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire prompt bank service: %w", err)
	}

	return ServiceContainer{
		Jobs:       jobs,
		PromptBank: promptBank,
		Evaluation: evaluation,
		Projects:   data.NewProjectRepo(deps.DB),
	}, nil
}

// buildWorkerRunner constructs the job claim/execute runtime.
func buildWorkerRunner(cfg *config.AppConfig, services ServiceContainer, logger *slog.Logger) (*jobrunner.Runner, error) {
	return jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:            services.Jobs,
		Logger:          logger,
		HTTPClient:      &http.Client{Timeout: cfg.ModelAPI.Timeout},
		Concurrency:     cfg.Worker.Concurrency,
		MinPollInterval: cfg.Worker.MinPollInterval,
		MaxPollInterval: cfg.Worker.MaxPollInterval,
		Projects:        services.Projects,
		Prompts:         services.PromptBank,
		Evaluator:       services.Evaluation,
		ModelProbe: jobrunner.ModelProbeConfig{
			MinRequestInterval: cfg.ModelAPI.MinRequestInterval,
			MaxAttempts:        cfg.ModelAPI.MaxAttempts,
			Backoff: probe.BackoffPolicy{
				Base:    cfg.ModelAPI.BackoffBase,
				Ceiling: cfg.ModelAPI.BackoffCeiling,
			},
		},
	})
}

// ServiceOrchestrationConfig groups everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode config.ServiceMode
	name string
	// drainFully marks services whose shutdown must be waited on without a
	// deadline, such as the worker draining in-flight jobs.
	drainFully bool
	start      func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name       string
	drainFully bool
	done       <-chan struct{}
}

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker runner doubles as the health/wake runtime of the HTTP
	// server, so it is constructed before the server even when only the
	// http mode consumes it.
	var runner *jobrunner.Runner
	if enabled[config.ServiceModeWorker] {
		runner, err = buildWorkerRunner(cfg.Config, cfg.Services, logger)
		if err != nil {
			return fmt.Errorf("wire worker runner: %w", err)
		}
	}

	errCh := make(chan error, len(enabled)+1)

	var httpServer *http.Server
	if enabled[config.ServiceModeHTTP] {
		httpServer = StartHTTPServer(&HTTPServerConfig{
			Config:  cfg.Config.HTTP,
			Runtime: workerRuntime(runner),
			Jobs:    jobReader(cfg.Services.Jobs),
			Logger:  logger,
		})
	}

	services := []backgroundService{
		{
			mode:       config.ServiceModeWorker,
			name:       "worker",
			drainFully: true,
			start: func(ctx context.Context) error {
				return runner.Run(ctx)
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			start: func(ctx context.Context) error {
				r, rerr := reaper.NewRunner(reaper.RunnerOptions{
					DB:     cfg.DB,
					Config: cfg.Config.Reaper,
					Logger: logger,
				})
				if rerr != nil {
					return rerr
				}
				return r.Run(ctx)
			},
		},
	}

	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		if !enabled[svc.mode] {
			continue
		}
		handles = append(handles, backgroundServiceHandle{
			name:       svc.name,
			drainFully: svc.drainFully,
			done:       launchBackground(serviceCtx, logger, errCh, svc),
		})
	}

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  httpServer,
		logger:      logger,
		backgrounds: handles,
	})
}

// workerRuntime avoids handing the HTTP layer a typed-nil interface when the
// worker mode is disabled.
//
//nolint:ireturn // the nil check must happen before the pointer becomes an interface value.
func workerRuntime(runner *jobrunner.Runner) httpx.WorkerRuntime {
	if runner == nil {
		return nil
	}
	return runner
}

// jobReader avoids a typed-nil JobReader when the container is empty.
//
//nolint:ireturn // the nil check must happen before the pointer becomes an interface value.
func jobReader(jobs *service.JobService) httpx.JobReader {
	if jobs == nil {
		return nil
	}
	return jobs
}

func launchBackground(
	ctx context.Context,
	logger *slog.Logger,
	errCh chan<- error,
	svc backgroundService,
) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.start(ctx); err != nil {
			select {
			case errCh <- fmt.Errorf("%s failed: %w", svc.name, err):
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error",
					"service", svc.name, "error", err)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", svc.name)
	return done
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for a shutdown signal or a service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	// The service context is already cancelled at this point; shutdown gets
	// its own deadline so in-flight HTTP requests can still drain.
	if err := ShutdownHTTPServer(context.WithoutCancel(cfg.ctx), cfg.httpServer, cfg.logger); err != nil {
		return err
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc, cfg.logger, shutdownWaitTimeout)
	}

	return nil
}

// waitForService waits for a service to finish. Services marked drainFully
// are waited on without a deadline, with progress logged every patience
// interval; the rest are abandoned with a warning once patience elapses.
func waitForService(svc backgroundServiceHandle, logger *slog.Logger, patience time.Duration) {
	if svc.done == nil {
		return
	}
	for {
		select {
		case <-svc.done:
			logger.Info(svc.name + " stopped")
			return
		case <-time.After(patience):
			if !svc.drainFully {
				logger.Warn("timeout waiting for " + svc.name + " to stop")
				return
			}
			logger.Info("waiting for " + svc.name + " to finish in-flight work")
		}
	}
}
