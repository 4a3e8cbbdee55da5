package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the job worker runtime.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the stale-job reaper.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeHTTP runs the HTTP status server.
	ServiceModeHTTP ServiceMode = "http"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
		ServiceModeHTTP,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper, ServiceModeHTTP:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper, http)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains worker runtime configuration.
type WorkerConfig struct {
	// Concurrency is the maximum number of jobs processed simultaneously.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// MinPollInterval is the poll interval used while jobs keep arriving.
	MinPollInterval time.Duration `env:"WORKER_MIN_POLL_INTERVAL" envDefault:"1s"`

	// MaxPollInterval caps the poll interval growth on an idle queue.
	MaxPollInterval time.Duration `env:"WORKER_MAX_POLL_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.MinPollInterval < 100*time.Millisecond {
		w.MinPollInterval = 100 * time.Millisecond
	}
	if w.MaxPollInterval < w.MinPollInterval {
		w.MaxPollInterval = w.MinPollInterval
	}
}

// ModelAPIConfig contains configuration for probing external model APIs.
type ModelAPIConfig struct {
	// MinRequestInterval is the minimum spacing between requests to the
	// same job's model API.
	MinRequestInterval time.Duration `env:"MODEL_API_MIN_REQUEST_INTERVAL" envDefault:"1s"`

	// MaxAttempts is the total attempt count per prompt when the model API
	// answers 429.
	MaxAttempts int `env:"MODEL_API_MAX_ATTEMPTS" envDefault:"4"`

	// BackoffBase is the first retry delay when no Retry-After is given.
	BackoffBase time.Duration `env:"MODEL_API_BACKOFF_BASE" envDefault:"2s"`

	// BackoffCeiling caps computed retry delays.
	BackoffCeiling time.Duration `env:"MODEL_API_BACKOFF_CEILING" envDefault:"60s"`

	// Timeout bounds each HTTP request to a model API.
	Timeout time.Duration `env:"MODEL_API_TIMEOUT" envDefault:"60s"`
}

// Sanitize applies guardrails to model API configuration values.
func (m *ModelAPIConfig) Sanitize() {
	if m.MaxAttempts < 1 {
		m.MaxAttempts = 1
	}
	if m.BackoffBase <= 0 {
		m.BackoffBase = 2 * time.Second
	}
	if m.BackoffCeiling < m.BackoffBase {
		m.BackoffCeiling = m.BackoffBase
	}
	if m.Timeout <= 0 {
		m.Timeout = 60 * time.Second
	}
}

// EvaluationConfig contains evaluation collaborator configuration.
type EvaluationConfig struct {
	// BaseURL is the evaluation service base URL.
	BaseURL string `env:"EVALUATION_BASE_URL" envDefault:"http://localhost:9090"`

	// SigningKey is the shared HS256 key used to mint per-request credentials.
	SigningKey string `env:"EVALUATION_SIGNING_KEY"`

	// TokenTTL is the lifetime of each minted credential.
	TokenTTL time.Duration `env:"EVALUATION_TOKEN_TTL" envDefault:"5m"`

	// Timeout bounds each HTTP request to the evaluation service.
	Timeout time.Duration `env:"EVALUATION_TIMEOUT" envDefault:"60s"`
}

// Sanitize applies guardrails to evaluation configuration values.
func (e *EvaluationConfig) Sanitize() {
	if e.TokenTTL <= 0 {
		e.TokenTTL = 5 * time.Minute
	}
	if e.Timeout <= 0 {
		e.Timeout = 60 * time.Second
	}
}

// ReaperConfig contains stale-job reaper configuration.
type ReaperConfig struct {
	// Interval is how often the reaper sweeps.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// RunningMaxAge is how long a running job may go without an update
	// before it is considered abandoned.
	RunningMaxAge time.Duration `env:"REAPER_RUNNING_MAX_AGE" envDefault:"24h"`

	// BatchSize caps how many rows one sweep updates.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < time.Second {
		r.Interval = time.Second
	}
	if r.RunningMaxAge < time.Minute {
		r.RunningMaxAge = 24 * time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 100
	}
}
