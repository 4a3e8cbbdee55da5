// Package core defines the repository and collaborator contracts (ports)
// between the service layer and the data/transport layers.
package core

import (
	"context"
	"time"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

// JobRepository defines the interface for job store operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByJobID(ctx context.Context, jobID string) (*model.Job, error)
	ClaimNext(ctx context.Context) (*model.Job, error)
	WaitForNotification(ctx context.Context) error
	InitProgress(ctx context.Context, id int64, totalPrompts int) error
	UpdateProgress(ctx context.Context, id int64, update model.ProgressUpdate) error
	Complete(ctx context.Context, id int64, report *model.CompletionReport) (bool, error)
	Fail(ctx context.Context, id int64, errMsg string) (bool, error)
	Stats(ctx context.Context) (*model.JobStats, error)
}

// ReaperRepository defines the stale-job sweep contract.
type ReaperRepository interface {
	FailStaleRunningJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// PromptBankRepository provides read access to the fixed prompt bank.
type PromptBankRepository interface {
	List(ctx context.Context) ([]model.Prompt, error)
}

// ProjectRepository provides the ownership check used before running a job.
type ProjectRepository interface {
	OwnedBy(ctx context.Context, projectID, userID string) (bool, error)
}

// CacheRepository defines a byte-value cache with TTL semantics.
type CacheRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// Evaluator scores one prompt/response pair via the evaluation collaborator.
type Evaluator interface {
	Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.EvaluationPayload, error)
}
