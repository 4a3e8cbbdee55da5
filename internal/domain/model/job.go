// Package model defines the core data types and structures used throughout the fairlens job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the type of job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeAutomatedAPITest replays the prompt bank against an external model API.
	JobTypeAutomatedAPITest JobType = "automated_api_test"
	// JobTypeManualPromptTest scores pre-supplied prompt/response pairs.
	JobTypeManualPromptTest JobType = "manual_prompt_test"

	// JobStatusQueued indicates a job is waiting to be claimed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed to complete.
	JobStatusFailed JobStatus = "failed"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// ErrNoJobsAvailable is returned when no queued jobs are claimable.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypeAutomatedAPITest || t == JobTypeManualPromptTest
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal returns true once a job can no longer change status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents one fairness evaluation job row in the store.
type Job struct {
	ID                  int64           `json:"id"                              db:"id"`
	UserID              string          `json:"user_id"                         db:"user_id"`
	ProjectID           string          `json:"project_id"                      db:"project_id"`
	JobID               string          `json:"job_id"                          db:"job_id"`
	Type                JobType         `json:"job_type"                        db:"job_type"`
	Payload             json.RawMessage `json:"payload"                         db:"payload"`
	TotalPrompts        int             `json:"total_prompts"                   db:"total_prompts"`
	Status              JobStatus       `json:"status"                          db:"status"`
	Progress            string          `json:"progress"                        db:"progress"`
	LastProcessedPrompt *string         `json:"last_processed_prompt,omitempty" db:"last_processed_prompt"`
	Percent             int             `json:"percent"                         db:"percent"`
	CreatedAt           time.Time       `json:"created_at"                      db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"                      db:"updated_at"`
}

// CreateJobRequest represents a request to enqueue a new job.
type CreateJobRequest struct {
	UserID    string          `json:"user_id"`
	ProjectID string          `json:"project_id"`
	Type      JobType         `json:"job_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate validates the CreateJobRequest fields, including the payload union.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	_, err := DecodePayload(r.Type, r.Payload)
	return err
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Prompt is a single entry of the fixed prompt bank.
type Prompt struct {
	Category string `json:"category"`
	Text     string `json:"prompt"`
}

// JobResult records one successfully evaluated prompt.
type JobResult struct {
	Category   string             `json:"category"`
	Prompt     string             `json:"prompt"`
	Success    bool               `json:"success"`
	Message    string             `json:"message,omitempty"`
	Evaluation *EvaluationPayload `json:"evaluation,omitempty"`
}

// JobError records one item-level failure; the job continues past it.
type JobError struct {
	Category string `json:"category"`
	Prompt   string `json:"prompt"`
	Error    string `json:"error"`
}

// Summary aggregates a finished job's results. Averages are computed only
// over successful items and are zero when there are none.
type Summary struct {
	Total            int     `json:"total"`
	Successful       int     `json:"successful"`
	Failed           int     `json:"failed"`
	AvgOverallScore  float64 `json:"avg_overall_score"`
	AvgBiasScore     float64 `json:"avg_bias_score"`
	AvgToxicityScore float64 `json:"avg_toxicity_score"`
}

// CompletionReport is merged into the job payload on completion; the original
// payload fields are preserved (enriched, not replaced).
type CompletionReport struct {
	Summary Summary     `json:"summary"`
	Results []JobResult `json:"results"`
	Errors  []JobError  `json:"errors"`
}

// ProgressUpdate carries the per-item progress bookkeeping written after
// every processed prompt.
type ProgressUpdate struct {
	Completed           int
	Total               int
	Percent             int
	LastProcessedPrompt string
}

// Progress renders the "completed/total" progress string.
func (p ProgressUpdate) Progress() string {
	return fmt.Sprintf("%d/%d", p.Completed, p.Total)
}
