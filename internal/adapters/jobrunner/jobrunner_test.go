package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
	apperrors "github.com/fairlens/fairlens-worker/internal/errors"
)

// fakeJobStore is an in-memory JobStore for runtime and handler tests.
type fakeJobStore struct {
	mu sync.Mutex

	queue []*model.Job

	claims    int
	initTotal int
	progress  []model.ProgressUpdate
	completed map[int64]*model.CompletionReport
	failed    map[int64]string

	claimErr error
	initErr  error
}

func newFakeJobStore(jobs ...*model.Job) *fakeJobStore {
	return &fakeJobStore{
		queue:     jobs,
		completed: map[int64]*model.CompletionReport{},
		failed:    map[int64]string{},
	}
}

func (s *fakeJobStore) Claim(context.Context) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.queue) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	job.Status = model.JobStatusRunning
	return job, nil
}

func (s *fakeJobStore) WaitForJob(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeJobStore) InitProgress(_ context.Context, _ int64, totalPrompts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.initTotal = totalPrompts
	return nil
}

func (s *fakeJobStore) RecordProgress(_ context.Context, _ int64, update model.ProgressUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, update)
}

func (s *fakeJobStore) Complete(_ context.Context, id int64, report *model.CompletionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = report
	return nil
}

func (s *fakeJobStore) Fail(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg
	return nil
}

func (s *fakeJobStore) completedReport(id int64) (*model.CompletionReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.completed[id]
	return r, ok
}

func (s *fakeJobStore) failureMessage(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.failed[id]
	return msg, ok
}

func (s *fakeJobStore) progressUpdates() []model.ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProgressUpdate, len(s.progress))
	copy(out, s.progress)
	return out
}

// stubEvaluator scores every pair with a fixed payload unless a response
// text is marked as failing.
type stubEvaluator struct {
	mu       sync.Mutex
	requests []model.EvaluationRequest
	failFor  map[string]error
	payload  model.EvaluationPayload
}

func newStubEvaluator() *stubEvaluator {
	return &stubEvaluator{
		failFor: map[string]error{},
		payload: model.EvaluationPayload{
			ID:            "eval-1",
			BiasScore:     0.2,
			ToxicityScore: 0.1,
			OverallScore:  0.8,
		},
	}
}

func (e *stubEvaluator) Evaluate(_ context.Context, req model.EvaluationRequest) (*model.EvaluationPayload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if err, ok := e.failFor[req.QuestionText]; ok {
		return nil, err
	}
	p := e.payload
	return &p, nil
}

type stubPromptSource struct {
	prompts []model.Prompt
	err     error
}

func (s *stubPromptSource) List(context.Context) ([]model.Prompt, error) {
	return s.prompts, s.err
}

type stubProjectRepo struct {
	owned bool
	err   error
}

func (s *stubProjectRepo) OwnedBy(context.Context, string, string) (bool, error) {
	return s.owned, s.err
}

func manualJob(id int64, tests []model.PromptTest) *model.Job {
	payload, _ := json.Marshal(model.ManualPromptTestConfig{Tests: tests})
	return &model.Job{
		ID:        id,
		UserID:    "user-1",
		ProjectID: "project-1",
		JobID:     "job-manual",
		Type:      model.JobTypeManualPromptTest,
		Payload:   payload,
		Status:    model.JobStatusQueued,
	}
}

func runRunnerUntilIdle(t *testing.T, r *Runner, store *fakeJobStore, expectedTerminal int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		terminal := len(store.completed) + len(store.failed)
		store.mu.Unlock()
		if terminal >= expectedTerminal {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestRunner_DispatchesManualJob(t *testing.T) {
	store := newFakeJobStore(manualJob(1, []model.PromptTest{
		{Category: "gender", Prompt: "p1", Response: "r1"},
		{Category: "race", Prompt: "p2", Response: "r2"},
	}))
	evaluator := newStubEvaluator()

	runner, err := NewRunner(RunnerOptions{
		Jobs:            store,
		Projects:        &stubProjectRepo{owned: true},
		Prompts:         &stubPromptSource{},
		Evaluator:       evaluator,
		MinPollInterval: 10 * time.Millisecond,
		MaxPollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	runRunnerUntilIdle(t, runner, store, 1)

	report, ok := store.completedReport(1)
	require.True(t, ok, "job should have completed")
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Successful)
	assert.Equal(t, 0, report.Summary.Failed)

	health := runner.Health()
	assert.Equal(t, int64(1), health.TotalJobsProcessed)
	assert.Equal(t, int64(0), health.ActiveJobs)
}

func TestRunner_PayloadMismatchFailsJob(t *testing.T) {
	job := &model.Job{
		ID:        7,
		UserID:    "user-1",
		ProjectID: "project-1",
		JobID:     "job-bad",
		Type:      model.JobTypeManualPromptTest,
		// Automated-shaped payload under a manual tag.
		Payload: json.RawMessage(`{"api_url": "https://x", "request_template": {}, "response_path": "a"}`),
	}
	store := newFakeJobStore(job)

	runner, err := NewRunner(RunnerOptions{
		Jobs: store,
		Handlers: map[model.JobType]HandlerFunc{
			model.JobTypeManualPromptTest: func(context.Context, *model.Job, *model.JobPayload) (*model.CompletionReport, error) {
				t.Fatal("handler must not run for a mismatched payload")
				return nil, nil
			},
		},
		MinPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	runRunnerUntilIdle(t, runner, store, 1)

	msg, ok := store.failureMessage(7)
	require.True(t, ok, "job should have failed")
	assert.Contains(t, msg, "does not match job type")
}

func TestRunner_HandlerErrorFailsJob(t *testing.T) {
	store := newFakeJobStore(manualJob(3, []model.PromptTest{{Category: "c", Prompt: "p", Response: "r"}}))

	runner, err := NewRunner(RunnerOptions{
		Jobs: store,
		Handlers: map[model.JobType]HandlerFunc{
			model.JobTypeManualPromptTest: func(context.Context, *model.Job, *model.JobPayload) (*model.CompletionReport, error) {
				return nil, errors.New("ownership check failed")
			},
		},
		MinPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	runRunnerUntilIdle(t, runner, store, 1)

	msg, ok := store.failureMessage(3)
	require.True(t, ok)
	assert.Equal(t, "ownership check failed", msg)
}

func TestRunner_PanicBecomesJobFailure(t *testing.T) {
	store := newFakeJobStore(manualJob(4, []model.PromptTest{{Category: "c", Prompt: "p", Response: "r"}}))

	runner, err := NewRunner(RunnerOptions{
		Jobs: store,
		Handlers: map[model.JobType]HandlerFunc{
			model.JobTypeManualPromptTest: func(context.Context, *model.Job, *model.JobPayload) (*model.CompletionReport, error) {
				panic("template exploded")
			},
		},
		MinPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	runRunnerUntilIdle(t, runner, store, 1)

	msg, ok := store.failureMessage(4)
	require.True(t, ok, "panicking job should be failed, not crash the worker")
	assert.Contains(t, msg, "template exploded")
}

func TestRunner_WakeTriggersImmediateClaim(t *testing.T) {
	store := newFakeJobStore()

	runner, err := NewRunner(RunnerOptions{
		Jobs: store,
		Handlers: map[model.JobType]HandlerFunc{},
		// Long intervals so only a wake can cause a second claim quickly.
		MinPollInterval: 10 * time.Second,
		MaxPollInterval: 30 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := store.claims
		store.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	runner.Wake()

	deadline = time.Now().Add(2 * time.Second)
	var claims int
	for time.Now().Before(deadline) {
		store.mu.Lock()
		claims = store.claims
		store.mu.Unlock()
		if claims >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, claims, 2, "wake should cut the poll sleep short")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestRunner_DrainWaitsForInFlightJobs(t *testing.T) {
	store := newFakeJobStore(manualJob(9, []model.PromptTest{{Category: "c", Prompt: "p", Response: "r"}}))

	started := make(chan struct{})
	release := make(chan struct{})
	runner, err := NewRunner(RunnerOptions{
		Jobs: store,
		Handlers: map[model.JobType]HandlerFunc{
			model.JobTypeManualPromptTest: func(context.Context, *model.Job, *model.JobPayload) (*model.CompletionReport, error) {
				close(started)
				<-release
				return emptyReport(), nil
			},
		},
		MinPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	cancel()

	// The runner must still be draining while the handler is blocked.
	select {
	case <-done:
		t.Fatal("runner returned before in-flight job finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after job finished")
	}

	_, ok := store.completedReport(9)
	assert.True(t, ok, "in-flight job should run to completion during drain")
}

func TestRunner_RetryableClaimErrorKeepsPollFloor(t *testing.T) {
	store := newFakeJobStore()
	store.claimErr = apperrors.Wrap(errors.New("deadlock detected"),
		apperrors.ErrCodeRetryable, "transient database contention")

	runner, err := NewRunner(RunnerOptions{
		Jobs:            store,
		Handlers:        map[model.JobType]HandlerFunc{},
		MinPollInterval: 25 * time.Millisecond,
		MaxPollInterval: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	time.Sleep(time.Second)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	store.mu.Lock()
	claims := store.claims
	store.mu.Unlock()
	// Exponential backoff toward the 5s ceiling would allow only a
	// handful of claims in one second; floor pacing gets many more.
	assert.GreaterOrEqual(t, claims, 10,
		"transient claim failures should retry at the poll floor")
}

func TestRunner_NonRetryableClaimErrorBacksOff(t *testing.T) {
	store := newFakeJobStore()
	store.claimErr = errors.New("relation jobs does not exist")

	runner, err := NewRunner(RunnerOptions{
		Jobs:            store,
		Handlers:        map[model.JobType]HandlerFunc{},
		MinPollInterval: 25 * time.Millisecond,
		MaxPollInterval: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	time.Sleep(time.Second)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	store.mu.Lock()
	claims := store.claims
	store.mu.Unlock()
	assert.Less(t, claims, 10, "persistent claim failures should back off")
}

func TestNewRunner_RequiresJobs(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JobStore is required")
}
