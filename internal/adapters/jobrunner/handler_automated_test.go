package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
	"github.com/fairlens/fairlens-worker/internal/domain/probe"
)

func automatedJob(id int64, cfg model.AutomatedAPITestConfig) *model.Job {
	payload, _ := json.Marshal(cfg)
	return &model.Job{
		ID:        id,
		UserID:    "user-1",
		ProjectID: "project-1",
		JobID:     "job-auto",
		Type:      model.JobTypeAutomatedAPITest,
		Payload:   payload,
		Status:    model.JobStatusRunning,
	}
}

func decodedPayload(t *testing.T, job *model.Job) *model.JobPayload {
	t.Helper()
	payload, err := model.DecodePayload(job.Type, job.Payload)
	require.NoError(t, err)
	return payload
}

func bankOf(n int) []model.Prompt {
	prompts := make([]model.Prompt, 0, n)
	categories := []string{"gender", "race", "religion"}
	for i := range n {
		prompts = append(prompts, model.Prompt{
			Category: categories[i%len(categories)],
			Text:     "prompt " + string(rune('a'+i)),
		})
	}
	return prompts
}

type handlerFixture struct {
	store     *fakeJobStore
	evaluator *stubEvaluator
	prompts   *stubPromptSource
	projects  *stubProjectRepo
	handler   *AutomatedHandler
}

func newHandlerFixture(t *testing.T, prompts []model.Prompt, probeCfg ModelProbeConfig) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		store:     newFakeJobStore(),
		evaluator: newStubEvaluator(),
		prompts:   &stubPromptSource{prompts: prompts},
		projects:  &stubProjectRepo{owned: true},
	}
	handler, err := NewAutomatedHandler(AutomatedHandlerOptions{
		Jobs:       f.store,
		Projects:   f.projects,
		Prompts:    f.prompts,
		Evaluator:  f.evaluator,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Probe:      probeCfg,
	})
	require.NoError(t, err)
	f.handler = handler
	return f
}

// modelAPIServer is a scripted model API: responses are served in order.
type modelAPIServer struct {
	mu        sync.Mutex
	calls     int
	callTimes []time.Time
	respond   func(n int, w http.ResponseWriter, r *http.Request)
}

func (s *modelAPIServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls++
		n := s.calls
		s.callTimes = append(s.callTimes, time.Now())
		s.mu.Unlock()
		s.respond(n, w, r)
	}
}

func (s *modelAPIServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestAutomatedHandler_AllPromptsSucceed(t *testing.T) {
	api := &modelAPIServer{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		okJSON(w, `{"results": [{"content": "model says hi"}]}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	bank := bankOf(5)
	f := newHandlerFixture(t, bank, ModelProbeConfig{MaxAttempts: 3})
	job := automatedJob(1, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "results[0].content",
	})

	report, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err)

	assert.Equal(t, 5, report.Summary.Total)
	assert.Equal(t, 5, report.Summary.Successful)
	assert.Equal(t, 0, report.Summary.Failed)
	assert.Empty(t, report.Errors)
	require.Len(t, report.Results, 5)
	assert.InDelta(t, 0.8, report.Summary.AvgOverallScore, 1e-9)
	assert.Equal(t, 5, api.callCount())

	// Progress was written after every prompt and percent never decreased.
	updates := f.store.progressUpdates()
	require.Len(t, updates, 5)
	for i, u := range updates {
		assert.Equal(t, i+1, u.Completed)
		assert.Equal(t, 5, u.Total)
		assert.Equal(t, probe.ProgressPercent(i+1, 5), u.Percent)
		assert.Equal(t, bank[i].Text, u.LastProcessedPrompt)
		if i > 0 {
			assert.GreaterOrEqual(t, u.Percent, updates[i-1].Percent)
		}
	}
	assert.Equal(t, 100, updates[4].Percent)
	assert.Equal(t, 5, f.store.initTotal)

	// The evaluator received the extracted text, not the raw body.
	assert.Equal(t, "model says hi", f.evaluator.requests[0].UserResponse)
	assert.Equal(t, "project-1", f.evaluator.requests[0].ProjectID)
}

func TestAutomatedHandler_RetriesAfter429(t *testing.T) {
	api := &modelAPIServer{respond: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		okJSON(w, `{"output": "ok"}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	backoffBase := 150 * time.Millisecond
	f := newHandlerFixture(t, bankOf(1), ModelProbeConfig{
		MaxAttempts: 3,
		Backoff:     probe.BackoffPolicy{Base: backoffBase, Ceiling: time.Second},
	})
	job := automatedJob(2, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
	})

	report, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.Successful)
	assert.Equal(t, 0, report.Summary.Failed)
	require.Equal(t, 2, api.callCount())

	gap := api.callTimes[1].Sub(api.callTimes[0])
	assert.GreaterOrEqual(t, gap, backoffBase, "second attempt must wait at least the backoff delay")
}

func TestAutomatedHandler_429BudgetExhausted(t *testing.T) {
	api := &modelAPIServer{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	f := newHandlerFixture(t, bankOf(1), ModelProbeConfig{
		MaxAttempts: 2,
		Backoff:     probe.BackoffPolicy{Base: time.Millisecond, Ceiling: 5 * time.Millisecond},
	})
	job := automatedJob(3, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
	})

	report, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err, "exhausted retries are an item failure, not a job failure")

	assert.Equal(t, 2, api.callCount(), "attempt budget is respected")
	assert.Equal(t, 0, report.Summary.Successful)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error, "429")
}

func TestAutomatedHandler_UnresolvablePathIsItemFailure(t *testing.T) {
	api := &modelAPIServer{respond: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 2 {
			okJSON(w, `{"wrong_key": "x"}`)
			return
		}
		okJSON(w, `{"output": "fine"}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	f := newHandlerFixture(t, bankOf(3), ModelProbeConfig{MaxAttempts: 1})
	job := automatedJob(4, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
	})

	report, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err, "job completes despite one bad item")

	assert.Equal(t, 3, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Successful)
	assert.Equal(t, 1, report.Summary.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error, "output")
	assert.Len(t, report.Results, 2)
}

func TestAutomatedHandler_MissingPlaceholderSkipsNetwork(t *testing.T) {
	api := &modelAPIServer{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		okJSON(w, `{"output": "unreachable"}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	f := newHandlerFixture(t, bankOf(2), ModelProbeConfig{MaxAttempts: 3})
	job := automatedJob(5, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "static text"}`),
		ResponsePath:    "output",
	})

	report, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err)

	assert.Equal(t, 0, api.callCount(), "no network call is spent on a template without the placeholder")
	assert.Equal(t, 2, report.Summary.Failed)
	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0].Error, probe.PromptPlaceholder)
}

func TestAutomatedHandler_BodyFieldOnNonObjectFailsJob(t *testing.T) {
	api := &modelAPIServer{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		okJSON(w, `{"output": "x"}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	f := newHandlerFixture(t, bankOf(2), ModelProbeConfig{MaxAttempts: 1})
	job := automatedJob(6, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`["{{PROMPT}}"]`),
		ResponsePath:    "output",
		APIKeyPlacement: model.APIKeyPlacementBodyField,
		APIKey:          "secret",
	})

	_, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.Error(t, err)
	assert.ErrorIs(t, err, probe.ErrBodyFieldRequiresObject)
	assert.Equal(t, 0, api.callCount())
}

func TestAutomatedHandler_CredentialPlacement(t *testing.T) {
	var gotHeader http.Header
	var gotQuery string
	var gotBody map[string]any
	api := &modelAPIServer{respond: func(_ int, w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotQuery = r.URL.Query().Get("key")
		raw, _ := io.ReadAll(r.Body)
		gotBody = nil
		_ = json.Unmarshal(raw, &gotBody)
		okJSON(w, `{"output": "x"}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	base := model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
		APIKey:          "secret",
	}

	t.Run("auth_header", func(t *testing.T) {
		f := newHandlerFixture(t, bankOf(1), ModelProbeConfig{MaxAttempts: 1})
		cfg := base
		cfg.APIKeyPlacement = model.APIKeyPlacementAuthHeader
		job := automatedJob(10, cfg)

		_, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
		require.NoError(t, err)
		assert.Equal(t, "Bearer secret", gotHeader.Get("Authorization"))
	})

	t.Run("x_api_key with goog mirror", func(t *testing.T) {
		f := newHandlerFixture(t, bankOf(1), ModelProbeConfig{MaxAttempts: 1})
		cfg := base
		cfg.APIKeyPlacement = model.APIKeyPlacementXAPIKey
		cfg.APIKeyField = "X-Goog-Api-Key"
		job := automatedJob(11, cfg)

		_, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
		require.NoError(t, err)
		assert.Equal(t, "secret", gotHeader.Get("x-goog-api-key"))
	})

	t.Run("query_param", func(t *testing.T) {
		f := newHandlerFixture(t, bankOf(1), ModelProbeConfig{MaxAttempts: 1})
		cfg := base
		cfg.APIKeyPlacement = model.APIKeyPlacementQueryParam
		job := automatedJob(12, cfg)

		_, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
		require.NoError(t, err)
		assert.Equal(t, "secret", gotQuery)
	})

	t.Run("body_field", func(t *testing.T) {
		f := newHandlerFixture(t, bankOf(1), ModelProbeConfig{MaxAttempts: 1})
		cfg := base
		cfg.APIKeyPlacement = model.APIKeyPlacementBodyField
		job := automatedJob(13, cfg)

		_, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
		require.NoError(t, err)
		assert.Equal(t, "secret", gotBody["api_key"])
	})
}

func TestAutomatedHandler_RateGateSpacesCalls(t *testing.T) {
	api := &modelAPIServer{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		okJSON(w, `{"output": "x"}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	minInterval := 120 * time.Millisecond
	f := newHandlerFixture(t, bankOf(2), ModelProbeConfig{
		MinRequestInterval: minInterval,
		MaxAttempts:        1,
	})
	job := automatedJob(14, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
	})

	_, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err)
	require.Equal(t, 2, api.callCount())

	gap := api.callTimes[1].Sub(api.callTimes[0])
	assert.GreaterOrEqual(t, gap, minInterval)
}

func TestAutomatedHandler_OwnershipFailure(t *testing.T) {
	f := newHandlerFixture(t, bankOf(1), ModelProbeConfig{MaxAttempts: 1})
	f.projects.owned = false
	job := automatedJob(15, model.AutomatedAPITestConfig{
		APIURL:          "http://unused",
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
	})

	_, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not owned")
}

func TestAutomatedHandler_EmptyBankCompletesWithZeroSummary(t *testing.T) {
	f := newHandlerFixture(t, nil, ModelProbeConfig{MaxAttempts: 1})
	job := automatedJob(16, model.AutomatedAPITestConfig{
		APIURL:          "http://unused",
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
	})

	report, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err)
	assert.Equal(t, model.Summary{}, report.Summary)
	assert.Empty(t, report.Results)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 0, f.store.initTotal, "progress is not initialized for an empty bank")
}

func TestAutomatedHandler_EvaluatorFailureIsItemFailure(t *testing.T) {
	api := &modelAPIServer{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		okJSON(w, `{"output": "text"}`)
	}}
	server := httptest.NewServer(api.handler())
	defer server.Close()

	bank := bankOf(2)
	f := newHandlerFixture(t, bank, ModelProbeConfig{MaxAttempts: 1})
	f.evaluator.failFor[bank[0].Text] = errors.New("scoring unavailable")
	job := automatedJob(17, model.AutomatedAPITestConfig{
		APIURL:          server.URL,
		RequestTemplate: json.RawMessage(`{"input": "{{PROMPT}}"}`),
		ResponsePath:    "output",
	})

	report, err := f.handler.Handle(context.Background(), job, decodedPayload(t, job))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Successful)
	assert.Equal(t, 1, report.Summary.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error, "scoring unavailable")
}
