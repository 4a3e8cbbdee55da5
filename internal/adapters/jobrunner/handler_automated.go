package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fairlens/fairlens-worker/internal/core"
	"github.com/fairlens/fairlens-worker/internal/domain/model"
	"github.com/fairlens/fairlens-worker/internal/domain/probe"
)

// maxModelResponseBytes bounds model API response reads.
const maxModelResponseBytes = 4 << 20

// AutomatedHandlerOptions groups dependencies for AutomatedHandler.
type AutomatedHandlerOptions struct {
	Jobs       JobStore               // Required: progress bookkeeping
	Projects   core.ProjectRepository // Required: ownership check
	Prompts    PromptSource           // Required: prompt bank
	Evaluator  core.Evaluator         // Required: scoring collaborator
	HTTPClient *http.Client           // Required: model API transport
	Probe      ModelProbeConfig       // Rate gate / retry parameters
	Logger     *slog.Logger           // Optional: structured logger
}

// AutomatedHandler replays the fixed prompt bank against the job's external
// model API, one prompt at a time, scoring each extracted response. The loop
// is strictly sequential so the per-job rate gate holds toward the
// caller-owned endpoint.
type AutomatedHandler struct {
	jobs      JobStore
	projects  core.ProjectRepository
	prompts   PromptSource
	evaluator core.Evaluator
	http      *http.Client
	probe     ModelProbeConfig
	logger    *slog.Logger
}

// NewAutomatedHandler constructs a new AutomatedHandler.
func NewAutomatedHandler(opts AutomatedHandlerOptions) (*AutomatedHandler, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Projects == nil {
		return nil, errors.New("ProjectRepository is required")
	}
	if opts.Prompts == nil {
		return nil, errors.New("PromptSource is required")
	}
	if opts.Evaluator == nil {
		return nil, errors.New("Evaluator is required")
	}
	if opts.HTTPClient == nil {
		return nil, errors.New("HTTPClient is required")
	}

	cfg := opts.Probe
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = 2 * time.Second
	}
	if cfg.Backoff.Ceiling < cfg.Backoff.Base {
		cfg.Backoff.Ceiling = cfg.Backoff.Base
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AutomatedHandler{
		jobs:      opts.Jobs,
		projects:  opts.Projects,
		prompts:   opts.Prompts,
		evaluator: opts.Evaluator,
		http:      opts.HTTPClient,
		probe:     cfg,
		logger:    logger.With("handler", "automated_api_test"),
	}, nil
}

// Handle runs one automated API test job to its completion report.
func (h *AutomatedHandler) Handle(ctx context.Context, job *model.Job, payload *model.JobPayload) (*model.CompletionReport, error) {
	cfg := payload.Automated
	if cfg == nil {
		return nil, errors.New("automated payload is missing")
	}

	owned, err := h.projects.OwnedBy(ctx, job.ProjectID, job.UserID)
	if err != nil {
		return nil, fmt.Errorf("verify project ownership: %w", err)
	}
	if !owned {
		return nil, fmt.Errorf("project %s is not owned by user %s", job.ProjectID, job.UserID)
	}

	prompts, err := h.prompts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prompt bank: %w", err)
	}
	if len(prompts) == 0 {
		return emptyReport(), nil
	}

	if err := h.jobs.InitProgress(ctx, job.ID, len(prompts)); err != nil {
		return nil, fmt.Errorf("initialize progress: %w", err)
	}

	// One gate per job invocation: the first call passes immediately,
	// consecutive calls are spaced at least MinRequestInterval apart.
	gate := probe.NewRateGate(h.probe.MinRequestInterval)

	results := make([]model.JobResult, 0, len(prompts))
	itemErrors := make([]model.JobError, 0)

	for i, prompt := range prompts {
		result, itemErr := h.processPrompt(ctx, job, cfg, gate, prompt)
		switch {
		case itemErr == nil:
			results = append(results, *result)
		case errors.Is(itemErr, probe.ErrBodyFieldRequiresObject):
			// A placement policy that can never succeed fails the job,
			// not just the item.
			return nil, itemErr
		default:
			h.logger.WarnContext(ctx, "prompt failed",
				"job_id", job.JobID,
				"category", prompt.Category,
				"err", itemErr,
			)
			itemErrors = append(itemErrors, model.JobError{
				Category: prompt.Category,
				Prompt:   prompt.Text,
				Error:    itemErr.Error(),
			})
		}

		completed := i + 1
		h.jobs.RecordProgress(ctx, job.ID, model.ProgressUpdate{
			Completed:           completed,
			Total:               len(prompts),
			Percent:             probe.ProgressPercent(completed, len(prompts)),
			LastProcessedPrompt: prompt.Text,
		})
	}

	return &model.CompletionReport{
		Summary: probe.BuildSummary(len(prompts), results, itemErrors),
		Results: results,
		Errors:  itemErrors,
	}, nil
}

// processPrompt runs steps b-f for one prompt: build, inject credentials,
// call with retry, extract, score.
func (h *AutomatedHandler) processPrompt(
	ctx context.Context,
	job *model.Job,
	cfg *model.AutomatedAPITestConfig,
	gate *probe.RateGate,
	prompt model.Prompt,
) (*model.JobResult, error) {
	body, replaced, err := probe.BuildRequestBody(cfg.RequestTemplate, prompt.Text)
	if err != nil {
		return nil, err
	}
	if !replaced {
		// No network call is spent on a template that cannot carry the prompt.
		return nil, fmt.Errorf("request template must contain the %s placeholder", probe.PromptPlaceholder)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	reqURL, body, err := probe.InjectAPIKey(cfg, cfg.APIURL, header, body)
	if err != nil {
		return nil, err
	}

	respBody, err := h.callModelAPI(ctx, reqURL, header, body, gate)
	if err != nil {
		return nil, err
	}

	responseText, err := probe.ExtractResponseText(respBody, cfg.ResponsePath)
	if err != nil {
		return nil, err
	}

	evaluation, err := h.evaluator.Evaluate(ctx, model.EvaluationRequest{
		ProjectID:    job.ProjectID,
		UserID:       job.UserID,
		Category:     prompt.Category,
		QuestionText: prompt.Text,
		UserResponse: responseText,
	})
	if err != nil {
		return nil, err
	}

	return &model.JobResult{
		Category:   prompt.Category,
		Prompt:     prompt.Text,
		Success:    true,
		Message:    successMessage(evaluation),
		Evaluation: evaluation,
	}, nil
}

// callModelAPI POSTs the built request, retrying 429 responses within the
// attempt budget. The rate gate is taken immediately before each attempt.
func (h *AutomatedHandler) callModelAPI(
	ctx context.Context,
	reqURL string,
	header http.Header,
	body any,
	gate *probe.RateGate,
) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	for attempt := 1; ; attempt++ {
		if gateErr := gate.Wait(ctx); gateErr != nil {
			return nil, fmt.Errorf("rate gate: %w", gateErr)
		}

		respBody, status, retryAfter, callErr := h.doCall(ctx, reqURL, header, encoded)
		if callErr != nil {
			return nil, callErr
		}

		if status >= 200 && status < 300 {
			return respBody, nil
		}

		if status == http.StatusTooManyRequests && attempt < h.probe.MaxAttempts {
			delay := h.probe.Backoff.Delay(attempt+1, retryAfter, time.Now())
			h.logger.DebugContext(ctx, "model API rate limited, retrying",
				"attempt", attempt,
				"delay", delay,
			)
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = "no response body"
		}
		return nil, fmt.Errorf("model API returned status %d: %s", status, truncate(msg, 300))
	}
}

func (h *AutomatedHandler) doCall(ctx context.Context, reqURL string, header http.Header, body []byte) ([]byte, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, "", fmt.Errorf("build model API request: %w", err)
	}
	req.Header = header.Clone()

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("call model API: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			h.logger.WarnContext(ctx, "failed to close model API response body", "err", cerr)
		}
	}()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxModelResponseBytes))
	if readErr != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, 0, "", fmt.Errorf("read model API response: %w", readErr)
		}
		// Failure responses still fail the item with a generic message.
		respBody = nil
	}

	return respBody, resp.StatusCode, resp.Header.Get("Retry-After"), nil
}

func successMessage(evaluation *model.EvaluationPayload) string {
	return fmt.Sprintf("Evaluation completed with an overall score of %.0f%%", evaluation.OverallScore*100)
}

func emptyReport() *model.CompletionReport {
	return &model.CompletionReport{
		Summary: probe.BuildSummary(0, nil, nil),
		Results: []model.JobResult{},
		Errors:  []model.JobError{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
