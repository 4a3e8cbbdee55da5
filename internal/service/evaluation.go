package service

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

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

const (
	defaultEvaluationTimeout  = 60 * time.Second
	defaultEvaluationTokenTTL = 5 * time.Minute

	// maxEvaluationResponseBytes bounds response reads so a misbehaving
	// collaborator cannot exhaust worker memory.
	maxEvaluationResponseBytes = 4 << 20
)

// EvaluationClientOptions groups dependencies for EvaluationClient.
type EvaluationClientOptions struct {
	BaseURL    string        // Required: evaluation service base URL
	SigningKey []byte        // Required: shared HS256 key for request credentials
	TokenTTL   time.Duration // Optional: per-request credential lifetime (default 5m)
	Timeout    time.Duration // Optional: HTTP timeout (default 60s)
	HTTPClient *http.Client  // Optional: override transport (used in tests)
	Logger     *slog.Logger  // Optional: structured logger
}

// EvaluationClient scores prompt/response pairs by calling the external
// evaluation service. Each request carries a freshly minted short-lived
// signed credential for the job's user.
type EvaluationClient struct {
	baseURL  string
	signer   jose.Signer
	tokenTTL time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewEvaluationClient constructs a new EvaluationClient.
func NewEvaluationClient(opts EvaluationClientOptions) (*EvaluationClient, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("evaluation base URL is required")
	}
	if len(opts.SigningKey) == 0 {
		return nil, errors.New("evaluation signing key is required")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: opts.SigningKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token signer: %w", err)
	}

	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultEvaluationTokenTTL
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultEvaluationTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EvaluationClient{
		baseURL:  baseURL,
		signer:   signer,
		tokenTTL: tokenTTL,
		client:   client,
		logger:   logger.With("component", "evaluation_client"),
	}, nil
}

// Evaluate submits one prompt/response pair and returns its scores.
func (c *EvaluationClient) Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.EvaluationPayload, error) {
	token, err := c.mintToken(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("mint evaluation credential: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build evaluation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call evaluation service: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.WarnContext(ctx, "failed to close evaluation response body", "err", cerr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxEvaluationResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read evaluation response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("evaluation service returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var evalResp model.EvaluationResponse
	if err := json.Unmarshal(respBody, &evalResp); err != nil {
		return nil, fmt.Errorf("decode evaluation response: %w", err)
	}
	if !evalResp.Success {
		if evalResp.Error != "" {
			return nil, fmt.Errorf("evaluation failed: %s", evalResp.Error)
		}
		return nil, errors.New("evaluation failed without a reported reason")
	}
	if evalResp.Evaluation == nil {
		return nil, errors.New("evaluation response missing evaluation payload")
	}

	return evalResp.Evaluation, nil
}

func (c *EvaluationClient) mintToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.Claims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(c.tokenTTL)),
	}
	return jwt.Signed(c.signer).Claims(claims).Serialize()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
