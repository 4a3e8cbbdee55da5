package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairlens/fairlens-worker/internal/core"
	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

const (
	promptBankCacheKey = "fairlens:prompt_bank"

	defaultPromptBankTTL = 10 * time.Minute
)

// PromptBankServiceOptions groups dependencies for PromptBankService.
type PromptBankServiceOptions struct {
	Repo   core.PromptBankRepository // Required: prompt bank source of truth
	Cache  core.CacheRepository      // Optional: read-through cache
	TTL    time.Duration             // Optional: cache entry lifetime (default 10m)
	Logger *slog.Logger              // Optional: structured logger
}

// PromptBankService serves the fixed prompt bank with a read-through cache.
// The bank changes rarely and every automated job reads all of it, so cache
// misses are cheap and hits save a table scan per job.
type PromptBankService struct {
	repo   core.PromptBankRepository
	cache  core.CacheRepository
	ttl    time.Duration
	logger *slog.Logger
}

// NewPromptBankService constructs a new PromptBankService.
func NewPromptBankService(opts PromptBankServiceOptions) (*PromptBankService, error) {
	if opts.Repo == nil {
		return nil, errors.New("PromptBankRepository is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultPromptBankTTL
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PromptBankService{
		repo:   opts.Repo,
		cache:  opts.Cache,
		ttl:    ttl,
		logger: logger.With("component", "prompt_bank"),
	}, nil
}

// List returns the full prompt bank, serving from cache when possible.
// Cache failures fall back to the database; the bank read never fails on a
// cache-only problem.
func (s *PromptBankService) List(ctx context.Context) ([]model.Prompt, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, promptBankCacheKey)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "prompt bank cache read failed", "err", err)
		case cached != nil:
			var prompts []model.Prompt
			if unmarshalErr := json.Unmarshal(cached, &prompts); unmarshalErr == nil {
				return prompts, nil
			}
			s.logger.WarnContext(ctx, "discarding malformed prompt bank cache entry")
		}
	}

	prompts, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prompt bank: %w", err)
	}

	if s.cache != nil {
		if encoded, marshalErr := json.Marshal(prompts); marshalErr == nil {
			if setErr := s.cache.Set(ctx, promptBankCacheKey, encoded, s.ttl); setErr != nil {
				s.logger.WarnContext(ctx, "prompt bank cache write failed", "err", setErr)
			}
		}
	}

	return prompts, nil
}
