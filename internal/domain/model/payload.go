package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIKeyPlacement determines where the API key credential is injected into
// an outgoing model API request.
type APIKeyPlacement string

const (
	// APIKeyPlacementNone sends no credential.
	APIKeyPlacementNone APIKeyPlacement = "none"
	// APIKeyPlacementAuthHeader sends a Bearer token in the Authorization header.
	APIKeyPlacementAuthHeader APIKeyPlacement = "auth_header"
	// APIKeyPlacementXAPIKey sends the key in a custom header (default "x-api-key").
	APIKeyPlacementXAPIKey APIKeyPlacement = "x_api_key"
	// APIKeyPlacementQueryParam merges the key into the URL query string (default param "key").
	APIKeyPlacementQueryParam APIKeyPlacement = "query_param"
	// APIKeyPlacementBodyField merges the key into the JSON body (default field "api_key").
	APIKeyPlacementBodyField APIKeyPlacement = "body_field"
)

// Valid returns true if the placement is a known policy. An empty value is
// treated as "none" for backwards compatibility with stored payloads.
func (p APIKeyPlacement) Valid() bool {
	switch p {
	case APIKeyPlacementNone, APIKeyPlacementAuthHeader, APIKeyPlacementXAPIKey,
		APIKeyPlacementQueryParam, APIKeyPlacementBodyField, "":
		return true
	}
	return false
}

// AutomatedAPITestConfig is the payload variant for automated API test jobs.
type AutomatedAPITestConfig struct {
	APIURL          string          `json:"api_url"`
	RequestTemplate json.RawMessage `json:"request_template"`
	ResponsePath    string          `json:"response_path"`
	APIKeyPlacement APIKeyPlacement `json:"api_key_placement,omitempty"`
	APIKey          string          `json:"api_key,omitempty"`
	APIKeyField     string          `json:"api_key_field,omitempty"`
}

// Validate checks the automated config for structural problems that make the
// whole job unrunnable. Placeholder presence is checked per item, not here.
func (c *AutomatedAPITestConfig) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("api_url is required")
	}
	if len(c.RequestTemplate) == 0 {
		return errors.New("request_template is required")
	}
	if !json.Valid(c.RequestTemplate) {
		return errors.New("request_template must be valid JSON")
	}
	if strings.TrimSpace(c.ResponsePath) == "" {
		return errors.New("response_path is required")
	}
	if !c.APIKeyPlacement.Valid() {
		return fmt.Errorf("invalid api_key_placement: %q", c.APIKeyPlacement)
	}
	if c.APIKeyPlacement != APIKeyPlacementNone && c.APIKeyPlacement != "" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for placement %q", c.APIKeyPlacement)
	}
	return nil
}

// PromptTest is one pre-supplied (category, prompt, response) triple.
type PromptTest struct {
	Category string `json:"category"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// ManualPromptTestConfig is the payload variant for manual prompt test jobs.
type ManualPromptTestConfig struct {
	Tests []PromptTest `json:"tests"`
}

// Validate checks the manual config. An empty test list is allowed; the
// handler completes such jobs immediately with a zeroed summary.
func (c *ManualPromptTestConfig) Validate() error {
	for i, tc := range c.Tests {
		if strings.TrimSpace(tc.Prompt) == "" {
			return fmt.Errorf("tests[%d]: prompt is required", i)
		}
	}
	return nil
}

// JobPayload is the discriminated payload union. Exactly one variant is set,
// matching the job's declared type.
type JobPayload struct {
	Automated *AutomatedAPITestConfig
	Manual    *ManualPromptTestConfig
}

// DecodePayload decodes and validates raw payload JSON against the declared
// job type. A payload that does not match its tag is rejected here, before
// any processing begins, and the caller fails the job.
func DecodePayload(jobType JobType, raw json.RawMessage) (*JobPayload, error) {
	if len(raw) == 0 {
		return nil, errors.New("job payload is missing")
	}

	switch jobType {
	case JobTypeAutomatedAPITest:
		var cfg AutomatedAPITestConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("payload does not match job type %s: %w", jobType, err)
		}
		return &JobPayload{Automated: &cfg}, nil

	case JobTypeManualPromptTest:
		var cfg ManualPromptTestConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if cfg.Tests == nil {
			return nil, fmt.Errorf("payload does not match job type %s: tests list is missing", jobType)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("payload does not match job type %s: %w", jobType, err)
		}
		return &JobPayload{Manual: &cfg}, nil

	default:
		return nil, fmt.Errorf("unknown job type: %q", jobType)
	}
}
