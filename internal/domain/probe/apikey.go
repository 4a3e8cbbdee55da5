package probe

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

const (
	defaultAPIKeyHeader = "x-api-key"
	defaultAPIKeyParam  = "key"
	defaultAPIKeyField  = "api_key"

	// googAPIKeyHeader is mirrored alongside the custom header when the
	// override name matches it; that vendor accepts either header and some
	// gateways require both.
	googAPIKeyHeader = "x-goog-api-key"
)

// ErrBodyFieldRequiresObject is returned when the body_field placement is
// configured but the built request body is not a JSON object. This is a
// configuration error that holds for every prompt, so callers fail the job.
var ErrBodyFieldRequiresObject = errors.New("api_key_placement body_field requires a JSON object request body")

// InjectAPIKey applies the configured credential placement policy to the
// outgoing request. It returns the (possibly rewritten) URL and body; headers
// are mutated in place.
func InjectAPIKey(
	cfg *model.AutomatedAPITestConfig,
	reqURL string,
	header http.Header,
	body any,
) (string, any, error) {
	switch cfg.APIKeyPlacement {
	case model.APIKeyPlacementNone, "":
		return reqURL, body, nil

	case model.APIKeyPlacementAuthHeader:
		header.Set("Authorization", "Bearer "+cfg.APIKey)
		return reqURL, body, nil

	case model.APIKeyPlacementXAPIKey:
		name := cfg.APIKeyField
		if strings.TrimSpace(name) == "" {
			name = defaultAPIKeyHeader
		}
		header.Set(name, cfg.APIKey)
		if strings.EqualFold(name, googAPIKeyHeader) {
			header.Set(googAPIKeyHeader, cfg.APIKey)
		}
		return reqURL, body, nil

	case model.APIKeyPlacementQueryParam:
		name := cfg.APIKeyField
		if strings.TrimSpace(name) == "" {
			name = defaultAPIKeyParam
		}
		u, err := url.Parse(reqURL)
		if err != nil {
			return "", nil, fmt.Errorf("parse api url: %w", err)
		}
		q := u.Query()
		q.Set(name, cfg.APIKey)
		u.RawQuery = q.Encode()
		return u.String(), body, nil

	case model.APIKeyPlacementBodyField:
		name := cfg.APIKeyField
		if strings.TrimSpace(name) == "" {
			name = defaultAPIKeyField
		}
		obj, ok := body.(map[string]any)
		if !ok {
			return "", nil, ErrBodyFieldRequiresObject
		}
		obj[name] = cfg.APIKey
		return reqURL, obj, nil

	default:
		return "", nil, fmt.Errorf("unknown api_key_placement: %q", cfg.APIKeyPlacement)
	}
}
