package probe

import (
	"encoding/json"
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
)

// NormalizeResponsePath rewrites dotted numeric segments into bracket index
// form so both syntaxes resolve identically: "a.b.0.c" becomes "a.b[0].c".
// Segments already using brackets pass through unchanged.
func NormalizeResponsePath(path string) string {
	parts := strings.Split(path, ".")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		if isAllDigits(part) {
			b.WriteString("[")
			b.WriteString(part)
			b.WriteString("]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExtractResponseText resolves the stored response path against a JSON body
// and returns the model's text output. A missing path or a non-string
// resolved value is an error the caller records as an item-level failure.
func ExtractResponseText(body []byte, path string) (string, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("parse response body: %w", err)
	}

	expr := NormalizeResponsePath(path)
	result, err := jmespath.Search(expr, data)
	if err != nil {
		return "", fmt.Errorf("resolve response path %q: %w", path, err)
	}
	if result == nil {
		return "", fmt.Errorf("response path %q not found in response", path)
	}

	text, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("response path %q resolved to %T, expected string", path, result)
	}
	return text, nil
}
