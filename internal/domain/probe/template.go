// Package probe contains the per-prompt machinery used by job handlers:
// request templating, credential injection, response extraction, retry
// backoff, rate gating, and summary aggregation.
package probe

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// PromptPlaceholder is the token a request template must contain somewhere in
// a string leaf. Matching is case-insensitive.
const PromptPlaceholder = "{{PROMPT}}"

// BuildRequestBody parses the stored JSON template and replaces every
// case-insensitive occurrence of the prompt placeholder in every string leaf
// with the prompt text. The returned flag reports whether at least one
// substitution occurred anywhere in the tree.
func BuildRequestBody(template json.RawMessage, prompt string) (any, bool, error) {
	var tree any
	if err := json.Unmarshal(template, &tree); err != nil {
		return nil, false, fmt.Errorf("parse request template: %w", err)
	}
	out, replaced := substitute(tree, prompt)
	return out, replaced, nil
}

// substitute walks the closed JSON sum type (string, number, bool, null,
// array, object) and threads the replaced flag bottom-up.
func substitute(node any, prompt string) (any, bool) {
	switch v := node.(type) {
	case string:
		return replaceFold(v, PromptPlaceholder, prompt)
	case []any:
		replaced := false
		out := make([]any, len(v))
		for i, item := range v {
			child, ok := substitute(item, prompt)
			out[i] = child
			replaced = replaced || ok
		}
		return out, replaced
	case map[string]any:
		replaced := false
		out := make(map[string]any, len(v))
		for k, item := range v {
			child, ok := substitute(item, prompt)
			out[k] = child
			replaced = replaced || ok
		}
		return out, replaced
	default:
		// number, bool, null: nothing to substitute
		return node, false
	}
}

// replaceFold replaces all case-insensitive occurrences of token in s.
// Matching is rune-aware so multi-byte runes surrounding the token never
// skew the slice offsets.
func replaceFold(s, token, repl string) (string, bool) {
	start, end := indexFold(s, token)
	if start < 0 {
		return s, false
	}

	var b strings.Builder
	for start >= 0 {
		b.WriteString(s[:start])
		b.WriteString(repl)
		s = s[end:]
		start, end = indexFold(s, token)
	}
	b.WriteString(s)
	return b.String(), true
}

// indexFold returns the byte range of the first case-insensitive occurrence
// of token in s, or (-1, -1) when absent.
func indexFold(s, token string) (int, int) {
	for i := range s {
		if end, ok := matchFoldAt(s, i, token); ok {
			return i, end
		}
	}
	return -1, -1
}

// matchFoldAt reports whether token matches s at byte offset start under
// Unicode simple case folding, returning the byte offset just past the match.
func matchFoldAt(s string, start int, token string) (int, bool) {
	i := start
	for _, tr := range token {
		sr, size := utf8.DecodeRuneInString(s[i:])
		if size == 0 || !runesFoldEqual(sr, tr) {
			return 0, false
		}
		i += size
	}
	return i, true
}

func runesFoldEqual(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}
