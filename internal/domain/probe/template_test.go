package probe

import (
	"encoding/json"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestBody(t *testing.T) {
	tests := []struct {
		name         string
		template     string
		prompt       string
		wantReplaced bool
		check        func(t *testing.T, body any)
	}{
		{
			name:         "simple string leaf",
			template:     `{"prompt":"{{PROMPT}}"}`,
			prompt:       "hello",
			wantReplaced: true,
			check: func(t *testing.T, body any) {
				m := body.(map[string]any)
				assert.Equal(t, "hello", m["prompt"])
			},
		},
		{
			name:         "case-insensitive token",
			template:     `{"messages":[{"role":"user","content":"{{prompt}}"}]}`,
			prompt:       "who are you",
			wantReplaced: true,
			check: func(t *testing.T, body any) {
				m := body.(map[string]any)
				msgs := m["messages"].([]any)
				first := msgs[0].(map[string]any)
				assert.Equal(t, "who are you", first["content"])
			},
		},
		{
			name:         "multiple occurrences in one leaf",
			template:     `{"text":"{{PROMPT}} and again {{Prompt}}"}`,
			prompt:       "x",
			wantReplaced: true,
			check: func(t *testing.T, body any) {
				m := body.(map[string]any)
				assert.Equal(t, "x and again x", m["text"])
			},
		},
		{
			name:         "nested arrays and non-string leaves untouched",
			template:     `{"n":3,"ok":true,"none":null,"inner":{"list":["a","{{PROMPT}}"]}}`,
			prompt:       "p",
			wantReplaced: true,
			check: func(t *testing.T, body any) {
				m := body.(map[string]any)
				assert.Equal(t, float64(3), m["n"])
				assert.Equal(t, true, m["ok"])
				assert.Nil(t, m["none"])
				inner := m["inner"].(map[string]any)
				list := inner["list"].([]any)
				assert.Equal(t, []any{"a", "p"}, list)
			},
		},
		{
			name:         "multi-byte runes around the token stay intact",
			template:     `{"input":"K {{PROMPT}} é"}`,
			prompt:       "hello",
			wantReplaced: true,
			check: func(t *testing.T, body any) {
				m := body.(map[string]any)
				assert.Equal(t, "K hello é", m["input"])
			},
		},
		{
			name:         "no placeholder anywhere",
			template:     `{"prompt":"static","nested":{"a":[1,2]}}`,
			prompt:       "ignored",
			wantReplaced: false,
			check:        func(t *testing.T, body any) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, replaced, err := BuildRequestBody(json.RawMessage(tt.template), tt.prompt)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReplaced, replaced)
			tt.check(t, body)
		})
	}
}

func TestBuildRequestBodyInvalidJSON(t *testing.T) {
	_, _, err := BuildRequestBody(json.RawMessage(`{"broken`), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse request template")
}

func TestReplaceFoldPreservesSurroundingText(t *testing.T) {
	out, replaced := replaceFold("before {{pRoMpT}} after", PromptPlaceholder, "X")
	assert.True(t, replaced)
	assert.Equal(t, "before X after", out)
}

func TestReplaceFoldWideCaseFoldingRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"kelvin sign before token", "K {{PROMPT}}", "K X"},
		{"dotted capital I before token", "İ {{prompt}} end", "İ X end"},
		{"multi-byte runes on both sides", "é{{Prompt}}ü", "éXü"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, replaced := replaceFold(tt.in, PromptPlaceholder, "X")
			require.True(t, replaced)
			assert.Equal(t, tt.want, out)
			assert.True(t, utf8.ValidString(out))
		})
	}
}

func TestReplaceFoldKelvinMatchesLatinK(t *testing.T) {
	out, replaced := replaceFold("Keep this", "keep", "drop")
	assert.True(t, replaced)
	assert.Equal(t, "drop this", out)
}
