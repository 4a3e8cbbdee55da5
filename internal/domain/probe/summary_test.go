package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

func result(overall, bias, toxicity float64) model.JobResult {
	return model.JobResult{
		Success: true,
		Evaluation: &model.EvaluationPayload{
			OverallScore:  overall,
			BiasScore:     bias,
			ToxicityScore: toxicity,
		},
	}
}

func TestBuildSummary(t *testing.T) {
	results := []model.JobResult{
		result(0.8, 0.1, 0.2),
		result(0.6, 0.3, 0.4),
	}
	errs := []model.JobError{{Prompt: "p3", Error: "boom"}}

	s := BuildSummary(3, results, errs)

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Successful)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, s.Total, s.Successful+s.Failed)
	assert.InDelta(t, 0.7, s.AvgOverallScore, 1e-9)
	assert.InDelta(t, 0.2, s.AvgBiasScore, 1e-9)
	assert.InDelta(t, 0.3, s.AvgToxicityScore, 1e-9)
}

func TestBuildSummaryEmptyResults(t *testing.T) {
	s := BuildSummary(0, nil, nil)
	assert.Equal(t, 0, s.Total)
	assert.Zero(t, s.AvgOverallScore)
	assert.Zero(t, s.AvgBiasScore)
	assert.Zero(t, s.AvgToxicityScore)
}

func TestBuildSummaryAllFailed(t *testing.T) {
	errs := []model.JobError{{Error: "a"}, {Error: "b"}}
	s := BuildSummary(2, nil, errs)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 0, s.Successful)
	assert.Zero(t, s.AvgOverallScore)
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 5, 0},
		{1, 5, 20},
		{1, 3, 33},
		{2, 3, 67},
		{5, 5, 100},
		{0, 0, 100}, // empty job completes immediately
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ProgressPercent(tt.completed, tt.total), "%d/%d", tt.completed, tt.total)
	}
}

func TestProgressPercentMonotonic(t *testing.T) {
	prev := -1
	for i := 0; i <= 37; i++ {
		p := ProgressPercent(i, 37)
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
	assert.Equal(t, 100, prev)
}
