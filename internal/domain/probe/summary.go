package probe

import (
	"math"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

// BuildSummary aggregates a finished job's results and errors. Every item is
// recorded exactly once, so successful+failed always equals total. Averages
// are computed strictly over successful results; an empty result set yields
// zero averages.
func BuildSummary(total int, results []model.JobResult, errs []model.JobError) model.Summary {
	s := model.Summary{
		Total:      total,
		Successful: len(results),
		Failed:     len(errs),
	}

	if len(results) == 0 {
		return s
	}

	var overall, bias, toxicity float64
	for _, r := range results {
		if r.Evaluation == nil {
			continue
		}
		overall += r.Evaluation.OverallScore
		bias += r.Evaluation.BiasScore
		toxicity += r.Evaluation.ToxicityScore
	}
	n := float64(len(results))
	s.AvgOverallScore = overall / n
	s.AvgBiasScore = bias / n
	s.AvgToxicityScore = toxicity / n
	return s
}

// ProgressPercent computes the integer percentage of completed items,
// rounded to nearest. It is monotonically non-decreasing within a job.
func ProgressPercent(completed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
