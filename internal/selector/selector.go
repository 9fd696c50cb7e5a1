// Package selector picks the deployment candidate from a benchmark run:
// a hard threshold gate first, then a weighted score over normalized
// metrics. Same run and config always yield the same choice.
package selector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"milton/internal/bench"
	"milton/internal/config"
	miltonerrors "milton/internal/errors"
)

// requiredMetrics must be present with status ok for a candidate to
// enter scoring.
var requiredMetrics = []string{
	bench.MetricLatencyMS,
	bench.MetricTokensPerSecond,
	bench.MetricCovePassRate,
	bench.MetricRetrievalF1,
}

// Rejection explains why a candidate was gated out.
type Rejection struct {
	ModelVersion string   `json:"model_version"`
	Reasons      []string `json:"reasons"`
}

// Score is one surviving candidate with its weighted total and the
// normalized components behind it.
type Score struct {
	ModelVersion string             `json:"model_version"`
	Total        float64            `json:"total"`
	Normalized   map[string]float64 `json:"normalized"`
	Raw          map[string]float64 `json:"raw"`
}

// Result is the full selection outcome, rejections included, so the
// decision can be audited after the fact.
type Result struct {
	Selected   *Score      `json:"selected"`
	Scores     []Score     `json:"scores"`
	Rejections []Rejection `json:"rejections"`
	RunID      string      `json:"run_id"`
}

// RejectionSummaries renders the rejections one line each for logging.
func (r *Result) RejectionSummaries() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Rejections))
	for _, rej := range r.Rejections {
		out = append(out, rej.ModelVersion+": "+strings.Join(rej.Reasons, "; "))
	}
	return out
}

// Select applies the threshold gate and weighted scoring to run.
// Every candidate rejected yields KindThresholdRejected; an empty run
// yields KindNoCandidate.
func Select(run *bench.Run, cfg config.SelectorConfig) (*Result, error) {
	if run == nil || len(run.Candidates) == 0 {
		return nil, miltonerrors.New(miltonerrors.KindNoCandidate, "benchmark run has no candidates")
	}

	result := &Result{RunID: run.RunID}

	var survivors []bench.Candidate
	for _, candidate := range run.Candidates {
		reasons := gate(candidate, cfg)
		if len(reasons) > 0 {
			result.Rejections = append(result.Rejections, Rejection{
				ModelVersion: candidate.ModelVersion,
				Reasons:      reasons,
			})
			continue
		}
		survivors = append(survivors, candidate)
	}

	if len(survivors) == 0 {
		return result, miltonerrors.Newf(miltonerrors.KindThresholdRejected,
			"all %d candidates rejected by threshold gate", len(run.Candidates))
	}

	// Throughput is normalized against the best survivor.
	maxThroughput := 0.0
	for _, c := range survivors {
		if v := c.Metrics[bench.MetricTokensPerSecond].Value; v > maxThroughput {
			maxThroughput = v
		}
	}

	latencyCap := cfg.LatencyCapMS
	if latencyCap <= 0 {
		latencyCap = 1000
	}

	for _, candidate := range survivors {
		raw := map[string]float64{}
		for _, name := range requiredMetrics {
			raw[name] = candidate.Metrics[name].Value
		}

		normalized := map[string]float64{
			bench.MetricLatencyMS:       1 - clamp01(raw[bench.MetricLatencyMS]/latencyCap),
			bench.MetricCovePassRate:    clamp01(raw[bench.MetricCovePassRate]),
			bench.MetricRetrievalF1:     clamp01(raw[bench.MetricRetrievalF1]),
			bench.MetricTokensPerSecond: 0,
		}
		if maxThroughput > 0 {
			normalized[bench.MetricTokensPerSecond] = clamp01(raw[bench.MetricTokensPerSecond] / maxThroughput)
		}

		total := cfg.Weights.Latency*normalized[bench.MetricLatencyMS] +
			cfg.Weights.Throughput*normalized[bench.MetricTokensPerSecond] +
			cfg.Weights.Cove*normalized[bench.MetricCovePassRate] +
			cfg.Weights.Retrieval*normalized[bench.MetricRetrievalF1]

		result.Scores = append(result.Scores, Score{
			ModelVersion: candidate.ModelVersion,
			Total:        total,
			Normalized:   normalized,
			Raw:          raw,
		})
	}

	sort.Slice(result.Scores, func(i, j int) bool {
		return scoreLess(result.Scores[j], result.Scores[i])
	})

	result.Selected = &result.Scores[0]
	return result, nil
}

// gate returns the threshold violations for a candidate, empty when it
// passes.
func gate(c bench.Candidate, cfg config.SelectorConfig) []string {
	var reasons []string

	for _, name := range requiredMetrics {
		m, ok := c.Metrics[name]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("required metric %s missing", name))
			continue
		}
		if m.Status != bench.StatusOK {
			reasons = append(reasons, fmt.Sprintf("required metric %s has status %s: %s", name, m.Status, m.Detail))
		}
	}
	if len(reasons) > 0 {
		return reasons
	}

	if v := c.Metrics[bench.MetricCovePassRate].Value; v < cfg.CoveMin {
		reasons = append(reasons, fmt.Sprintf("cove_pass_rate %.4f below minimum %.2f", v, cfg.CoveMin))
	}
	if v := c.Metrics[bench.MetricRetrievalF1].Value; v < cfg.RetrievalF1Min {
		reasons = append(reasons, fmt.Sprintf("retrieval_f1 %.4f below minimum %.2f", v, cfg.RetrievalF1Min))
	}
	return reasons
}

// scoreLess orders a strictly below b: lower total, then higher
// latency, then lower throughput, then lexicographically larger
// version. Sorting with this descending puts the winner first.
func scoreLess(a, b Score) bool {
	const eps = 1e-9
	if math.Abs(a.Total-b.Total) > eps {
		return a.Total < b.Total
	}
	if math.Abs(a.Raw[bench.MetricLatencyMS]-b.Raw[bench.MetricLatencyMS]) > eps {
		return a.Raw[bench.MetricLatencyMS] > b.Raw[bench.MetricLatencyMS]
	}
	if math.Abs(a.Raw[bench.MetricTokensPerSecond]-b.Raw[bench.MetricTokensPerSecond]) > eps {
		return a.Raw[bench.MetricTokensPerSecond] < b.Raw[bench.MetricTokensPerSecond]
	}
	return a.ModelVersion > b.ModelVersion
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
