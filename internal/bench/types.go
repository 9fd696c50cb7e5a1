// Package bench runs the three-tier model evaluation: inference latency,
// Chain-of-Verification reasoning, and retrieval quality. Every metric
// carries an explicit status so a failed tier is visible, never silently
// missing.
package bench

import "time"

// Metric status values.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Canonical metric names. The selector requires the first four.
const (
	MetricLatencyMS       = "latency_ms"
	MetricTokensPerSecond = "tokens_per_second"
	MetricCovePassRate    = "cove_pass_rate"
	MetricRetrievalF1     = "retrieval_f1"

	MetricLatencyMedianMS = "latency_median_ms"
	MetricLatencyStdMS    = "latency_std_ms"
	MetricLatencyP95MS    = "latency_p95_ms"
	MetricLatencyP99MS    = "latency_p99_ms"
	MetricRetrievalPrec   = "retrieval_precision"
	MetricRetrievalRecall = "retrieval_recall"
)

// MetricResult is one measured value with its status.
type MetricResult struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Status string  `json:"status"`
	Detail string  `json:"detail,omitempty"`
}

// Candidate is one evaluated model version.
type Candidate struct {
	ModelVersion string                  `json:"model_version"`
	Metrics      map[string]MetricResult `json:"metrics"`
}

// SystemInfo records the host the run executed on.
type SystemInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	NumCPU   int    `json:"num_cpu"`
	Hostname string `json:"hostname,omitempty"`
}

// Run is the output of one benchmark invocation. RunID is
// benchmark_YYYYMMDD_HHMMSS and sorts lexicographically by start time.
type Run struct {
	RunID      string      `json:"run_id"`
	Candidates []Candidate `json:"candidates"`
	SystemInfo SystemInfo  `json:"system_info"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// RunIDFor formats the run id for a start time.
func RunIDFor(start time.Time) string {
	return "benchmark_" + start.UTC().Format("20060102_150405")
}
