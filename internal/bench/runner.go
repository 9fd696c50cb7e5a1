package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	miltonerrors "milton/internal/errors"
	"milton/internal/llm"
	"milton/internal/logging"
	"milton/internal/memory"
)

// ClientFactory returns an inference client bound to a candidate model
// version.
type ClientFactory func(modelVersion string) llm.Client

// Runner executes the three evaluation tiers for a set of candidates.
type Runner struct {
	factory ClientFactory
	outDir  string
	logger  logging.Logger
	now     func() time.Time
}

// Options tune runner construction.
type Options struct {
	Logger logging.Logger
	Now    func() time.Time
}

// NewRunner creates a runner writing result files under outDir
// (typically <state>/benchmarks/runs).
func NewRunner(factory ClientFactory, outDir string, opts Options) *Runner {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		factory: factory,
		outDir:  outDir,
		logger:  logging.OrNop(opts.Logger),
		now:     now,
	}
}

// Run evaluates every candidate and persists the result file. Tier
// failures degrade the affected metrics to skipped/error; the run
// itself always completes.
func (r *Runner) Run(ctx context.Context, versions []string) (*Run, error) {
	if len(versions) == 0 {
		return nil, miltonerrors.New(miltonerrors.KindValidation, "no candidate versions")
	}

	started := r.now()
	run := &Run{
		RunID:     RunIDFor(started),
		StartedAt: started.UTC(),
		SystemInfo: SystemInfo{
			OS:     runtime.GOOS,
			Arch:   runtime.GOARCH,
			NumCPU: runtime.NumCPU(),
		},
	}
	if host, err := os.Hostname(); err == nil {
		run.SystemInfo.Hostname = host
	}

	for _, version := range versions {
		client := r.factory(version)
		candidate := Candidate{
			ModelVersion: version,
			Metrics:      map[string]MetricResult{},
		}

		r.logger.Info("benchmarking %s: inference tier", version)
		r.inferenceTier(ctx, client, candidate.Metrics)
		r.logger.Info("benchmarking %s: reasoning tier", version)
		r.coveTier(ctx, client, candidate.Metrics)
		r.logger.Info("benchmarking %s: retrieval tier", version)
		r.retrievalTier(ctx, candidate.Metrics)

		run.Candidates = append(run.Candidates, candidate)
	}

	run.FinishedAt = r.now().UTC()

	if r.outDir != "" {
		if err := r.writeRun(run); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// inferenceTier streams the fixed prompt set, excluding warmup
// iterations, and reports TTFT and throughput statistics.
func (r *Runner) inferenceTier(ctx context.Context, client llm.Client, metrics map[string]MetricResult) {
	fail := func(detail string) {
		for _, name := range []string{
			MetricLatencyMS, MetricLatencyMedianMS, MetricLatencyStdMS,
			MetricLatencyP95MS, MetricLatencyP99MS, MetricTokensPerSecond,
		} {
			metrics[name] = MetricResult{Status: StatusError, Detail: detail}
		}
	}

	stream := func(prompt string) (*llm.CompletionResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
		return client.StreamComplete(callCtx, llm.CompletionRequest{
			Messages:    []llm.Message{{Role: "user", Content: prompt}},
			Temperature: 0,
			MaxTokens:   256,
		}, llm.StreamCallbacks{})
	}

	for i := 0; i < warmupIterations; i++ {
		if _, err := stream(inferencePrompts[i%len(inferencePrompts)]); err != nil {
			fail(fmt.Sprintf("warmup: %v", err))
			return
		}
	}

	var ttfts, throughputs []float64
	for _, prompt := range inferencePrompts {
		resp, err := stream(prompt)
		if err != nil {
			fail(err.Error())
			return
		}
		ttfts = append(ttfts, float64(resp.Timing.TTFT)/float64(time.Millisecond))
		throughputs = append(throughputs, resp.Timing.TokensPerSecond)
	}

	latency := Summarize(ttfts)
	throughput := Summarize(throughputs)

	metrics[MetricLatencyMS] = MetricResult{Value: latency.Mean, Unit: "ms", Status: StatusOK}
	metrics[MetricLatencyMedianMS] = MetricResult{Value: latency.Median, Unit: "ms", Status: StatusOK}
	metrics[MetricLatencyStdMS] = MetricResult{Value: latency.StdDev, Unit: "ms", Status: StatusOK}
	metrics[MetricLatencyP95MS] = MetricResult{Value: latency.P95, Unit: "ms", Status: StatusOK}
	metrics[MetricLatencyP99MS] = MetricResult{Value: latency.P99, Unit: "ms", Status: StatusOK}
	metrics[MetricTokensPerSecond] = MetricResult{Value: throughput.Mean, Unit: "tokens/s", Status: StatusOK}
}

// coveTier runs Chain-of-Verification: answer, derive verification
// sub-questions, answer them independently, and flag contradictions
// with a negation/lexical heuristic.
func (r *Runner) coveTier(ctx context.Context, client llm.Client, metrics map[string]MetricResult) {
	ask := func(prompt string) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
		resp, err := client.Complete(callCtx, llm.CompletionRequest{
			Messages:    []llm.Message{{Role: "user", Content: prompt}},
			Temperature: 0,
			MaxTokens:   256,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	passed := 0
	for _, q := range coveQuestions {
		answer, err := ask(q.Question)
		if err != nil {
			metrics[MetricCovePassRate] = MetricResult{Status: StatusError, Detail: err.Error()}
			return
		}

		subQsRaw, err := ask("List two short verification questions, one per line, that would confirm or refute this answer:\n" + answer)
		if err != nil {
			metrics[MetricCovePassRate] = MetricResult{Status: StatusError, Detail: err.Error()}
			return
		}

		consistent := true
		for _, subQ := range splitQuestions(subQsRaw) {
			subAnswer, err := ask(subQ)
			if err != nil {
				metrics[MetricCovePassRate] = MetricResult{Status: StatusError, Detail: err.Error()}
				return
			}
			if contradicts(answer, subAnswer, q.Markers) {
				consistent = false
				break
			}
		}
		if consistent {
			passed++
		}
	}

	metrics[MetricCovePassRate] = MetricResult{
		Value:  float64(passed) / float64(len(coveQuestions)),
		Unit:   "ratio",
		Status: StatusOK,
	}
}

// retrievalTier indexes the golden corpus into a throwaway in-memory
// collection and scores each query against its ground-truth doc set.
func (r *Runner) retrievalTier(ctx context.Context, metrics map[string]MetricResult) {
	fail := func(detail string) {
		for _, name := range []string{MetricRetrievalF1, MetricRetrievalPrec, MetricRetrievalRecall} {
			metrics[name] = MetricResult{Status: StatusError, Detail: detail}
		}
	}

	embedder := memory.NewHashingEmbedder(256)
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("bench_retrieval", nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	if err != nil {
		fail(err.Error())
		return
	}
	for _, doc := range goldenCorpus {
		if err := collection.AddDocument(ctx, chromem.Document{ID: doc.ID, Content: doc.Content}); err != nil {
			fail(err.Error())
			return
		}
	}

	var f1Sum, precSum, recallSum float64
	for _, q := range goldenQueries {
		k := len(q.Relevant)
		results, err := collection.Query(ctx, q.Query, k, nil, nil)
		if err != nil {
			fail(err.Error())
			return
		}

		truth := make(map[string]bool, len(q.Relevant))
		for _, id := range q.Relevant {
			truth[id] = true
		}
		hits := 0
		for _, res := range results {
			if truth[res.ID] {
				hits++
			}
		}

		var precision, recall float64
		if len(results) > 0 {
			precision = float64(hits) / float64(len(results))
		}
		recall = float64(hits) / float64(len(q.Relevant))
		precSum += precision
		recallSum += recall
		if precision+recall > 0 {
			f1Sum += 2 * precision * recall / (precision + recall)
		}
	}

	n := float64(len(goldenQueries))
	metrics[MetricRetrievalPrec] = MetricResult{Value: precSum / n, Unit: "ratio", Status: StatusOK}
	metrics[MetricRetrievalRecall] = MetricResult{Value: recallSum / n, Unit: "ratio", Status: StatusOK}
	metrics[MetricRetrievalF1] = MetricResult{Value: f1Sum / n, Unit: "ratio", Status: StatusOK}
}

func (r *Runner) writeRun(run *Run) error {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "create benchmark dir")
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode benchmark run")
	}
	path := filepath.Join(r.outDir, run.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "write benchmark run")
	}
	r.logger.Info("benchmark run written to %s", path)
	return nil
}

// LoadRun reads a previously written run file.
func LoadRun(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "read benchmark run")
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "decode benchmark run")
	}
	return &run, nil
}

// LatestRunPath returns the newest run file under dir, relying on the
// lexicographic run id ordering.
func LatestRunPath(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", miltonerrors.Wrap(err, miltonerrors.KindIO, "list benchmark runs")
	}
	latest := ""
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "benchmark_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name > latest {
			latest = name
		}
	}
	if latest == "" {
		return "", miltonerrors.New(miltonerrors.KindNoCandidate, "no benchmark runs found")
	}
	return filepath.Join(dir, latest), nil
}

func splitQuestions(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 2 {
			break
		}
	}
	return out
}

// contradicts applies the negation/lexical mismatch heuristic: the
// verification answer contradicts the original when their polarity
// differs on the question's marker terms.
func contradicts(answer, subAnswer string, markers []string) bool {
	ansNeg := hasNegation(answer)
	subNeg := hasNegation(subAnswer)
	if ansNeg != subNeg {
		// Polarity flip counts only when the texts share marker ground.
		if sharesMarker(answer, markers) && sharesMarker(subAnswer, markers) {
			return true
		}
	}
	return false
}

var negationTerms = map[string]bool{
	"not": true, "no": true, "never": true, "cannot": true,
	"isn't": true, "doesn't": true, "won't": true, "false": true,
}

func hasNegation(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == ';' || r == ':' || r == '!' || r == '?' || r == '\n'
	})
	for _, w := range words {
		if negationTerms[w] {
			return true
		}
	}
	return false
}

func sharesMarker(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
