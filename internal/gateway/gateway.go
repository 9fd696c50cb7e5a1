// Package gateway is the request front door: it classifies intent,
// short-circuits deterministic no-ops and direct actions without any
// model call, and dispatches everything else to agents on a worker
// pool, streaming ordered events per request.
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"milton/internal/agents"
	miltonerrors "milton/internal/errors"
	"milton/internal/intent"
	"milton/internal/llm"
	"milton/internal/logging"
	"milton/internal/memory"
	"milton/internal/reminder"
	"milton/internal/router"
)

// Request statuses.
const (
	StatusPending  = "PENDING"
	StatusRouting  = "ROUTING"
	StatusRunning  = "RUNNING"
	StatusComplete = "COMPLETE"
	StatusFailed   = "FAILED"
)

const (
	defaultWorkers = 4
	recentCapacity = 256

	// healthTTL caches the backend probe so a burst of submissions
	// costs one ping.
	healthTTL = 5 * time.Second
)

var (
	metricsOnce      sync.Once
	requestsTotal    *prometheus.CounterVec
	requestDuration  prometheus.Histogram
	noopShortCircuit prometheus.Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "milton_gateway_requests_total",
			Help: "Requests by terminal status.",
		}, []string{"status"})
		requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "milton_gateway_request_duration_seconds",
			Help:    "Wall time from submit to complete.",
			Buckets: prometheus.DefBuckets,
		})
		noopShortCircuit = promauto.NewCounter(prometheus.CounterOpts{
			Name: "milton_gateway_noop_short_circuits_total",
			Help: "Requests answered deterministically without a model call.",
		})
	})
}

// Request is the gateway's record of one submission.
type Request struct {
	ID          string     `json:"id"`
	Query       string     `json:"query"`
	Agent       string     `json:"agent,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// SubmitResult is returned immediately from Submit.
type SubmitResult struct {
	RequestID     string  `json:"request_id"`
	AgentAssigned string  `json:"agent_assigned"`
	Confidence    float64 `json:"confidence"`
}

// Gateway wires the orchestrator together.
type Gateway struct {
	router    *router.Router
	agents    *agents.Registry
	store     *memory.Store
	reminders *reminder.Scheduler
	client    llm.Client
	dedup     *deduper

	mu      sync.Mutex
	recent  *lru.Cache[string, *Request]
	streams map[string]*stream

	healthMu sync.Mutex
	healthAt time.Time
	healthUp bool

	work chan func()
	stop chan struct{}
	wg   sync.WaitGroup

	logger logging.Logger
	now    func() time.Time
	loc    *time.Location
}

// Options tune gateway construction.
type Options struct {
	Workers  int
	Logger   logging.Logger
	Now      func() time.Time
	Location *time.Location
}

// New creates the gateway and starts its worker pool. dedupDir holds
// the on-disk key set; pass the state path dedup/.
func New(rt *router.Router, reg *agents.Registry, store *memory.Store,
	reminders *reminder.Scheduler, client llm.Client, dedupDir string, opts Options) (*Gateway, error) {

	initMetrics()

	dedup, err := newDeduper(dedupDir)
	if err != nil {
		return nil, err
	}
	recent, err := lru.New[string, *Request](recentCapacity)
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindInternal, "create recent cache")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	g := &Gateway{
		router:    rt,
		agents:    reg,
		store:     store,
		reminders: reminders,
		client:    client,
		dedup:     dedup,
		recent:    recent,
		streams:   make(map[string]*stream),
		work:      make(chan func(), workers*4),
		stop:      make(chan struct{}),
		logger:    logging.OrNop(opts.Logger),
		now:       now,
		loc:       loc,
	}

	for i := 0; i < workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	return g, nil
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		case task := <-g.work:
			task()
		}
	}
}

// Close drains the worker pool.
func (g *Gateway) Close() {
	close(g.stop)
	g.wg.Wait()
}

// Submit accepts a query. agentOverride, when non-empty, skips routing.
func (g *Gateway) Submit(ctx context.Context, query, agentOverride string) (SubmitResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SubmitResult{}, miltonerrors.New(miltonerrors.KindValidation, "query is empty")
	}

	req := &Request{
		ID:        uuid.NewString(),
		Query:     query,
		Status:    StatusPending,
		CreatedAt: g.now().UTC(),
	}
	st := newStream(req.ID)
	g.mu.Lock()
	g.recent.Add(req.ID, req)
	g.streams[req.ID] = st
	g.mu.Unlock()

	detected := intent.Normalize(query, g.now(), g.loc)

	// Deterministic no-op: the user mentioned an action but asked for
	// nothing executable. Answer with guidance, zero model calls.
	if detected.Kind == intent.KindNoop {
		if hint, ok := actionHint(query); ok {
			noopShortCircuit.Inc()
			g.completeNoop(req, st, hint)
			return SubmitResult{RequestID: req.ID, AgentAssigned: router.AgentHub, Confidence: detected.Confidence}, nil
		}
	}

	// Unambiguous actions execute synchronously.
	if detected.Actionable() {
		g.executeAction(ctx, req, st, detected)
		return SubmitResult{RequestID: req.ID, AgentAssigned: router.AgentHub, Confidence: detected.Confidence}, nil
	}

	// Clarification needed: ask, no dispatch.
	if detected.Fields.NeedsClarification && detected.Fields.ClarificationPrompt != "" {
		g.complete(req, st, detected.Fields.ClarificationPrompt, router.AgentHub, nil)
		return SubmitResult{RequestID: req.ID, AgentAssigned: router.AgentHub, Confidence: detected.Confidence}, nil
	}

	// Everything else needs the model. Refuse up front when the backend
	// is unreachable; the deterministic paths above stay available.
	if !g.inferenceUp(ctx) {
		err := miltonerrors.New(miltonerrors.KindInferenceUnavailable, "inference backend unreachable")
		g.complete(req, st, "", router.AgentHub, err)
		return SubmitResult{}, err
	}

	// Everything else goes to an agent.
	decision := router.Decision{Agent: agentOverride, Confidence: 1}
	if agentOverride == "" {
		req.Status = StatusRouting
		decision = g.router.Route(ctx, query, g.recentSummary())
	}

	st.emit(EventRouting, decision.Reasoning, decision.Agent, "", g.now())
	req.Agent = decision.Agent
	req.Status = StatusRunning

	g.work <- func() { g.runAgent(req, st, decision.Agent) }

	return SubmitResult{RequestID: req.ID, AgentAssigned: decision.Agent, Confidence: decision.Confidence}, nil
}

// Subscribe attaches the single live subscriber for a request stream.
func (g *Gateway) Subscribe(requestID string) (<-chan StreamEvent, error) {
	g.mu.Lock()
	st, ok := g.streams[requestID]
	g.mu.Unlock()
	if !ok {
		return nil, miltonerrors.Newf(miltonerrors.KindValidation, "unknown request %s", requestID)
	}
	ch, ok := st.subscribe()
	if !ok {
		return nil, miltonerrors.Newf(miltonerrors.KindValidation, "request %s already has a subscriber", requestID)
	}
	return ch, nil
}

// Unsubscribe detaches a subscriber. The request keeps running.
func (g *Gateway) Unsubscribe(requestID string) {
	g.mu.Lock()
	st, ok := g.streams[requestID]
	g.mu.Unlock()
	if ok {
		st.unsubscribe()
	}
}

// Deduplicate reports whether externalID was already accepted, and
// records it when new. Survives restarts.
func (g *Gateway) Deduplicate(externalID string) (bool, error) {
	if externalID == "" {
		return false, miltonerrors.New(miltonerrors.KindValidation, "external id is empty")
	}
	return g.dedup.seen(externalID)
}

// Recent returns the most recently submitted requests, newest first.
func (g *Gateway) Recent() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := g.recent.Keys()
	out := make([]*Request, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if req, ok := g.recent.Get(keys[i]); ok {
			out = append(out, req)
		}
	}
	return out
}

// Events returns the stream so far for a request.
func (g *Gateway) Events(requestID string) ([]StreamEvent, error) {
	g.mu.Lock()
	st, ok := g.streams[requestID]
	g.mu.Unlock()
	if !ok {
		return nil, miltonerrors.Newf(miltonerrors.KindValidation, "unknown request %s", requestID)
	}
	return st.snapshot(), nil
}

// actionHint detects action vocabulary for the no-op guidance path.
var actionHintPatterns = []struct {
	pattern *regexp.Regexp
	hint    string
}{
	{regexp.MustCompile(`(?i)\b(remind(er)?|ping me|nudge me|notify me|alert me)\b`), "reminder"},
	{regexp.MustCompile(`(?i)\bgoal\b`), "goal"},
	{regexp.MustCompile(`(?i)\b(remember that|save this)\b`), "memory"},
}

func actionHint(query string) (string, bool) {
	for _, p := range actionHintPatterns {
		if p.pattern.MatchString(query) {
			return p.hint, true
		}
	}
	return "", false
}

// completeNoop answers an action-flavored request that created nothing,
// with example phrasings that would.
func (g *Gateway) completeNoop(req *Request, st *stream, hint string) {
	var b strings.Builder
	switch hint {
	case "goal":
		b.WriteString("No goal was created. To track a goal, try:\n")
		b.WriteString("- \"Create a goal to run 20km per week\"\n")
	case "memory":
		b.WriteString("Nothing was saved. To store a note, try:\n")
		b.WriteString("- \"Remember that the wifi password is on the fridge\"\n")
	default:
		b.WriteString("No reminder was created. To set one, try:\n")
		b.WriteString("- \"Remind me tomorrow at 9am to submit my expense reimbursement\"\n")
		b.WriteString("- \"Remind me in 2 hours to check the build\"\n")
		b.WriteString("- \"Set a reminder for Friday at 4:30 PM to call the bank\"\n")
	}
	b.WriteString("\nACTION_SUMMARY: ")
	b.WriteString(fmt.Sprintf(`{"action_executed": false, "intent_hint": %q}`, hint))

	g.complete(req, st, b.String(), router.AgentHub, nil)
}

// executeAction performs an unambiguous intent synchronously.
func (g *Gateway) executeAction(ctx context.Context, req *Request, st *stream, detected intent.Intent) {
	var content string
	var err error

	switch detected.Kind {
	case intent.KindReminderCreate:
		var r reminder.Reminder
		r, err = g.reminders.Create("user", detected.Fields.Task, detected.Fields.Due(), "")
		if err == nil {
			content = fmt.Sprintf("Reminder set for %s: %s",
				detected.Fields.Due().In(g.loc).Format("Mon Jan 2 15:04"), r.Task)
		}
	case intent.KindMemoryAdd:
		_, err = g.store.AddLongTerm(ctx, "note", detected.Fields.Task, 0.6, nil)
		if err == nil {
			content = "Saved: " + detected.Fields.Task
			st.emit(EventMemory, "stored long-term note", "", "", g.now())
		}
	case intent.KindGoalCreate:
		_, err = g.store.AddLongTerm(ctx, "goal", detected.Fields.Task, 0.8, []string{"goal"})
		if err == nil {
			content = "Goal created: " + detected.Fields.Task
			st.emit(EventMemory, "stored goal", "", "", g.now())
		}
	default:
		err = miltonerrors.Newf(miltonerrors.KindInternal, "unexpected actionable intent %s", detected.Kind)
	}

	if err != nil {
		g.complete(req, st, "", router.AgentHub, err)
		return
	}

	content += fmt.Sprintf("\n\nACTION_SUMMARY: {\"action_executed\": true, \"intent_hint\": %q}",
		hintFor(detected.Kind))
	g.complete(req, st, content, router.AgentHub, nil)
}

func hintFor(kind intent.Kind) string {
	switch kind {
	case intent.KindReminderCreate:
		return "reminder"
	case intent.KindGoalCreate:
		return "goal"
	case intent.KindMemoryAdd:
		return "memory"
	default:
		return "chat"
	}
}

// runAgent executes the routed agent on the worker pool.
func (g *Gateway) runAgent(req *Request, st *stream, agentName string) {
	agent := g.agents.Get(agentName)
	sink := &streamSink{st: st, agent: agentName, now: g.now}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	content, err := agent.Handle(ctx, req.Query, sink)
	if err != nil {
		g.complete(req, st, "", agentName, err)
		return
	}

	g.writeSummary(ctx, st, agentName, req.Query, content)
	g.complete(req, st, content, agentName, nil)
}

// writeSummary stores an abstractive summary of the exchange in the
// working tier. Failures are logged, never surfaced to the client.
func (g *Gateway) writeSummary(ctx context.Context, st *stream, agentName, query, response string) {
	if g.store == nil {
		return
	}

	summary := g.summarize(ctx, query, response)
	tags := append([]string{"summary"}, entities(query)...)
	if _, err := g.store.AddWorking(ctx, agentName, summary, 0.5, tags); err != nil {
		g.logger.Warn("cannot store working memory summary: %v", err)
		return
	}
	st.emit(EventMemory, "stored working memory summary", agentName, "", g.now())
}

func (g *Gateway) summarize(ctx context.Context, query, response string) string {
	if g.client != nil {
		resp, err := g.client.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{
				{Role: "system", Content: "Summarize the exchange in one sentence. Reply with the sentence only."},
				{Role: "user", Content: "User: " + query + "\nAssistant: " + response},
			},
			Temperature: 0,
			MaxTokens:   80,
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
	}
	// Extractive fallback.
	fallback := "Q: " + query + " A: " + response
	if len(fallback) > 240 {
		fallback = fallback[:240]
	}
	return fallback
}

// entities pulls capitalized tokens out of the query as coarse tags.
func entities(query string) []string {
	var out []string
	seen := map[string]bool{}
	for _, word := range strings.Fields(query) {
		trimmed := strings.Trim(word, ".,!?:;\"'")
		if len(trimmed) < 4 || trimmed[0] < 'A' || trimmed[0] > 'Z' {
			continue
		}
		lower := strings.ToLower(trimmed)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, lower)
		}
		if len(out) == 5 {
			break
		}
	}
	return out
}

// complete finalizes the request with a single terminal event.
func (g *Gateway) complete(req *Request, st *stream, content, agentName string, err error) {
	completedAt := g.now().UTC()
	req.CompletedAt = &completedAt
	req.Agent = agentName

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		req.Status = StatusFailed
		req.Error = errMsg
		g.logger.Warn("request %s failed: %v", req.ID, err)
	} else {
		req.Status = StatusComplete
	}

	st.emit(EventComplete, content, agentName, errMsg, g.now())
	requestsTotal.WithLabelValues(req.Status).Inc()
	requestDuration.Observe(completedAt.Sub(req.CreatedAt).Seconds())
}

// inferenceUp probes the backend health, caching the verdict for
// healthTTL.
func (g *Gateway) inferenceUp(ctx context.Context) bool {
	if g.client == nil {
		return false
	}
	g.healthMu.Lock()
	defer g.healthMu.Unlock()

	now := g.now()
	if !g.healthAt.IsZero() && now.Sub(g.healthAt) < healthTTL {
		return g.healthUp
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := g.client.Ping(pingCtx)
	cancel()

	g.healthAt = now
	g.healthUp = err == nil
	return g.healthUp
}

// recentSummary gives the router a glimpse of recent short-term memory.
func (g *Gateway) recentSummary() string {
	if g.store == nil {
		return ""
	}
	records, err := g.store.RecentShortTerm(4, "")
	if err != nil || len(records) == 0 {
		return ""
	}
	var lines []string
	for i, r := range records {
		if i == 3 {
			break
		}
		lines = append(lines, "- "+r.Content)
	}
	return strings.Join(lines, "\n")
}

// streamSink adapts agent output onto the event stream.
type streamSink struct {
	st    *stream
	agent string
	now   func() time.Time
}

func (s *streamSink) Thinking(text string) {
	s.st.emit(EventThinking, text, s.agent, "", s.now())
}

func (s *streamSink) Token(text string) {
	s.st.emit(EventToken, text, s.agent, "", s.now())
}
