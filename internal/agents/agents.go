// Package agents implements the three request handlers behind the
// gateway: the hub for general conversation, the executor for job and
// automation work, and the researcher for literature questions.
package agents

import (
	"context"
	"strings"

	"milton/internal/llm"
	"milton/internal/logging"
	"milton/internal/memory"
)

// Sink receives incremental output while an agent works.
type Sink interface {
	Thinking(text string)
	Token(text string)
}

// Agent handles one request and returns the final response text. All
// incremental output goes through the sink; the return value is the
// complete assembled response.
type Agent interface {
	Name() string
	Handle(ctx context.Context, query string, sink Sink) (string, error)
}

type base struct {
	name   string
	system string
	client llm.Client
	store  *memory.Store
	logger logging.Logger
}

func (b *base) Name() string { return b.name }

// Handle retrieves related memories, streams the completion, and
// returns the full response.
func (b *base) Handle(ctx context.Context, query string, sink Sink) (string, error) {
	messages := []llm.Message{{Role: "system", Content: b.system}}

	if b.store != nil {
		sink.Thinking("recalling related memories")
		if recall := b.memoryContext(ctx, query); recall != "" {
			messages = append(messages, llm.Message{
				Role:    "system",
				Content: "Relevant memories:\n" + recall,
			})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	resp, err := b.client.StreamComplete(ctx, llm.CompletionRequest{
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1024,
	}, llm.StreamCallbacks{OnContentDelta: sink.Token})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// memoryContext pulls the closest stored memories for the query.
// Failures degrade to no context.
func (b *base) memoryContext(ctx context.Context, query string) string {
	results, err := b.store.Search(ctx, query, "", 3)
	if err != nil {
		b.logger.Warn("memory search failed for %s: %v", b.name, err)
		return ""
	}
	var lines []string
	for _, r := range results {
		lines = append(lines, "- "+r.Record.Content)
	}
	return strings.Join(lines, "\n")
}

// Hub handles general conversation.
type Hub struct{ base }

// NewHub creates the hub agent.
func NewHub(client llm.Client, store *memory.Store, logger logging.Logger) *Hub {
	return &Hub{base{
		name: "hub",
		system: "You are Milton, a private local assistant. Answer directly and " +
			"concisely. Use the provided memories when they are relevant.",
		client: client,
		store:  store,
		logger: logging.OrNop(logger),
	}}
}

// JobCounter reports queue depth for status reporting.
type JobCounter interface {
	Pending() ([]string, error)
}

// Executor handles task and job requests. It reports queue depth so the
// system-state endpoint can surface running and queued work.
type Executor struct {
	base
	jobs JobCounter
}

// NewExecutor creates the executor agent. jobs may be nil.
func NewExecutor(client llm.Client, store *memory.Store, jobs JobCounter, logger logging.Logger) *Executor {
	return &Executor{
		base: base{
			name: "executor",
			system: "You are Milton's executor agent. You plan and describe how to " +
				"run jobs, scripts and automation tasks. Be concrete about commands " +
				"and expected outputs.",
			client: client,
			store:  store,
			logger: logging.OrNop(logger),
		},
		jobs: jobs,
	}
}

// QueuedJobs returns the number of pending queue entries, 0 when the
// queue is not wired.
func (e *Executor) QueuedJobs() int {
	if e.jobs == nil {
		return 0
	}
	pending, err := e.jobs.Pending()
	if err != nil {
		e.logger.Warn("cannot count queued jobs: %v", err)
		return 0
	}
	return len(pending)
}

// Researcher handles literature and research questions.
type Researcher struct{ base }

// NewResearcher creates the researcher agent.
func NewResearcher(client llm.Client, store *memory.Store, logger logging.Logger) *Researcher {
	return &Researcher{base{
		name: "researcher",
		system: "You are Milton's researcher agent. You summarize papers, compare " +
			"findings and cite which source each claim comes from. Say so when you " +
			"are unsure instead of guessing.",
		client: client,
		store:  store,
		logger: logging.OrNop(logger),
	}}
}

// Registry maps agent names to implementations.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds the standard three-agent set.
func NewRegistry(client llm.Client, store *memory.Store, jobs JobCounter, logger logging.Logger) *Registry {
	return &Registry{agents: map[string]Agent{
		"hub":        NewHub(client, store, logger),
		"executor":   NewExecutor(client, store, jobs, logger),
		"researcher": NewResearcher(client, store, logger),
	}}
}

// Get returns the named agent, falling back to the hub for unknown
// names.
func (r *Registry) Get(name string) Agent {
	if a, ok := r.agents[name]; ok {
		return a
	}
	return r.agents["hub"]
}

// Names lists the registered agents.
func (r *Registry) Names() []string {
	return []string{"hub", "executor", "researcher"}
}

// Executor returns the executor for status queries.
func (r *Registry) Executor() *Executor {
	e, _ := r.agents["executor"].(*Executor)
	return e
}
