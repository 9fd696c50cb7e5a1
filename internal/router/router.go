// Package router decides which agent handles a request. The decision is
// delegated to the model with a strict JSON contract; anything the model
// returns that fails the contract falls back to the hub.
package router

import (
	"context"
	"encoding/json"
	"strings"

	"milton/internal/llm"
	"milton/internal/logging"
)

// Agent names the router may return.
const (
	AgentHub        = "hub"
	AgentExecutor   = "executor"
	AgentResearcher = "researcher"
)

// Decision is the routing outcome.
type Decision struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const systemPrompt = `You are a request router for a personal assistant with three agents:
- hub: general conversation, questions, summaries, planning
- executor: running jobs, executing tasks, shell and automation work
- researcher: papers, arxiv, literature search, deep research

Hints: mentions of papers, arxiv or research lean researcher; run, execute
or job lean executor; everything else leans hub.

Reply with ONLY a JSON object, no prose:
{"agent": "hub|executor|researcher", "confidence": 0.0-1.0, "reasoning": "one sentence"}`

// Router picks an agent for each request.
type Router struct {
	client llm.Client
	logger logging.Logger
}

// New creates a router over the given inference client.
func New(client llm.Client, logger logging.Logger) *Router {
	return &Router{client: client, logger: logging.OrNop(logger)}
}

// Route asks the model for a routing decision. memorySummary, when
// non-empty, gives the model recent context. Any failure degrades to
// the hub with confidence 0 rather than surfacing an error.
func (r *Router) Route(ctx context.Context, text, memorySummary string) Decision {
	user := "Request: " + text
	if memorySummary != "" {
		user = "Recent context:\n" + memorySummary + "\n\n" + user
	}

	resp, err := r.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0,
		MaxTokens:   200,
	})
	if err != nil {
		r.logger.Warn("routing call failed, falling back to hub: %v", err)
		return Decision{Agent: AgentHub, Confidence: 0, Reasoning: "routing unavailable"}
	}

	decision, ok := parseDecision(resp.Content)
	if !ok {
		r.logger.Warn("unparseable routing reply, falling back to hub: %.80s", resp.Content)
		return Decision{Agent: AgentHub, Confidence: 0, Reasoning: "unparseable routing reply"}
	}
	return decision
}

// parseDecision extracts and validates the JSON decision, tolerating
// markdown fences and surrounding prose.
func parseDecision(reply string) (Decision, bool) {
	raw := extractJSON(reply)
	if raw == "" {
		return Decision{}, false
	}

	var decision Decision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return Decision{}, false
	}

	decision.Agent = strings.ToLower(strings.TrimSpace(decision.Agent))
	switch decision.Agent {
	case AgentHub, AgentExecutor, AgentResearcher:
	default:
		return Decision{}, false
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		return Decision{}, false
	}
	return decision, true
}

// extractJSON returns the first balanced {...} block in reply.
func extractJSON(reply string) string {
	start := strings.IndexByte(reply, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(reply); i++ {
		c := reply[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return reply[start : i+1]
				}
			}
		}
	}
	return ""
}
