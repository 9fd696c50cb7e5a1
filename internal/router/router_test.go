package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"milton/internal/llm"
)

func TestRouteParsesDecision(t *testing.T) {
	mock := llm.NewMockClient(`{"agent": "researcher", "confidence": 0.9, "reasoning": "mentions arxiv"}`)
	r := New(mock, nil)

	d := r.Route(context.Background(), "find recent arxiv papers on distillation", "")
	assert.Equal(t, AgentResearcher, d.Agent)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, "mentions arxiv", d.Reasoning)
}

func TestRouteToleratesFencedReply(t *testing.T) {
	mock := llm.NewMockClient("Here you go:\n```json\n{\"agent\": \"executor\", \"confidence\": 0.8, \"reasoning\": \"job\"}\n```")
	r := New(mock, nil)

	d := r.Route(context.Background(), "run the nightly job", "")
	assert.Equal(t, AgentExecutor, d.Agent)
	assert.Equal(t, 0.8, d.Confidence)
}

func TestRouteFallsBackOnGarbage(t *testing.T) {
	cases := []string{
		"I think the hub should handle this.",
		`{"agent": "wizard", "confidence": 0.9}`,
		`{"agent": "hub", "confidence": 1.5}`,
		`{"agent": "hub", "confidence": -0.1}`,
		"",
	}
	for _, reply := range cases {
		r := New(llm.NewMockClient(reply), nil)
		d := r.Route(context.Background(), "hello", "")
		assert.Equal(t, AgentHub, d.Agent, "reply %q", reply)
		assert.Equal(t, 0.0, d.Confidence, "reply %q", reply)
	}
}

func TestRouteFallsBackOnClientError(t *testing.T) {
	mock := &llm.MockClient{Err: errors.New("connection refused")}
	r := New(mock, nil)

	d := r.Route(context.Background(), "hello", "")
	assert.Equal(t, AgentHub, d.Agent)
	assert.Equal(t, 0.0, d.Confidence)
}

func TestRouteIncludesMemorySummary(t *testing.T) {
	mock := llm.NewMockClient(`{"agent": "hub", "confidence": 0.7, "reasoning": "chat"}`)
	r := New(mock, nil)

	r.Route(context.Background(), "what did I ask yesterday", "user asked about compost")

	calls := mock.Calls()
	if assert.Len(t, calls, 1) {
		last := calls[0].Messages[len(calls[0].Messages)-1]
		assert.Contains(t, last.Content, "compost")
		assert.Contains(t, last.Content, "what did I ask yesterday")
	}
}

func TestExtractJSONBalancesNesting(t *testing.T) {
	raw := extractJSON(`prefix {"a": {"b": "}"}, "c": 1} suffix`)
	assert.Equal(t, `{"a": {"b": "}"}, "c": 1}`, raw)
}
