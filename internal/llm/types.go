package llm

import (
	"context"
	"time"
)

// Message is one chat turn sent to the inference backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one chat completion call.
type CompletionRequest struct {
	Messages      []Message
	Temperature   float64
	MaxTokens     int
	StopSequences []string
	// RequestID threads the gateway request id into log lines.
	RequestID string
}

// TokenUsage mirrors the backend's usage block.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Timing captures streaming latency measurements. TTFT is the time from
// request send to the first streamed content chunk.
type Timing struct {
	TTFT            time.Duration `json:"ttft"`
	Total           time.Duration `json:"total"`
	TokensPerSecond float64       `json:"tokens_per_second"`
}

// CompletionResponse is the aggregated result of a completion call.
type CompletionResponse struct {
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
	Timing     Timing     `json:"timing"`
}

// StreamCallbacks receive incremental output while streaming.
type StreamCallbacks struct {
	// OnContentDelta is called for each non-empty content chunk.
	OnContentDelta func(delta string)
}

// Client is the inference backend contract. Implementations must honor
// context cancellation on every call.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)
	Model() string
	// Ping probes backend reachability for the system-state endpoint.
	Ping(ctx context.Context) error
}
