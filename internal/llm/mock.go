package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockClient is a scripted in-memory Client for tests and offline runs.
// Replies are matched by substring against the last user message; the
// first match wins, DefaultReply covers the rest.
type MockClient struct {
	ModelName    string
	Replies      map[string]string
	DefaultReply string
	// Err, when set, is returned from every call.
	Err error
	// ChunkSize splits streamed replies; 0 streams whole words.
	ChunkSize int

	mu    sync.Mutex
	calls []CompletionRequest
}

// NewMockClient returns a mock with a default reply.
func NewMockClient(defaultReply string) *MockClient {
	return &MockClient{ModelName: "mock", DefaultReply: defaultReply}
}

func (m *MockClient) Model() string {
	if m.ModelName == "" {
		return "mock"
	}
	return m.ModelName
}

func (m *MockClient) Ping(ctx context.Context) error {
	return m.Err
}

// Calls returns a copy of every request the mock has seen.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.calls...)
}

// CallCount reports how many completion calls the mock received.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockClient) reply(req CompletionRequest) string {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content
			break
		}
	}
	for needle, reply := range m.Replies {
		if strings.Contains(lastUser, needle) {
			return reply
		}
	}
	return m.DefaultReply
}

func (m *MockClient) record(req CompletionRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.record(req)
	content := m.reply(req)
	return &CompletionResponse{
		Content:    content,
		StopReason: "stop",
		Usage:      TokenUsage{CompletionTokens: len(strings.Fields(content)), TotalTokens: len(strings.Fields(content))},
		Timing:     Timing{Total: time.Millisecond},
	}, nil
}

func (m *MockClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.record(req)
	content := m.reply(req)

	chunks := strings.SplitAfter(content, " ")
	if m.ChunkSize > 0 {
		chunks = chunks[:0]
		for i := 0; i < len(content); i += m.ChunkSize {
			end := i + m.ChunkSize
			if end > len(content) {
				end = len(content)
			}
			chunks = append(chunks, content[i:end])
		}
	}
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if callbacks.OnContentDelta != nil {
			callbacks.OnContentDelta(chunk)
		}
	}

	return &CompletionResponse{
		Content:    content,
		StopReason: "stop",
		Usage:      TokenUsage{CompletionTokens: len(chunks), TotalTokens: len(chunks)},
		Timing:     Timing{TTFT: time.Millisecond, Total: 2 * time.Millisecond, TokensPerSecond: 100},
	}, nil
}
