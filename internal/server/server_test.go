package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milton/internal/agents"
	"milton/internal/gateway"
	"milton/internal/llm"
	"milton/internal/memory"
	"milton/internal/notify"
	"milton/internal/reminder"
	"milton/internal/router"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
}

type fixture struct {
	ts       *httptest.Server
	agentLLM *llm.MockClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := memory.NewStore(memory.Options{Now: fixedNow})
	require.NoError(t, err)
	channel, err := notify.NewChannel(t.TempDir(), nil)
	require.NoError(t, err)
	reminders, err := reminder.NewScheduler(t.TempDir(), channel, reminder.Options{Now: fixedNow})
	require.NoError(t, err)

	agentLLM := llm.NewMockClient("Hello from the hub.")
	routerLLM := llm.NewMockClient(`{"agent": "hub", "confidence": 0.9, "reasoning": "chat"}`)
	reg := agents.NewRegistry(agentLLM, store, nil, nil)

	gw, err := gateway.New(router.New(routerLLM, nil), reg, store, reminders, agentLLM, t.TempDir(), gateway.Options{
		Now:      fixedNow,
		Location: time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	srv := New(gw, reg, store, agentLLM, Options{Now: fixedNow})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, agentLLM: agentLLM}
}

func (f *fixture) postAsk(t *testing.T, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.ts.URL+"/api/ask", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestAskReturnsRequestID(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postAsk(t, `{"query": "Ping me about my expenses tomorrow"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, "hub", body["agent_assigned"])
}

func TestAskRejectsMissingQuery(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.postAsk(t, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAskDeduplicatesExternalID(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postAsk(t, `{"query": "Ping me later", "external_id": "telegram-42"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["duplicate"])

	resp, body = f.postAsk(t, `{"query": "Ping me later", "external_id": "telegram-42"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Nil(t, body["request_id"], "duplicate delivery must not create a request")
}

func TestSystemState(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/system-state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))

	for _, name := range []string{"hub", "executor", "researcher", "memory"} {
		require.Contains(t, state, name)
		assert.Equal(t, "UP", state[name]["status"], name)
		assert.NotEmpty(t, state[name]["last_check"], name)
	}
	assert.Contains(t, state["executor"], "queued_jobs")
	assert.Contains(t, state["executor"], "running_jobs")
	assert.Contains(t, state["memory"], "vector_count")
	assert.Contains(t, state["memory"], "memory_mb")
}

func TestSystemStateInferenceDown(t *testing.T) {
	store, err := memory.NewStore(memory.Options{})
	require.NoError(t, err)
	channel, err := notify.NewChannel(t.TempDir(), nil)
	require.NoError(t, err)
	reminders, err := reminder.NewScheduler(t.TempDir(), channel, reminder.Options{})
	require.NoError(t, err)

	down := &llm.MockClient{Err: assert.AnError}
	reg := agents.NewRegistry(down, store, nil, nil)
	gw, err := gateway.New(router.New(down, nil), reg, store, reminders, down, t.TempDir(), gateway.Options{})
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	ts := httptest.NewServer(New(gw, reg, store, down, Options{}).Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/system-state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var state map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "DOWN", state["hub"]["status"])
	assert.Equal(t, "UP", state["memory"]["status"])
}

func TestAskReturns503WhenInferenceDown(t *testing.T) {
	store, err := memory.NewStore(memory.Options{Now: fixedNow})
	require.NoError(t, err)
	channel, err := notify.NewChannel(t.TempDir(), nil)
	require.NoError(t, err)
	reminders, err := reminder.NewScheduler(t.TempDir(), channel, reminder.Options{Now: fixedNow})
	require.NoError(t, err)

	down := &llm.MockClient{Err: assert.AnError}
	reg := agents.NewRegistry(down, store, nil, nil)
	gw, err := gateway.New(router.New(down, nil), reg, store, reminders, down, t.TempDir(), gateway.Options{
		Now:      fixedNow,
		Location: time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	ts := httptest.NewServer(New(gw, reg, store, down, Options{Now: fixedNow}).Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/api/ask", "application/json",
		bytes.NewBufferString(`{"query": "what is the tallest mountain"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The deterministic reminder path stays reachable offline.
	resp, err = http.Post(ts.URL+"/api/ask", "application/json",
		bytes.NewBufferString(`{"query": "Remind me tomorrow at 4:30 PM to submit my expense report"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecentRequests(t *testing.T) {
	f := newFixture(t)
	f.postAsk(t, `{"query": "Ping me about lunch"}`)

	resp, err := http.Get(f.ts.URL + "/api/recent-requests")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Requests []map[string]any `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Requests, 1)
	assert.Equal(t, "COMPLETE", body.Requests[0]["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStreamClosesNormallyAfterComplete(t *testing.T) {
	f := newFixture(t)

	_, body := f.postAsk(t, `{"query": "what is the tallest mountain"}`)
	requestID, _ := body["request_id"].(string)
	require.NotEmpty(t, requestID)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/request/" + requestID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var sawComplete bool
	for {
		var ev gateway.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected a close frame, got %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
		if ev.Type == gateway.EventComplete {
			sawComplete = true
			assert.Equal(t, "Hello from the hub.", ev.Content)
		}
	}
	assert.True(t, sawComplete)
}

func TestWebSocketUnknownRequest(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/ws/request/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
