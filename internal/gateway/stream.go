package gateway

import (
	"sync"
	"time"
)

// EventType enumerates stream event kinds.
type EventType string

const (
	EventRouting  EventType = "routing"
	EventThinking EventType = "thinking"
	EventToken    EventType = "token"
	EventMemory   EventType = "memory"
	EventComplete EventType = "complete"
)

// StreamEvent is one ordered event in a request's stream. Seq is dense
// per request; exactly one Complete event terminates the stream, and a
// failed request's Complete carries the error.
type StreamEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`
	Seq       int       `json:"seq"`
	Content   string    `json:"content,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 1024

// stream buffers a request's events and feeds at most one subscriber.
// A late subscriber gets the buffered prefix, then the live tail.
type stream struct {
	mu        sync.Mutex
	requestID string
	events    []StreamEvent
	sub       chan StreamEvent
	done      bool
}

func newStream(requestID string) *stream {
	return &stream{requestID: requestID}
}

func (st *stream) emit(eventType EventType, content, agent, errMsg string, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}

	ev := StreamEvent{
		Type:      eventType,
		RequestID: st.requestID,
		Seq:       len(st.events),
		Content:   content,
		Agent:     agent,
		Error:     errMsg,
		Timestamp: now.UTC(),
	}
	st.events = append(st.events, ev)

	if st.sub != nil {
		select {
		case st.sub <- ev:
		default:
			// A subscriber that stopped draining loses its stream; the
			// request itself is unaffected.
			close(st.sub)
			st.sub = nil
		}
	}

	if eventType == EventComplete {
		st.done = true
		if st.sub != nil {
			close(st.sub)
			st.sub = nil
		}
	}
}

// subscribe attaches the single allowed subscriber. The returned channel
// carries the buffered prefix first.
func (st *stream) subscribe() (<-chan StreamEvent, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sub != nil {
		return nil, false
	}

	ch := make(chan StreamEvent, subscriberBuffer+len(st.events))
	for _, ev := range st.events {
		ch <- ev
	}
	if st.done {
		close(ch)
		return ch, true
	}
	st.sub = ch
	return ch, true
}

// unsubscribe detaches the live subscriber without touching the request.
func (st *stream) unsubscribe() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sub != nil {
		close(st.sub)
		st.sub = nil
	}
}

// snapshot returns the events emitted so far.
func (st *stream) snapshot() []StreamEvent {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]StreamEvent(nil), st.events...)
}
