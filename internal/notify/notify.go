// Package notify is the topic-based notification channel. Delivery is
// idempotent by message id: publishing the same id twice is a no-op, so
// replaying producers (the reminder scheduler after a restart, retried
// pipeline steps) cannot double-notify.
package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

// Message is one notification.
type Message struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher is the producer-side contract.
type Publisher interface {
	// Publish delivers msg to subscribers of its topic. An empty ID is
	// assigned; a repeated ID returns false with no delivery.
	Publish(msg Message) (bool, error)
}

// Channel is an in-process pub/sub hub with a jsonl outbox consumed by
// the external push collaborator.
type Channel struct {
	outboxPath  string
	logger      logging.Logger
	mu          sync.Mutex
	seen        map[string]bool
	subscribers map[string][]chan Message
}

// NewChannel creates a channel. outboxDir may be empty to disable the
// on-disk outbox (tests).
func NewChannel(outboxDir string, logger logging.Logger) (*Channel, error) {
	c := &Channel{
		logger:      logging.OrNop(logger),
		seen:        make(map[string]bool),
		subscribers: make(map[string][]chan Message),
	}
	if outboxDir != "" {
		if err := os.MkdirAll(outboxDir, 0o755); err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create outbox dir")
		}
		c.outboxPath = filepath.Join(outboxDir, "outbox.jsonl")
		if err := c.loadSeen(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Channel) loadSeen() error {
	data, err := os.ReadFile(c.outboxPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "read outbox")
	}
	for _, line := range splitLines(data) {
		var msg Message
		if json.Unmarshal(line, &msg) == nil && msg.ID != "" {
			c.seen[msg.ID] = true
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving messages on topic.
func (c *Channel) Subscribe(topic string) <-chan Message {
	ch := make(chan Message, 16)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[topic] = append(c.subscribers[topic], ch)
	return ch
}

// Publish delivers the message once per id. Returns false when the id
// was already published.
func (c *Channel) Publish(msg Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[msg.ID] {
		c.logger.Debug("suppressed duplicate notification %s", msg.ID)
		return false, nil
	}
	c.seen[msg.ID] = true

	if c.outboxPath != "" {
		if err := appendJSONL(c.outboxPath, msg); err != nil {
			return false, err
		}
	}

	for _, ch := range c.subscribers[msg.Topic] {
		select {
		case ch <- msg:
		default:
			c.logger.Warn("dropping notification %s: slow subscriber on %s", msg.ID, msg.Topic)
		}
	}
	return true, nil
}

func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode outbox record")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "open outbox")
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "append outbox record")
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
