// Package reminder delivers user-created reminders at their due time.
// State is an append-only jsonl event log; the in-memory min-heap is
// rebuilt from the log at startup, so delivery survives restarts and is
// idempotent by reminder id.
package reminder

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
	"milton/internal/notify"
)

const (
	tickInterval = 5 * time.Second
	// Deliveries later than this count as late (downtime catch-up).
	lateThreshold = 30 * time.Second
)

// Reminder is one scheduled notification.
type Reminder struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Task        string     `json:"task"`
	DueEpoch    int64      `json:"due_epoch"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Channel     string     `json:"channel"`
}

type eventOp string

const (
	opCreate  eventOp = "create"
	opDeliver eventOp = "deliver"
	opCancel  eventOp = "cancel"
)

type event struct {
	Op       eventOp   `json:"op"`
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Reminder *Reminder `json:"reminder,omitempty"`
}

// Scheduler owns the reminder log and the pending heap. Single writer.
type Scheduler struct {
	logPath   string
	publisher notify.Publisher
	logger    logging.Logger
	now       func() time.Time

	mu        sync.Mutex
	pending   dueHeap
	byID      map[string]*Reminder
	delivered map[string]time.Time
	cancelled map[string]bool
	lateCount int
}

// Options tune scheduler construction.
type Options struct {
	Logger logging.Logger
	Now    func() time.Time
}

// NewScheduler opens the log under dir (created if missing) and rebuilds
// the pending set.
func NewScheduler(dir string, publisher notify.Publisher, opts Options) (*Scheduler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create reminder dir")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		logPath:   filepath.Join(dir, "log.jsonl"),
		publisher: publisher,
		logger:    logging.OrNop(opts.Logger),
		now:       now,
		byID:      make(map[string]*Reminder),
		delivered: make(map[string]time.Time),
		cancelled: make(map[string]bool),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

// replay rebuilds state from the event log. Replaying from scratch
// yields the same delivered set; create events without a matching
// deliver or cancel re-enter the heap.
func (s *Scheduler) replay() error {
	data, err := os.ReadFile(s.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "read reminder log")
	}

	for _, line := range jsonLines(data) {
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("skipping corrupt reminder log line: %v", err)
			continue
		}
		switch ev.Op {
		case opCreate:
			if ev.Reminder != nil {
				r := *ev.Reminder
				s.byID[r.ID] = &r
			}
		case opDeliver:
			s.delivered[ev.ID] = ev.At
			if r, ok := s.byID[ev.ID]; ok {
				at := ev.At
				r.DeliveredAt = &at
			}
		case opCancel:
			s.cancelled[ev.ID] = true
		}
	}

	for id, r := range s.byID {
		if _, done := s.delivered[id]; done || s.cancelled[id] {
			continue
		}
		heap.Push(&s.pending, r)
	}
	s.logger.Info("reminder log replayed: %d pending, %d delivered", s.pending.Len(), len(s.delivered))
	return nil
}

// Create validates and persists a reminder, then schedules it.
func (s *Scheduler) Create(owner, task string, due time.Time, channel string) (Reminder, error) {
	if task == "" {
		return Reminder{}, miltonerrors.New(miltonerrors.KindValidation, "reminder task is empty")
	}
	createdAt := s.now().UTC()
	if due.Unix() < createdAt.Unix() {
		return Reminder{}, miltonerrors.Newf(miltonerrors.KindValidation, "due time %s is in the past", due.Format(time.RFC3339))
	}
	if channel == "" {
		channel = "reminders"
	}

	r := Reminder{
		ID:        uuid.NewString(),
		Owner:     owner,
		Task:      task,
		DueEpoch:  due.Unix(),
		CreatedAt: createdAt,
		Channel:   channel,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendEvent(event{Op: opCreate, ID: r.ID, At: createdAt, Reminder: &r}); err != nil {
		return Reminder{}, err
	}
	stored := r
	s.byID[r.ID] = &stored
	heap.Push(&s.pending, &stored)
	s.logger.Info("reminder %s created for %s (due %s)", r.ID, owner, due.Format(time.RFC3339))
	return r, nil
}

// Cancel removes a pending reminder. Cancelling an unknown or already
// delivered reminder is an error.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok || s.cancelled[id] {
		return miltonerrors.Newf(miltonerrors.KindValidation, "unknown reminder %s", id)
	}
	if r.DeliveredAt != nil {
		return miltonerrors.Newf(miltonerrors.KindValidation, "reminder %s already delivered", id)
	}
	if err := s.appendEvent(event{Op: opCancel, ID: id, At: s.now().UTC()}); err != nil {
		return err
	}
	s.cancelled[id] = true
	return nil
}

// Run ticks every 5 seconds until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick delivers every pending reminder due at or before now. The
// deliver event is appended before publishing, so a crash between the
// two surfaces as a skipped (never doubled) notification.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pending.Len() > 0 {
		next := s.pending[0]
		if next.DueEpoch > now.Unix() {
			return
		}
		heap.Pop(&s.pending)

		if s.cancelled[next.ID] || next.DeliveredAt != nil {
			continue
		}

		deliveredAt := now.UTC()
		if err := s.appendEvent(event{Op: opDeliver, ID: next.ID, At: deliveredAt}); err != nil {
			// Push back and retry next tick rather than risk double delivery.
			heap.Push(&s.pending, next)
			s.logger.Error("reminder %s: deliver event append failed: %v", next.ID, err)
			return
		}
		next.DeliveredAt = &deliveredAt
		s.delivered[next.ID] = deliveredAt

		if now.Sub(time.Unix(next.DueEpoch, 0)) > lateThreshold {
			s.lateCount++
		}

		if s.publisher != nil {
			_, err := s.publisher.Publish(notify.Message{
				ID:    "reminder-" + next.ID,
				Topic: next.Channel,
				Title: "Reminder",
				Body:  next.Task,
			})
			if err != nil {
				s.logger.Error("reminder %s: publish failed: %v", next.ID, err)
			}
		}
		s.logger.Info("reminder %s delivered (%s)", next.ID, next.Task)
	}
}

// Pending returns the number of undelivered reminders.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// LateDeliveries reports how many reminders fired past their due time.
func (s *Scheduler) LateDeliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lateCount
}

// Delivered reports whether the reminder id has a deliver event.
func (s *Scheduler) Delivered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delivered[id]
	return ok
}

func (s *Scheduler) appendEvent(ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode reminder event")
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "open reminder log")
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "append reminder event")
	}
	return nil
}

func jsonLines(data []byte) [][]byte {
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

// dueHeap is a min-heap over due_epoch, created_at breaking ties.
type dueHeap []*Reminder

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].DueEpoch != h[j].DueEpoch {
		return h[i].DueEpoch < h[j].DueEpoch
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) {
	r, ok := x.(*Reminder)
	if !ok {
		panic(fmt.Sprintf("dueHeap: unexpected type %T", x))
	}
	*h = append(*h, r)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}
