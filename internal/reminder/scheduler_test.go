package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milton/internal/notify"
)

func newTestScheduler(t *testing.T, dir string, now *time.Time) (*Scheduler, *notify.Channel, <-chan notify.Message) {
	t.Helper()
	channel, err := notify.NewChannel("", nil)
	require.NoError(t, err)
	sub := channel.Subscribe("reminders")
	s, err := NewScheduler(dir, channel, Options{Now: func() time.Time { return *now }})
	require.NoError(t, err)
	return s, channel, sub
}

func TestCreateAndDeliver(t *testing.T) {
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
	s, _, sub := newTestScheduler(t, t.TempDir(), &now)

	r, err := s.Create("user", "submit expenses", now.Add(time.Minute), "")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending())

	s.Tick(now.Add(30 * time.Second))
	assert.Equal(t, 1, s.Pending(), "not due yet")

	s.Tick(now.Add(2 * time.Minute))
	assert.Equal(t, 0, s.Pending())
	assert.True(t, s.Delivered(r.ID))

	msg := <-sub
	assert.Equal(t, "reminder-"+r.ID, msg.ID)
	assert.Equal(t, "submit expenses", msg.Body)
}

func TestCreateRejectsPastDue(t *testing.T) {
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
	s, _, _ := newTestScheduler(t, t.TempDir(), &now)

	_, err := s.Create("user", "too late", now.Add(-time.Hour), "")
	assert.Error(t, err)
}

func TestReplaySkipsDelivered(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)

	s1, _, _ := newTestScheduler(t, dir, &now)
	done, err := s1.Create("user", "already done", now.Add(time.Second), "")
	require.NoError(t, err)
	pendingReminder, err := s1.Create("user", "still pending", now.Add(time.Hour), "")
	require.NoError(t, err)
	s1.Tick(now.Add(time.Minute))
	require.True(t, s1.Delivered(done.ID))

	// Restart: rebuild from the log.
	s2, _, sub2 := newTestScheduler(t, dir, &now)
	assert.Equal(t, 1, s2.Pending())
	assert.True(t, s2.Delivered(done.ID))

	// Delivered reminders must not fire again; pending ones must.
	s2.Tick(now.Add(2 * time.Hour))
	msg := <-sub2
	assert.Equal(t, "reminder-"+pendingReminder.ID, msg.ID)
	select {
	case extra := <-sub2:
		t.Fatalf("unexpected second delivery: %+v", extra)
	default:
	}
}

func TestReplayYieldsSameDeliveredSet(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)

	s1, _, _ := newTestScheduler(t, dir, &now)
	a, _ := s1.Create("u", "a", now.Add(time.Second), "")
	b, _ := s1.Create("u", "b", now.Add(2*time.Second), "")
	_, _ = s1.Create("u", "c", now.Add(time.Hour), "")
	s1.Tick(now.Add(time.Minute))

	s2, _, _ := newTestScheduler(t, dir, &now)
	for _, id := range []string{a.ID, b.ID} {
		assert.True(t, s2.Delivered(id))
	}
	assert.Equal(t, 1, s2.Pending())
}

func TestLateDeliveryCounted(t *testing.T) {
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
	s, _, _ := newTestScheduler(t, t.TempDir(), &now)

	_, err := s.Create("user", "missed during downtime", now.Add(time.Second), "")
	require.NoError(t, err)

	// Simulated downtime: the tick happens 10 minutes after due.
	s.Tick(now.Add(10 * time.Minute))
	assert.Equal(t, 1, s.LateDeliveries())
}

func TestCancelPreventsDelivery(t *testing.T) {
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
	s, _, sub := newTestScheduler(t, t.TempDir(), &now)

	r, err := s.Create("user", "cancel me", now.Add(time.Minute), "")
	require.NoError(t, err)
	require.NoError(t, s.Cancel(r.ID))

	s.Tick(now.Add(time.Hour))
	assert.False(t, s.Delivered(r.ID))
	select {
	case msg := <-sub:
		t.Fatalf("cancelled reminder delivered: %+v", msg)
	default:
	}
}

func TestHeapOrdersByDue(t *testing.T) {
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
	channel, _ := notify.NewChannel("", nil)
	sub := channel.Subscribe("reminders")
	s, err := NewScheduler(t.TempDir(), channel, Options{Now: func() time.Time { return now }})
	require.NoError(t, err)

	_, _ = s.Create("u", "second", now.Add(2*time.Minute), "")
	first, _ := s.Create("u", "first", now.Add(time.Minute), "")

	s.Tick(now.Add(90 * time.Second))
	msg := <-sub
	assert.Equal(t, "reminder-"+first.ID, msg.ID)
}
