package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter(max time.Duration) time.Duration { return 0 }

func noSleep(d time.Duration) {}

func newTestScheduler(t *testing.T, dir string, now func() time.Time) *Scheduler {
	t.Helper()
	s, err := New(dir, Options{Now: now, Sleep: noSleep, JitterFn: noJitter})
	require.NoError(t, err)
	return s
}

func TestRegisterValidatesSchedule(t *testing.T) {
	s := newTestScheduler(t, t.TempDir(), time.Now)

	err := s.Register(Trigger{Name: "bad", Schedule: "not a cron expr", Handler: func(context.Context) error { return nil }})
	require.Error(t, err)

	err = s.Register(Trigger{Name: "", Schedule: "0 8 * * *", Handler: func(context.Context) error { return nil }})
	require.Error(t, err)

	err = s.Register(Trigger{Name: "ok", Schedule: "0 8 * * *", Handler: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, s.TriggerNames())
}

func TestExecutePersistsLastRun(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, dir, func() time.Time { return now })

	trigger := Trigger{Name: "autobench", Schedule: "0 */6 * * *", Handler: func(context.Context) error { return nil }}
	require.NoError(t, s.Register(trigger))

	s.execute(context.Background(), trigger, false)

	at, ok := s.LastRun("autobench")
	require.True(t, ok)
	assert.Equal(t, now, at)

	// State survives a new instance.
	s2 := newTestScheduler(t, dir, func() time.Time { return now })
	at, ok = s2.LastRun("autobench")
	require.True(t, ok)
	assert.Equal(t, now, at)

	_, err := os.Stat(filepath.Join(dir, "last_run.json"))
	require.NoError(t, err)
}

func TestCatchUpRunsMissedWindowOnce(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)

	// Record a run 12 hours ago; the 6-hourly schedule has missed
	// windows since.
	first := newTestScheduler(t, dir, func() time.Time { return base.Add(-12 * time.Hour) })
	trigger := Trigger{Name: "autobench", Schedule: "0 */6 * * *", BootDelay: 5 * time.Minute,
		Handler: func(context.Context) error { return nil }}
	first.execute(context.Background(), trigger, false)

	var runs atomic.Int32
	s := newTestScheduler(t, dir, func() time.Time { return base })
	require.NoError(t, s.Register(Trigger{
		Name: "autobench", Schedule: "0 */6 * * *", BootDelay: 5 * time.Minute,
		Handler: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "exactly one catch-up run")
}

func TestNoCatchUpWhenWindowNotMissed(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)

	first := newTestScheduler(t, dir, func() time.Time { return base.Add(-time.Hour) })
	trigger := Trigger{Name: "autobench", Schedule: "0 */6 * * *", Handler: func(context.Context) error { return nil }}
	first.execute(context.Background(), trigger, false)

	var runs atomic.Int32
	s := newTestScheduler(t, dir, func() time.Time { return base })
	require.NoError(t, s.Register(Trigger{
		Name: "autobench", Schedule: "0 */6 * * *",
		Handler: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load(), "09:00 run covers the 10:00 boot, next window is 12:00")
}

func TestNoCatchUpOnFirstBoot(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(t, t.TempDir(), time.Now)
	require.NoError(t, s.Register(Trigger{
		Name: "autobench", Schedule: "0 */6 * * *",
		Handler: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestTickerFires(t *testing.T) {
	var ticks atomic.Int32
	s := newTestScheduler(t, t.TempDir(), time.Now)
	require.NoError(t, s.RegisterTicker(Ticker{
		Name:     "reminder-tick",
		Interval: 10 * time.Millisecond,
		Handler:  func(time.Time) { ticks.Add(1) },
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRegisterStandardTable(t *testing.T) {
	s := newTestScheduler(t, t.TempDir(), time.Now)
	nop := func(context.Context) error { return nil }

	require.NoError(t, s.RegisterStandard(Handlers{
		Pipeline:     nop,
		Briefing:     nop,
		JobQueue:     nop,
		ReminderTick: func(time.Time) {},
	}))

	assert.ElementsMatch(t, []string{"autobench", "briefing", "jobqueue"}, s.TriggerNames())
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestScheduler(t, t.TempDir(), time.Now)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
	<-s.Done()
}
