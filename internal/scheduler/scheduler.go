// Package scheduler hosts the time-based triggers on robfig/cron:
// the autobench pipeline, the morning briefing and the nightly job
// queue, plus plain-ticker jobs that are too frequent for cron. Last
// run times are persisted so a boot after a missed window fires a
// single catch-up run.
package scheduler

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

// Trigger is one scheduled job. Jitter spreads load; BootDelay keeps
// heavy work off the boot path when a catch-up run is due.
type Trigger struct {
	Name      string
	Schedule  string
	Jitter    time.Duration
	BootDelay time.Duration
	Handler   func(ctx context.Context) error
}

// Ticker is a sub-minute periodic job, run on a plain time.Ticker.
type Ticker struct {
	Name     string
	Interval time.Duration
	Handler  func(now time.Time)
}

// Scheduler runs the trigger table.
type Scheduler struct {
	cron     *cron.Cron
	triggers []Trigger
	tickers  []Ticker

	lastRunPath string
	entryIDs    map[string]cron.EntryID

	mu       sync.Mutex
	lastRun  map[string]time.Time
	logger   logging.Logger
	now      func() time.Time
	sleep    func(d time.Duration)
	jitterFn func(max time.Duration) time.Duration

	stopped  chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Options tune scheduler construction. Now, Sleep and JitterFn exist
// for tests; nil means real time.
type Options struct {
	Logger   logging.Logger
	Now      func() time.Time
	Sleep    func(d time.Duration)
	JitterFn func(max time.Duration) time.Duration
}

// New creates a scheduler persisting run state under stateDir
// (typically <state>/scheduler).
func New(stateDir string, opts Options) (*Scheduler, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create scheduler dir")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	jitterFn := opts.JitterFn
	if jitterFn == nil {
		jitterFn = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		}
	}

	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		lastRunPath: filepath.Join(stateDir, "last_run.json"),
		entryIDs:    make(map[string]cron.EntryID),
		lastRun:     make(map[string]time.Time),
		logger:      logging.OrNop(opts.Logger),
		now:         now,
		sleep:       sleep,
		jitterFn:    jitterFn,
		stopped:     make(chan struct{}),
	}
	if err := s.loadLastRun(); err != nil {
		return nil, err
	}
	return s, nil
}

// Register adds a cron trigger. Must be called before Start.
func (s *Scheduler) Register(t Trigger) error {
	if t.Name == "" || t.Schedule == "" || t.Handler == nil {
		return miltonerrors.New(miltonerrors.KindValidation, "trigger needs name, schedule and handler")
	}
	if _, err := cron.ParseStandard(t.Schedule); err != nil {
		return miltonerrors.Wrapf(err, miltonerrors.KindValidation, "invalid schedule for trigger %s", t.Name)
	}
	s.triggers = append(s.triggers, t)
	return nil
}

// RegisterTicker adds a plain-ticker job. Must be called before Start.
func (s *Scheduler) RegisterTicker(t Ticker) error {
	if t.Name == "" || t.Interval <= 0 || t.Handler == nil {
		return miltonerrors.New(miltonerrors.KindValidation, "ticker needs name, interval and handler")
	}
	s.tickers = append(s.tickers, t)
	return nil
}

// Start wires every trigger into cron, starts the tickers, and fires
// catch-up runs for missed windows.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.triggers {
		trigger := t
		entryID, err := s.cron.AddFunc(trigger.Schedule, func() {
			s.execute(runCtx, trigger, false)
		})
		if err != nil {
			cancel()
			return miltonerrors.Wrapf(err, miltonerrors.KindValidation, "register trigger %s", trigger.Name)
		}
		s.entryIDs[trigger.Name] = entryID
		s.logger.Info("registered trigger %s (schedule %s)", trigger.Name, trigger.Schedule)
	}

	for _, t := range s.tickers {
		ticker := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			tick := time.NewTicker(ticker.Interval)
			defer tick.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-tick.C:
					ticker.Handler(s.now())
				}
			}
		}()
		s.logger.Info("registered ticker %s (every %s)", ticker.Name, ticker.Interval)
	}

	s.catchUp(runCtx)

	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains cron and the tickers. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.cron.Stop().Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done closes when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// TriggerNames lists the registered cron triggers.
func (s *Scheduler) TriggerNames() []string {
	names := make([]string, 0, len(s.triggers))
	for _, t := range s.triggers {
		names = append(names, t.Name)
	}
	return names
}

// LastRun returns the recorded last run time for a trigger.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRun[name]
	return at, ok
}

// catchUp fires one asynchronous run for every trigger whose schedule
// had a window between its recorded last run and now.
func (s *Scheduler) catchUp(ctx context.Context) {
	now := s.now()
	for _, t := range s.triggers {
		s.mu.Lock()
		last, ok := s.lastRun[t.Name]
		s.mu.Unlock()
		if !ok {
			continue
		}

		schedule, err := cron.ParseStandard(t.Schedule)
		if err != nil {
			continue
		}
		if schedule.Next(last).After(now) {
			continue
		}

		trigger := t
		s.logger.Info("trigger %s missed a window (last run %s), scheduling catch-up", trigger.Name, last.Format(time.RFC3339))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, trigger, true)
		}()
	}
}

// execute runs one trigger with boot delay (catch-up only) and jitter,
// then persists the run time.
func (s *Scheduler) execute(ctx context.Context, t Trigger, catchUp bool) {
	if catchUp && t.BootDelay > 0 {
		s.sleep(t.BootDelay)
	}
	if d := s.jitterFn(t.Jitter); d > 0 {
		s.sleep(d)
	}
	if ctx.Err() != nil {
		return
	}

	started := s.now()
	if err := t.Handler(ctx); err != nil {
		s.logger.Warn("trigger %s failed: %v", t.Name, err)
	} else {
		s.logger.Info("trigger %s completed in %s", t.Name, s.now().Sub(started).Round(time.Millisecond))
	}

	s.mu.Lock()
	s.lastRun[t.Name] = started.UTC()
	if err := s.saveLastRunLocked(); err != nil {
		s.logger.Warn("cannot persist trigger run state: %v", err)
	}
	s.mu.Unlock()
}

func (s *Scheduler) loadLastRun() error {
	data, err := os.ReadFile(s.lastRunPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "read scheduler state")
	}
	if err := json.Unmarshal(data, &s.lastRun); err != nil {
		s.logger.Warn("scheduler state unreadable, starting fresh: %v", err)
		s.lastRun = make(map[string]time.Time)
	}
	return nil
}

func (s *Scheduler) saveLastRunLocked() error {
	data, err := json.MarshalIndent(s.lastRun, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.lastRunPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.lastRunPath)
}
