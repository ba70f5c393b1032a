// Package monitor runs flows on a cron schedule and records every run in the
// history store.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/devicelab-dev/wizard-runner/pkg/executor"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
	"github.com/devicelab-dev/wizard-runner/pkg/store"
)

// ErrBusy is returned by Trigger while a run is still in progress.
var ErrBusy = errors.New("a monitored run is already in progress")

// RunFunc executes one monitored run under the given run ID.
type RunFunc func(ctx context.Context, runID string) (*executor.RunResult, error)

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(res *executor.RunResult, meta store.RunMeta) error
	Prune(keep int) (int, error)
}

// Config configures a Monitor.
type Config struct {
	Schedule   string // Cron spec or descriptor such as "@every 15m"
	Keep       int    // Runs kept in history, 0 keeps all
	RunOnStart bool   // Trigger one run immediately on Start
	ReportDir  func(runID string) string
	Clock      clockwork.Clock
	OnRun      func(res *executor.RunResult, err error)
}

// Status is a snapshot of the monitor.
type Status struct {
	Schedule   string
	Running    bool
	Next       time.Time
	Runs       int
	Failures   int
	LastRunID  string
	LastStatus string
	LastError  string
	LastRunAt  time.Time
}

// Monitor schedules runs with robfig/cron.
type Monitor struct {
	cfg      Config
	run      RunFunc
	recorder Recorder
	cron     *cron.Cron
	entry    cron.EntryID

	busy   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// New validates the schedule and prepares a Monitor. recorder may be nil.
func New(cfg Config, run RunFunc, recorder Recorder) (*Monitor, error) {
	if run == nil {
		return nil, fmt.Errorf("monitor needs a run function")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	m := &Monitor{
		cfg:      cfg,
		run:      run,
		recorder: recorder,
		cron:     cron.New(cron.WithLogger(cronLogger{}), cron.WithChain(cron.Recover(cronLogger{}))),
		status:   Status{Schedule: cfg.Schedule},
	}

	id, err := m.cron.AddFunc(cfg.Schedule, m.scheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	m.entry = id
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Start begins scheduling. Runs use ctx; cancelling it aborts a run in progress.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron.Start()
	logger.Info("monitor started: schedule %q, next run at %s", m.cfg.Schedule, m.Next().Format(time.RFC3339))

	if m.cfg.RunOnStart {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.scheduled()
		}()
	}
}

// Stop stops scheduling, cancels a run in progress and waits for it.
func (m *Monitor) Stop() {
	stopped := m.cron.Stop()
	m.cancel()
	<-stopped.Done()
	m.wg.Wait()
	logger.Info("monitor stopped")
}

// Next returns the next scheduled run time, zero before Start.
func (m *Monitor) Next() time.Time {
	return m.cron.Entry(m.entry).Next
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	s := m.status
	m.mu.Unlock()
	s.Running = m.busy.Load()
	s.Next = m.Next()
	return s
}

func (m *Monitor) scheduled() {
	if _, err := m.Trigger(m.ctx); errors.Is(err, ErrBusy) {
		logger.Warn("monitor: skipping scheduled run, previous run still in progress")
	}
}

// Trigger performs one run now and records it.
func (m *Monitor) Trigger(ctx context.Context) (*executor.RunResult, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer m.busy.Store(false)

	runID := uuid.NewString()
	started := m.cfg.Clock.Now()
	logger.Info("monitor: run %s started", runID)

	res, err := m.run(ctx, runID)
	if err == nil && res != nil {
		err = m.record(res, started)
	}
	m.update(runID, started, res, err)

	if m.cfg.OnRun != nil {
		m.cfg.OnRun(res, err)
	}
	return res, err
}

func (m *Monitor) record(res *executor.RunResult, started time.Time) error {
	if m.recorder == nil {
		return nil
	}
	meta := store.RunMeta{Source: store.SourceMonitor, StartedAt: started}
	if m.cfg.ReportDir != nil {
		meta.ReportDir = m.cfg.ReportDir(res.RunID)
	}
	if err := m.recorder.RecordRun(res, meta); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if m.cfg.Keep > 0 {
		if _, err := m.recorder.Prune(m.cfg.Keep); err != nil {
			logger.Warn("monitor: prune history: %v", err)
		}
	}
	return nil
}

func (m *Monitor) update(runID string, started time.Time, res *executor.RunResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.Runs++
	m.status.LastRunID = runID
	m.status.LastRunAt = started
	m.status.LastError = ""
	switch {
	case err != nil:
		m.status.Failures++
		m.status.LastStatus = "error"
		m.status.LastError = err.Error()
		logger.Error("monitor: run %s: %v", runID, err)
	case res != nil:
		m.status.LastStatus = string(res.Status)
		if res.FailedFlows > 0 {
			m.status.Failures++
		}
		logger.Info("monitor: run %s %s (%d/%d flows passed)", runID, res.Status, res.PassedFlows, res.TotalFlows)
	}
}

// cronLogger routes cron's own logging to the run log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.With(keysAndValues...).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.With(append(keysAndValues, "error", err)...).Error("cron: " + msg)
}
