package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/wizard-runner/pkg/executor"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
	"github.com/devicelab-dev/wizard-runner/pkg/store"
)

type fakeRecorder struct {
	mu     sync.Mutex
	runs   []*executor.RunResult
	metas  []store.RunMeta
	pruned []int
	err    error
}

func (r *fakeRecorder) RecordRun(res *executor.RunResult, meta store.RunMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.runs = append(r.runs, res)
	r.metas = append(r.metas, meta)
	return nil
}

func (r *fakeRecorder) Prune(keep int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, keep)
	return 0, nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func passingRun(ctx context.Context, runID string) (*executor.RunResult, error) {
	return &executor.RunResult{RunID: runID, Status: report.StatusPassed, TotalFlows: 1, PassedFlows: 1}, nil
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every now and then"}, passingRun, nil)
	assert.Error(t, err)

	_, err = New(Config{Schedule: "@every 1m"}, nil, nil)
	assert.Error(t, err)
}

func TestTrigger_RecordsRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	rec := &fakeRecorder{}
	var callbacks int

	m, err := New(Config{
		Schedule:  "@every 1h",
		Keep:      10,
		Clock:     clock,
		ReportDir: func(id string) string { return "reports/" + id },
		OnRun:     func(*executor.RunResult, error) { callbacks++ },
	}, passingRun, rec)
	require.NoError(t, err)

	res, err := m.Trigger(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.RunID)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, store.SourceMonitor, rec.metas[0].Source)
	assert.Equal(t, clock.Now(), rec.metas[0].StartedAt)
	assert.Equal(t, "reports/"+res.RunID, rec.metas[0].ReportDir)
	assert.Equal(t, []int{10}, rec.pruned)
	assert.Equal(t, 1, callbacks)

	st := m.Status()
	assert.Equal(t, 1, st.Runs)
	assert.Zero(t, st.Failures)
	assert.Equal(t, res.RunID, st.LastRunID)
	assert.Equal(t, "passed", st.LastStatus)
	assert.False(t, st.Running)
	assert.True(t, st.Next.IsZero(), "no next run before Start")
}

func TestTrigger_FailedRunCounts(t *testing.T) {
	failing := func(ctx context.Context, runID string) (*executor.RunResult, error) {
		return &executor.RunResult{RunID: runID, Status: report.StatusFailed, TotalFlows: 2, PassedFlows: 1, FailedFlows: 1}, nil
	}
	m, err := New(Config{Schedule: "@every 1h"}, failing, &fakeRecorder{})
	require.NoError(t, err)

	_, err = m.Trigger(context.Background())
	require.NoError(t, err)

	st := m.Status()
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, "failed", st.LastStatus)
}

func TestTrigger_RunError(t *testing.T) {
	rec := &fakeRecorder{}
	broken := func(ctx context.Context, runID string) (*executor.RunResult, error) {
		return nil, errors.New("browser did not start")
	}
	m, err := New(Config{Schedule: "@every 1h"}, broken, rec)
	require.NoError(t, err)

	_, err = m.Trigger(context.Background())
	require.Error(t, err)
	assert.Zero(t, rec.count(), "failed runs without a result are not recorded")

	st := m.Status()
	assert.Equal(t, "error", st.LastStatus)
	assert.Equal(t, "browser did not start", st.LastError)
	assert.Equal(t, 1, st.Failures)
}

func TestTrigger_RecordError(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	m, err := New(Config{Schedule: "@every 1h"}, passingRun, rec)
	require.NoError(t, err)

	_, err = m.Trigger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestTrigger_Busy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := func(ctx context.Context, runID string) (*executor.RunResult, error) {
		close(started)
		<-release
		return passingRun(ctx, runID)
	}
	m, err := New(Config{Schedule: "@every 1h"}, slow, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Trigger(context.Background())
		done <- err
	}()
	<-started

	assert.True(t, m.Status().Running)
	_, err = m.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.Status().Runs)
}

func TestStart_RunOnStartAndStop(t *testing.T) {
	rec := &fakeRecorder{}
	var cancelled bool
	var mu sync.Mutex
	blocking := func(ctx context.Context, runID string) (*executor.RunResult, error) {
		res, _ := passingRun(ctx, runID)
		if rec.count() == 0 {
			return res, nil
		}
		<-ctx.Done()
		mu.Lock()
		cancelled = true
		mu.Unlock()
		return nil, ctx.Err()
	}

	m, err := New(Config{Schedule: "@every 1s", RunOnStart: true}, blocking, rec)
	require.NoError(t, err)
	m.Start(context.Background())

	assert.False(t, m.Next().IsZero())
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The next scheduled run blocks until Stop cancels it
	require.Eventually(t, func() bool { return m.Status().Running }, 3*time.Second, 10*time.Millisecond)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, cancelled)
	assert.False(t, m.Status().Running)
}
