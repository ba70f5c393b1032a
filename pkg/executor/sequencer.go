package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
)

// Defaults for SequencerConfig.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultDiagnosticTimeout = 5 * time.Second
)

// Clock is the time source the sequencer reads and waits on.
// clockwork.Clock satisfies it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// StepObserver receives progress events from a running sequencer.
// Hooks are called synchronously on the sequencer's goroutine.
type StepObserver struct {
	OnStepStart func(idx int, step flow.Step)
	OnAttempt   func(idx int, attempt int)
	OnStepEnd   func(idx int, result core.StepResult)
}

// SequencerConfig configures a Sequencer.
type SequencerConfig struct {
	Name              string        // Flow name recorded in the result
	PollInterval      time.Duration // Fixed interval between checks (default 100ms)
	DefaultTimeoutMs  int           // Step timeout when the step sets none (default 10000)
	DefaultRetries    int           // Extra attempts when the step sets none
	ErrorMarkers      []string      // Text patterns that mean the target is in an error state
	DiagnosticTimeout time.Duration // Bound on the final diagnostic capture (default 5s)
	Clock             Clock         // Defaults to the real clock
	Observer          StepObserver
}

// Sequencer drives a target through an ordered list of steps, confirming
// each step's post-condition before the next begins. A Sequencer runs once:
// its state only moves forward from Pending.
type Sequencer struct {
	target core.Target
	config SequencerConfig
	clock  Clock

	started atomic.Bool

	mu    sync.RWMutex
	state core.FlowState
}

// NewSequencer creates a Sequencer for target.
func NewSequencer(target core.Target, cfg SequencerConfig) *Sequencer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = flow.DefaultStepTimeoutMs
	}
	if cfg.DiagnosticTimeout <= 0 {
		cfg.DiagnosticTimeout = DefaultDiagnosticTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sequencer{
		target: target,
		config: cfg,
		clock:  clock,
		state:  core.Pending(),
	}
}

// State returns the current state. Safe to call from any goroutine.
func (s *Sequencer) State() core.FlowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// transition moves to next if the state machine allows it.
func (s *Sequencer) transition(next core.FlowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.CanTransition(next) {
		s.state = next
	}
}

// Run executes steps in order and returns the flow result. An error is
// returned only for caller mistakes: an invalid step list (ErrInvalidFlow),
// a run already in progress (ErrTargetBusy) or a second run after the first
// finished (ErrAlreadyRun). Every step failure, including cancellation, is
// reported in the result.
func (s *Sequencer) Run(ctx context.Context, steps []flow.Step) (core.FlowResult, error) {
	if err := flow.ValidateSteps(steps); err != nil {
		return core.FlowResult{}, core.ErrInvalidFlow.WithCause(err)
	}
	if !s.started.CompareAndSwap(false, true) {
		if s.State().IsTerminal() {
			return core.FlowResult{}, core.ErrAlreadyRun
		}
		return core.FlowResult{}, core.ErrTargetBusy
	}

	steps = flow.CloneSteps(steps)

	rec := core.NewFlowRecorder(s.config.Name, s.clock.Now())
	rec.SetPlatform(s.target.Info())

	final := core.Completed()
	for i, step := range steps {
		s.transition(core.Running(i))
		if s.config.Observer.OnStepStart != nil {
			s.config.Observer.OnStepStart(i, step)
		}

		var res core.StepResult
		if ctx.Err() != nil {
			res = s.cancelledResult(i, step)
		} else {
			res = s.runStep(ctx, i, step)
		}
		rec.Record(res)

		if s.config.Observer.OnStepEnd != nil {
			s.config.Observer.OnStepEnd(i, res)
		}

		if res.Status != core.StatusPassed {
			rec.Fail(core.StepFailure{
				Index:   i,
				StepID:  step.ID,
				Kind:    res.Kind,
				Message: res.Error,
				Details: res.Details,
			})
			final = core.FailedAt(i)
			logger.Info("step %d (%s) failed: %s: %s", i, step.ID, res.Kind, res.Error)
			break
		}
		logger.Debug("step %d (%s) passed in %v", i, step.ID, res.Duration)
	}

	rec.SetDiagnostic(s.captureDiagnostic(ctx))
	s.transition(final)
	return rec.Finish(final, s.clock.Now()), nil
}

// captureDiagnostic snapshots the target on a context detached from the
// caller's cancellation so a cancelled run still gets its diagnostic. A
// partial snapshot returned with an error is kept.
func (s *Sequencer) captureDiagnostic(ctx context.Context) *core.Diagnostic {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DiagnosticTimeout)
	defer cancel()

	diag, err := s.target.CaptureDiagnostic(dctx)
	if err != nil {
		logger.Warn("diagnostic capture failed: %v", err)
	}
	return diag
}

func (s *Sequencer) stepTimeout(step flow.Step) time.Duration {
	ms := step.TimeoutMs
	if ms <= 0 {
		ms = s.config.DefaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Sequencer) stepRetries(step flow.Step) int {
	if step.Retries != nil {
		return *step.Retries
	}
	return s.config.DefaultRetries
}

func newStepResult(idx int, step flow.Step, start time.Time) core.StepResult {
	return core.StepResult{
		Index:        idx,
		StepID:       step.ID,
		Description:  step.Describe(),
		Action:       string(step.Action.Type),
		Status:       core.StatusRunning,
		StartTime:    start,
		LocatorIndex: -1,
	}
}

func (s *Sequencer) cancelledResult(idx int, step flow.Step) core.StepResult {
	res := newStepResult(idx, step, s.clock.Now())
	res.Status = core.StatusFailed
	res.Kind = core.KindCancelled
	res.Error = core.ErrCancelled.Error()
	return res
}

// runStep runs attempts until one succeeds, the failure is not retryable,
// or the retry budget is spent.
func (s *Sequencer) runStep(ctx context.Context, idx int, step flow.Step) core.StepResult {
	start := s.clock.Now()
	res := newStepResult(idx, step, start)
	retries := s.stepRetries(step)

	for attempt := 1; ; attempt++ {
		if s.config.Observer.OnAttempt != nil {
			s.config.Observer.OnAttempt(idx, attempt)
		}
		out := s.attempt(ctx, step)
		res.Attempts = attempt
		res.LocatorIndex = out.locatorIndex
		res.Element = nil
		if out.element != nil {
			info := out.element.Info
			res.Element = &info
		}

		if out.err == nil {
			res.Status = core.StatusPassed
			res.Flaky = attempt > 1
			break
		}

		if !out.err.Kind.Retryable() || attempt > retries {
			res.Status = core.StatusFailed
			res.Kind = out.err.Kind
			res.Error = out.err.Error()
			res.Details = out.err.Details
			break
		}
		res.AttemptErrors = append(res.AttemptErrors, out.err.Error())
		logger.Debug("step %d (%s) attempt %d failed, retrying: %v", idx, step.ID, attempt, out.err)
	}

	res.Duration = s.clock.Now().Sub(start)
	return res
}

type attemptOutcome struct {
	locatorIndex int
	element      *core.Element
	err          *core.ExecutionError
}

// attempt performs one locate, act, confirm cycle.
func (s *Sequencer) attempt(ctx context.Context, step flow.Step) attemptOutcome {
	timeout := s.stepTimeout(step)
	out := attemptOutcome{locatorIndex: -1}

	// Locate
	var miss *core.LocateMiss
	deadline := s.clock.Now().Add(timeout)
	found, err := s.poll(ctx, deadline, func() (bool, error) {
		var best *core.LocateMiss
		for i, loc := range step.Locators {
			el, err := s.target.Locate(ctx, loc)
			if err == nil {
				out.locatorIndex, out.element = i, el
				return true, nil
			}
			var m *core.LocateMiss
			if !errors.As(err, &m) {
				return false, err
			}
			if best == nil || missRank(m.Reason) > missRank(best.Reason) {
				best = m
			}
		}
		miss = best
		return false, nil
	})
	if err != nil {
		out.err = s.faultError(ctx, err, "locate")
		return out
	}
	if !found {
		out.err = locateFailure(step, miss, timeout)
		return out
	}

	// Act
	if step.Action.Type != flow.ActionWaitFor {
		if err := s.target.Perform(ctx, out.element, step.Action); err != nil {
			if ctx.Err() != nil {
				out.err = core.ErrCancelled.WithCause(ctx.Err())
				return out
			}
			out.err = core.ErrActionFailed.
				WithCause(err).
				WithMessagef("%s on %s failed", step.Action.Describe(), step.Locators[out.locatorIndex].Describe())
			return out
		}
	}

	// Confirm
	if step.PostCondition.IsEmpty() {
		return out
	}
	var marker string
	deadline = s.clock.Now().Add(timeout)
	ok, err := s.poll(ctx, deadline, func() (bool, error) {
		ok, err := s.target.Observe(ctx, step.PostCondition)
		if err != nil || ok {
			return ok, err
		}
		for _, m := range s.config.ErrorMarkers {
			visible, err := s.target.Observe(ctx, flow.Condition{Text: m})
			if err != nil {
				return false, err
			}
			if visible {
				marker = m
				return false, errMarkerVisible
			}
		}
		return false, nil
	})
	switch {
	case errors.Is(err, errMarkerVisible):
		out.err = core.ErrUnexpectedTargetState.
			WithMessagef("error marker %q is visible", marker).
			WithDetails(map[string]interface{}{"marker": marker})
	case err != nil:
		out.err = s.faultError(ctx, err, "observe")
	case !ok:
		out.err = core.ErrPostConditionTimeout.
			WithMessagef("%s not met within %dms", step.PostCondition.Describe(), timeout.Milliseconds()).
			WithDetails(map[string]interface{}{
				"condition": step.PostCondition.Describe(),
				"timeoutMs": timeout.Milliseconds(),
			})
	}
	return out
}

var errMarkerVisible = errors.New("error marker visible")

// poll calls check until it reports done, returns an error, or the deadline
// passes. Checks run at a fixed interval and a final check runs exactly at
// the deadline.
func (s *Sequencer) poll(ctx context.Context, deadline time.Time, check func() (bool, error)) (bool, error) {
	for {
		done, err := check()
		if err != nil || done {
			return done, err
		}

		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		wait := s.config.PollInterval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.clock.After(wait):
		}
	}
}

// faultError classifies a non-miss error from the target.
func (s *Sequencer) faultError(ctx context.Context, err error, op string) *core.ExecutionError {
	if ctx.Err() != nil {
		return core.ErrCancelled.WithCause(ctx.Err())
	}
	return core.ErrUnexpectedTargetState.
		WithCause(err).
		WithMessage(op + " failed").
		WithDetails(map[string]interface{}{"operation": op})
}

// locateFailure builds the error for a locate that timed out. A control that
// was found but stayed disabled is an action failure, not a missing element.
func locateFailure(step flow.Step, miss *core.LocateMiss, timeout time.Duration) *core.ExecutionError {
	if miss == nil {
		miss = &core.LocateMiss{Reason: core.MissAbsent}
	}
	tried := make([]string, len(step.Locators))
	for i, l := range step.Locators {
		tried[i] = l.Describe()
	}
	details := map[string]interface{}{
		"reason":    string(miss.Reason),
		"matches":   miss.Matches,
		"locators":  tried,
		"timeoutMs": timeout.Milliseconds(),
	}

	if miss.Reason == core.MissDisabled {
		return core.ErrActionFailed.
			WithMessagef("%s: element stayed disabled for %dms", step.Describe(), timeout.Milliseconds()).
			WithDetails(details)
	}
	return core.ErrElementNotFound.
		WithMessage(fmt.Sprintf("%s: %s after %dms", step.Describe(), miss.Error(), timeout.Milliseconds())).
		WithDetails(details)
}

// missRank orders miss reasons by how close the target came to resolving.
func missRank(r core.MissReason) int {
	switch r {
	case core.MissDisabled:
		return 3
	case core.MissAmbiguous:
		return 2
	case core.MissHidden:
		return 1
	default:
		return 0
	}
}
