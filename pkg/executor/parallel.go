package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
	"github.com/devicelab-dev/wizard-runner/pkg/report"
)

// TargetWorker is one target (browser tab or instance) that pulls flows
// from the shared queue.
type TargetWorker struct {
	ID      int
	Target  core.Target
	Cleanup func()
}

// workItem represents a flow and its index in the original flow list.
type workItem struct {
	flow  flow.Flow
	index int
}

// ParallelRunner coordinates parallel execution across multiple targets.
type ParallelRunner struct {
	workers []TargetWorker
	config  RunnerConfig
}

// NewParallelRunner creates a parallel runner with multiple target workers.
func NewParallelRunner(workers []TargetWorker, config RunnerConfig) *ParallelRunner {
	return &ParallelRunner{
		workers: workers,
		config:  withDefaults(config),
	}
}

// Run executes flows in parallel using a work queue pattern.
// All workers pull from the same queue until all flows are complete.
func (pr *ParallelRunner) Run(ctx context.Context, flows []flow.Flow) (*RunResult, error) {
	if len(pr.workers) == 0 {
		return nil, fmt.Errorf("no workers available")
	}

	cfg := pr.config
	cfg.Target.Workers = len(pr.workers)
	index, flowDetails, indexWriter, err := startReport(cfg, flows)
	if err != nil {
		return nil, err
	}
	defer indexWriter.Close()

	if info := pr.workers[0].Target.Info(); info != nil {
		indexWriter.SetTarget(platformToTarget(info))
	}

	indexWriter.Start()
	startTime := time.Now()
	logger.Info("run %s started: %d flows on %d workers", index.RunID, len(flows), len(pr.workers))

	workQueue := make(chan workItem, len(flows))
	for i, f := range flows {
		workQueue <- workItem{flow: f, index: i}
	}
	close(workQueue)

	results := make([]FlowResult, len(flows))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	var stopped atomic.Bool

	totalFlows := len(flows)

	for i := range pr.workers {
		wg.Add(1)
		worker := pr.workers[i]

		go func(w TargetWorker) {
			defer wg.Done()
			if w.Cleanup != nil {
				defer w.Cleanup()
			}

			// Each worker drives its own target but shares the report
			runner := &Runner{
				config: cfg,
				target: w.Target,
			}

			for item := range workQueue {
				var result FlowResult
				switch {
				case ctx.Err() != nil:
					result = skipFlow(cfg, &flowDetails[item.index], indexWriter, "run cancelled")
				case stopped.Load():
					result = skipFlow(cfg, &flowDetails[item.index], indexWriter, "run stopped")
				default:
					result = runner.executeFlow(ctx, item.flow, &flowDetails[item.index], indexWriter, item.index, totalFlows, w.ID)
					if cfg.StopOnFail && result.Status == report.StatusFailed {
						stopped.Store(true)
					}
				}

				resultsMu.Lock()
				results[item.index] = result
				resultsMu.Unlock()
			}
		}(worker)
	}

	wg.Wait()

	wallClockDuration := time.Since(startTime).Milliseconds()
	indexWriter.End()

	// Wall clock time, not the sum of flow durations
	return buildRunResult(cfg.RunID, results, wallClockDuration), nil
}
