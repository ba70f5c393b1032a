package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
)

// Consumer reads a report directory that a run may still be writing.
// It tracks update sequences so Poll only reports flows that changed.
type Consumer struct {
	reportDir     string
	lastGlobalSeq uint64
	lastFlowSeq   map[string]uint64
}

// NewConsumer creates a Consumer for the report in reportDir.
func NewConsumer(reportDir string) *Consumer {
	return &Consumer{
		reportDir:   reportDir,
		lastFlowSeq: make(map[string]uint64),
	}
}

// Poll reads the index and returns the IDs of flows whose UpdateSeq moved
// since the last call. The first call reports every flow.
func (c *Consumer) Poll() ([]string, *Index, error) {
	index, err := c.ReadIndex()
	if err != nil {
		return nil, nil, err
	}

	if index.UpdateSeq == c.lastGlobalSeq && c.lastGlobalSeq != 0 {
		return nil, index, nil
	}
	c.lastGlobalSeq = index.UpdateSeq

	var changed []string
	for _, f := range index.Flows {
		last, seen := c.lastFlowSeq[f.ID]
		if !seen || f.UpdateSeq != last {
			changed = append(changed, f.ID)
			c.lastFlowSeq[f.ID] = f.UpdateSeq
		}
	}
	return changed, index, nil
}

// ReadIndex reads report.json.
func (c *Consumer) ReadIndex() (*Index, error) {
	return ReadIndex(filepath.Join(c.reportDir, "report.json"))
}

// ReadFlow reads the detail file of one flow.
func (c *Consumer) ReadFlow(flowID string) (*FlowDetail, error) {
	return ReadFlowDetail(filepath.Join(c.reportDir, "flows", flowID+".json"))
}

// Reset forgets what has been seen so the next Poll reports everything.
func (c *Consumer) Reset() {
	c.lastGlobalSeq = 0
	c.lastFlowSeq = make(map[string]uint64)
}

// ReadIndex reads an index file.
func ReadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &index, nil
}

// ReadFlowDetail reads a flow detail file.
func ReadFlowDetail(path string) (*FlowDetail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow: %w", err)
	}
	var fd FlowDetail
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parse flow: %w", err)
	}
	return &fd, nil
}

// ReadReport reads the index and every flow detail it lists. A flow whose
// detail file is missing is returned with just its index fields.
func ReadReport(reportDir string) (*Index, []FlowDetail, error) {
	index, err := ReadIndex(filepath.Join(reportDir, "report.json"))
	if err != nil {
		return nil, nil, err
	}

	flows := make([]FlowDetail, len(index.Flows))
	for i, entry := range index.Flows {
		fd, err := ReadFlowDetail(filepath.Join(reportDir, entry.DataFile))
		if err != nil {
			flows[i] = FlowDetail{ID: entry.ID, Name: entry.Name, SourceFile: entry.SourceFile}
			continue
		}
		flows[i] = *fd
	}
	return index, flows, nil
}

// Recover finalizes a report left behind by a run that died mid-flight.
// Flows still marked running get a status and state inferred from their
// steps; a flow that had not finished is marked failed with "Flow
// interrupted" and flows that never started are skipped. The index is only
// rewritten if something changed.
func Recover(reportDir string) error {
	indexPath := filepath.Join(reportDir, "report.json")
	index, err := ReadIndex(indexPath)
	if err != nil {
		return err
	}

	changed := false
	for i := range index.Flows {
		entry := &index.Flows[i]
		if entry.Status.IsTerminal() {
			continue
		}

		flowPath := filepath.Join(reportDir, entry.DataFile)
		fd, err := ReadFlowDetail(flowPath)
		if err != nil {
			msg := "Flow detail missing"
			entry.Status = StatusFailed
			entry.Error = &msg
			changed = true
			continue
		}

		if entry.Status == StatusPending {
			// Never started: the run died before reaching it
			for j := range fd.Steps {
				fd.Steps[j].Status = StatusSkipped
			}
			if err := atomicWriteJSON(flowPath, fd); err != nil {
				return fmt.Errorf("write flow %s: %w", entry.ID, err)
			}
			entry.Status = StatusSkipped
			entry.State = "Pending"
			entry.Steps = summarizeSteps(fd.Steps)
			changed = true
			continue
		}

		status := inferStatus(fd.Steps)
		entry.State = recoveredState(fd.Steps)
		if status == StatusRunning {
			status = StatusFailed
			interrupted := core.ErrorForKind(core.KindCancelled).WithMessage("Flow interrupted")
			msg := interrupted.Message
			entry.Error = &msg
			for j := range fd.Steps {
				if !fd.Steps[j].Status.IsTerminal() {
					if fd.Failure == nil {
						fd.Failure = &Failure{StepIndex: j, StepID: fd.Steps[j].ID, Kind: interrupted.Kind.String(), Message: msg}
					}
					fd.Steps[j].Status = StatusSkipped
				}
			}
		}
		fd.State = entry.State
		if err := atomicWriteJSON(flowPath, fd); err != nil {
			return fmt.Errorf("write flow %s: %w", entry.ID, err)
		}
		entry.Status = status
		entry.Steps = summarizeSteps(fd.Steps)
		changed = true
	}

	if !changed {
		return nil
	}

	now := time.Now()
	index.Summary = summarizeFlows(index.Flows)
	index.Status = runStatus(index.Flows)
	if index.EndTime == nil {
		index.EndTime = &now
	}
	index.LastUpdated = now
	index.UpdateSeq++
	return atomicWriteJSON(indexPath, index)
}

// inferStatus derives a flow status from its steps. Anything short of all
// passed or one failed means the flow never finished.
func inferStatus(steps []Step) Status {
	if len(steps) == 0 {
		return StatusFailed
	}
	allPassed := true
	for _, s := range steps {
		if s.Status == StatusFailed {
			return StatusFailed
		}
		if s.Status != StatusPassed {
			allPassed = false
		}
	}
	if allPassed {
		return StatusPassed
	}
	return StatusRunning
}

// recoveredState names the sequencer state a dead run left a flow in:
// Completed when every step passed, otherwise Failed at the first step that
// failed or never finished.
func recoveredState(steps []Step) string {
	for i, s := range steps {
		if s.Status != StatusPassed {
			return "Failed(" + strconv.Itoa(i) + ")"
		}
	}
	if len(steps) == 0 {
		return "Failed(0)"
	}
	return "Completed"
}

// summarizeSteps counts step statuses.
func summarizeSteps(steps []Step) StepSummary {
	var s StepSummary
	s.Total = len(steps)
	for i, step := range steps {
		switch step.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusRunning:
			s.Running++
			idx := i
			s.Current = &idx
		case StatusPending:
			s.Pending++
		}
	}
	return s
}

// summarizeFlows counts flow statuses.
func summarizeFlows(flows []FlowEntry) Summary {
	var s Summary
	for _, f := range flows {
		s.Total++
		switch f.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusRunning:
			s.Running++
		case StatusPending:
			s.Pending++
		}
		if f.Flaky {
			s.Flaky++
		}
	}
	return s
}

// runStatus determines overall run status from flows.
func runStatus(flows []FlowEntry) Status {
	hasFailure := false
	for _, f := range flows {
		if !f.Status.IsTerminal() {
			return StatusRunning
		}
		if f.Status == StatusFailed {
			hasFailure = true
		}
	}
	if hasFailure {
		return StatusFailed
	}
	return StatusPassed
}

// atomicWriteJSON writes v as indented JSON via a temp file and rename, so
// a polling reader never sees a half-written file.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ensureDir creates dir and its parents if needed.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
