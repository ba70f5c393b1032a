// Package store keeps run history in an embedded badgerhold database, so
// repeated and scheduled runs can be compared over time.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/devicelab-dev/wizard-runner/pkg/executor"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
)

// ErrRunNotFound is returned when a run ID is not in the history.
var ErrRunNotFound = errors.New("run not found")

// Source says what started a run.
const (
	SourceCLI     = "cli"
	SourceMonitor = "monitor"
)

// RunRecord is one stored run.
type RunRecord struct {
	ID         string
	Source     string
	StartedAt  time.Time `badgerholdIndex:"StartedAt"`
	DurationMs int64
	Status     string
	Total      int
	Passed     int
	Failed     int
	Skipped    int
	Flaky      int
	ReportDir  string

	// Suite is the JSON-encoded core.SuiteResult with per-step detail.
	Suite []byte
}

// FlowRecord is the outcome of one flow within a stored run.
type FlowRecord struct {
	RunID      string `badgerholdIndex:"RunID"`
	FlowID     string
	FlowName   string `badgerholdIndex:"FlowName"`
	SourceFile string
	StartedAt  time.Time
	Status     string
	State      string
	Kind       string
	FailedStep int
	Error      string
	DurationMs int64
	Flaky      bool
}

func (f FlowRecord) key() string {
	return f.RunID + "/" + f.FlowID
}

// FlowStats summarizes the recorded history of one flow.
type FlowStats struct {
	FlowName   string
	Runs       int
	Passed     int
	Failed     int
	Flaky      int
	LastStatus string
	LastRunAt  time.Time
}

// PassRate returns the share of recorded runs that passed, 0 when none ran.
func (s FlowStats) PassRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Runs)
}

// RunMeta is what a RunResult does not carry about its run.
type RunMeta struct {
	Name      string // suite name, the run ID when empty
	Source    string
	StartedAt time.Time
	ReportDir string
}

// Store is the history database.
type Store struct {
	db *badgerhold.Store
}

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	logger.Debug("history database opened at %s", filepath.Clean(dir))
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRun writes a run and its flows in one transaction.
func (s *Store) SaveRun(run RunRecord, flows []FlowRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		if err := s.db.TxUpsert(tx, run.ID, run); err != nil {
			return err
		}
		for _, f := range flows {
			f.RunID = run.ID
			if err := s.db.TxUpsert(tx, f.key(), f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// RecordRun stores the outcome of an executor run.
func (s *Store) RecordRun(res *executor.RunResult, meta RunMeta) error {
	run, flows := FromRunResult(res, meta)
	return s.SaveRun(run, flows)
}

// FromRunResult converts an executor run into history records.
func FromRunResult(res *executor.RunResult, meta RunMeta) (RunRecord, []FlowRecord) {
	run := RunRecord{
		ID:         res.RunID,
		Source:     meta.Source,
		StartedAt:  meta.StartedAt,
		DurationMs: res.Duration,
		Status:     string(res.Status),
		Total:      res.TotalFlows,
		Passed:     res.PassedFlows,
		Failed:     res.FailedFlows,
		Skipped:    res.SkippedFlows,
		Flaky:      res.FlakyFlows,
		ReportDir:  meta.ReportDir,
	}

	name := meta.Name
	if name == "" {
		name = res.RunID
	}
	if data, err := json.Marshal(res.Suite(name, meta.StartedAt)); err != nil {
		logger.Warn("encode suite result of run %s: %v", res.RunID, err)
	} else {
		run.Suite = data
	}

	flows := make([]FlowRecord, 0, len(res.FlowResults))
	for _, fr := range res.FlowResults {
		flows = append(flows, FlowRecord{
			RunID:      res.RunID,
			FlowID:     fr.ID,
			FlowName:   fr.Name,
			SourceFile: fr.SourceFile,
			StartedAt:  meta.StartedAt,
			Status:     string(fr.Status),
			State:      fr.State,
			Kind:       fr.Kind,
			FailedStep: fr.FailedStep,
			Error:      fr.Error,
			DurationMs: fr.Duration,
			Flaky:      fr.Flaky,
		})
	}
	return run, flows
}

// Run returns a stored run and its flows.
func (s *Store) Run(id string) (RunRecord, []FlowRecord, error) {
	var run RunRecord
	if err := s.db.Get(id, &run); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return RunRecord{}, nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return RunRecord{}, nil, fmt.Errorf("failed to get run: %w", err)
	}

	var flows []FlowRecord
	if err := s.db.Find(&flows, badgerhold.Where("RunID").Eq(id).Index("RunID")); err != nil {
		return RunRecord{}, nil, fmt.Errorf("failed to get flows of run %s: %w", id, err)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].FlowID < flows[j].FlowID })
	return run, flows, nil
}

// Recent returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) Recent(limit int) ([]RunRecord, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var runs []RunRecord
	if err := s.db.Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// FlowHistory returns up to limit results of the named flow, newest first.
func (s *Store) FlowHistory(name string, limit int) ([]FlowRecord, error) {
	query := badgerhold.Where("FlowName").Eq(name).Index("FlowName").SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var flows []FlowRecord
	if err := s.db.Find(&flows, query); err != nil {
		return nil, fmt.Errorf("failed to get history of %s: %w", name, err)
	}
	return flows, nil
}

// Stats aggregates every recorded flow result by flow name, sorted by name.
// Skipped results do not count as runs.
func (s *Store) Stats() ([]FlowStats, error) {
	var flows []FlowRecord
	if err := s.db.Find(&flows, badgerhold.Where("FlowName").Ne("").SortBy("StartedAt")); err != nil {
		return nil, fmt.Errorf("failed to read flow history: %w", err)
	}

	byName := make(map[string]*FlowStats)
	var names []string
	for _, f := range flows {
		st, ok := byName[f.FlowName]
		if !ok {
			st = &FlowStats{FlowName: f.FlowName}
			byName[f.FlowName] = st
			names = append(names, f.FlowName)
		}
		switch f.Status {
		case "passed":
			st.Passed++
		case "failed":
			st.Failed++
		default:
			continue
		}
		st.Runs++
		if f.Flaky {
			st.Flaky++
		}
		st.LastStatus = f.Status
		st.LastRunAt = f.StartedAt
	}

	sort.Strings(names)
	out := make([]FlowStats, 0, len(names))
	for _, n := range names {
		out = append(out, *byName[n])
	}
	return out, nil
}

// Prune deletes all but the keep newest runs and returns how many it removed.
func (s *Store) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	var old []RunRecord
	query := badgerhold.Where("ID").Ne("").SortBy("StartedAt").Reverse().Skip(keep)
	if err := s.db.Find(&old, query); err != nil {
		return 0, fmt.Errorf("failed to find old runs: %w", err)
	}

	for _, run := range old {
		if err := s.db.DeleteMatching(&FlowRecord{}, badgerhold.Where("RunID").Eq(run.ID).Index("RunID")); err != nil {
			return 0, fmt.Errorf("failed to delete flows of run %s: %w", run.ID, err)
		}
		if err := s.db.Delete(run.ID, &RunRecord{}); err != nil {
			return 0, fmt.Errorf("failed to delete run %s: %w", run.ID, err)
		}
	}
	if len(old) > 0 {
		logger.Info("history pruned: removed %d runs, kept %d", len(old), keep)
	}
	return len(old), nil
}
