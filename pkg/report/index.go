package report

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/logger"
)

// IndexWriter provides thread-safe updates to the report index.
// Multiple flow goroutines can update the index concurrently.
type IndexWriter struct {
	mu        sync.Mutex
	outputDir string
	path      string
	index     *Index
	html      HTMLConfig

	// Debouncing for progress updates
	pending   map[string]*FlowUpdate
	timer     *time.Timer
	closed    bool
	closeOnce sync.Once
}

// NewIndexWriter creates a new IndexWriter.
func NewIndexWriter(outputDir string, index *Index) *IndexWriter {
	return &IndexWriter{
		outputDir: outputDir,
		path:      filepath.Join(outputDir, "report.json"),
		index:     index,
		html:      HTMLConfig{Title: "Wizard Run Report", ReportDir: outputDir},
		pending:   make(map[string]*FlowUpdate),
	}
}

// SetHTMLConfig changes how the live HTML summary is rendered.
func (w *IndexWriter) SetHTMLConfig(cfg HTMLConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cfg.ReportDir == "" {
		cfg.ReportDir = w.outputDir
	}
	w.html = cfg
}

// Start marks the run as started.
func (w *IndexWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.index.Status = StatusRunning
	w.index.StartTime = now
	w.index.LastUpdated = now
	w.index.UpdateSeq++

	w.flushLocked()
}

// SetTarget records the target details once the first target has started.
// Fields already known are kept when the new value leaves them empty.
func (w *IndexWriter) SetTarget(t Target) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur := &w.index.Target
	if t.Platform != "" {
		cur.Platform = t.Platform
	}
	if t.BrowserVersion != "" {
		cur.BrowserVersion = t.BrowserVersion
	}
	if t.UserAgent != "" {
		cur.UserAgent = t.UserAgent
	}
	if t.ViewportWidth > 0 {
		cur.ViewportWidth = t.ViewportWidth
		cur.ViewportHeight = t.ViewportHeight
	}
	cur.Headless = t.Headless
	if t.Workers > 0 {
		cur.Workers = t.Workers
	}
}

// AssignWorker records which worker picked up a flow.
func (w *IndexWriter) AssignWorker(flowID string, workerID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.index.Flows {
		if w.index.Flows[i].ID == flowID {
			w.index.Flows[i].WorkerID = workerID
			return
		}
	}
}

// UpdateFlow updates a flow entry in the index.
// Terminal states (passed/failed) flush immediately.
// Progress updates are debounced to reduce I/O.
func (w *IndexWriter) UpdateFlow(flowID string, update *FlowUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[flowID] = update

	// Immediate flush for terminal states
	if update.Status.IsTerminal() {
		w.flushLocked()
		return
	}

	// Debounced flush for progress updates (100ms)
	if w.timer == nil && !w.closed {
		w.timer = time.AfterFunc(100*time.Millisecond, func() {
			w.flush()
		})
	}
}

// End marks the run as complete.
func (w *IndexWriter) End() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Terminal updates may still be queued behind a debounced progress one
	for flowID, update := range w.pending {
		w.applyUpdate(flowID, update)
	}
	w.pending = make(map[string]*FlowUpdate)

	now := time.Now()
	w.index.EndTime = &now
	w.index.LastUpdated = now
	w.index.Status = runStatus(w.index.Flows)
	w.index.UpdateSeq++

	w.flushLocked()
}

// Close flushes any pending updates. Later progress updates are only
// written by the next terminal update.
func (w *IndexWriter) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.closed = true
		w.flushLocked()
	})
}

// GetIndex returns the current index (for reading).
func (w *IndexWriter) GetIndex() *Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index
}

// flush applies pending updates and writes to disk.
func (w *IndexWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

// flushLocked flushes while holding the lock.
func (w *IndexWriter) flushLocked() {
	// Apply pending updates
	for flowID, update := range w.pending {
		w.applyUpdate(flowID, update)
	}
	w.pending = make(map[string]*FlowUpdate)

	// Update metadata
	w.index.UpdateSeq++
	w.index.LastUpdated = time.Now()
	w.index.Summary = summarizeFlows(w.index.Flows)

	// Stop debounce timer if running
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	if err := atomicWriteJSON(w.path, w.index); err != nil {
		logger.Warn("write report index: %v", err)
		return
	}

	// Regenerate HTML for live file:// viewing
	if err := GenerateHTML(w.outputDir, w.html); err != nil {
		logger.Warn("generate html report: %v", err)
	}
}

// applyUpdate applies a FlowUpdate to the index.
func (w *IndexWriter) applyUpdate(flowID string, update *FlowUpdate) {
	for i := range w.index.Flows {
		if w.index.Flows[i].ID == flowID {
			f := &w.index.Flows[i]
			f.Status = update.Status
			if update.State != "" {
				f.State = update.State
			}
			if update.StartTime != nil {
				f.StartTime = update.StartTime
			}
			if update.EndTime != nil {
				f.EndTime = update.EndTime
			}
			if update.Duration != nil {
				f.Duration = update.Duration
			}
			f.Steps = update.Steps
			f.Flaky = f.Flaky || update.Flaky
			if update.Error != nil {
				f.Error = update.Error
			}
			f.UpdateSeq++
			now := time.Now()
			f.LastUpdated = &now
			break
		}
	}
}
