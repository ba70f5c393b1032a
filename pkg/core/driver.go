package core

import (
	"context"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

// Target is the interactive UI a flow drives, typically one browser page.
// Implementations: chromedp browser, scripted mock.
// The sequencer handles ordering, waiting and retries; a Target answers
// single questions and performs single actions.
type Target interface {
	// Locate resolves one locator to exactly one visible, enabled element.
	// A non-resolving locator returns *LocateMiss; other errors are target faults.
	Locate(ctx context.Context, loc flow.Locator) (*Element, error)

	// Perform applies the action to a previously located element.
	Perform(ctx context.Context, el *Element, action flow.Action) error

	// Observe reports whether the condition holds right now.
	Observe(ctx context.Context, cond flow.Condition) (bool, error)

	// CaptureDiagnostic snapshots the page for the report.
	CaptureDiagnostic(ctx context.Context) (*Diagnostic, error)

	// Info returns browser/platform information
	Info() *PlatformInfo
}

// Navigator is implemented by targets that can load a URL.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// StateResetter is implemented by targets that can drop cookies and storage
// left behind by a previous flow.
type StateResetter interface {
	ResetState(ctx context.Context) error
}

// Element is a handle to a located element. Handle is opaque to everyone but
// the Target that produced it.
type Element struct {
	Handle string      `json:"-"`
	Info   ElementInfo `json:"info"`
}

// ElementInfo represents information about a UI element
type ElementInfo struct {
	Tag        string            `json:"tag,omitempty"`
	Role       string            `json:"role,omitempty"`
	Name       string            `json:"name,omitempty"` // Accessible name
	Text       string            `json:"text,omitempty"`
	TestID     string            `json:"testId,omitempty"`
	Bounds     Bounds            `json:"bounds"`
	Visible    bool              `json:"visible"`
	Enabled    bool              `json:"enabled"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Bounds represents element position and size
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the center point of the bounds
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// PlatformInfo contains browser and platform details
type PlatformInfo struct {
	Platform       string `json:"platform"`                 // chrome, mock
	BrowserVersion string `json:"browserVersion,omitempty"` // e.g., "Chrome/126.0.6478.126"
	UserAgent      string `json:"userAgent,omitempty"`
	TargetID       string `json:"targetId,omitempty"` // Worker or tab identifier
	Headless       bool   `json:"headless"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
}

// LogEntry represents a single log message captured during execution
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`  // debug, info, warn, error
	Source    string    `json:"source"` // console, exception, runner
	Message   string    `json:"message"`
}
