// Package core provides the execution model types for wizard-runner.
package core

import (
	"encoding/json"
	"time"
)

// Attachment represents a debug artifact captured when a flow halts
type Attachment struct {
	Name        string `json:"name"`        // Descriptive name: screenshot, dom, console
	ContentType string `json:"contentType"` // MIME type: image/png, text/html, application/json
	Path        string `json:"path"`        // File path relative to output directory
	Body        []byte `json:"-"`           // In-memory content (not serialized to JSON)
}

// Common attachment names
const (
	AttachmentScreenshot  = "screenshot"
	AttachmentDOM         = "dom"
	AttachmentConsole     = "console"
	AttachmentPage        = "page"
	AttachmentSuggestions = "suggestions"
)

// Common content types
const (
	ContentTypePNG      = "image/png"
	ContentTypeHTML     = "text/html"
	ContentTypeJSON     = "application/json"
	ContentTypeText     = "text/plain"
	ContentTypeMarkdown = "text/markdown"
)

// NewScreenshotAttachment creates a screenshot attachment
func NewScreenshotAttachment(path string, data []byte) Attachment {
	return Attachment{
		Name:        AttachmentScreenshot,
		ContentType: ContentTypePNG,
		Path:        path,
		Body:        data,
	}
}

// NewDOMAttachment creates a DOM snapshot attachment
func NewDOMAttachment(path string, html string) Attachment {
	return Attachment{
		Name:        AttachmentDOM,
		ContentType: ContentTypeHTML,
		Path:        path,
		Body:        []byte(html),
	}
}

// Diagnostic is a snapshot of the target taken when a flow halts.
type Diagnostic struct {
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Screenshot []byte     `json:"-"`
	DOM        string     `json:"-"`
	Console    []LogEntry `json:"console,omitempty"`
	CapturedAt time.Time  `json:"capturedAt"`
}

// Attachments converts the diagnostic into attachments. Paths are left empty;
// the report writer assigns them when it saves the bodies.
func (d *Diagnostic) Attachments() []Attachment {
	if d == nil {
		return nil
	}
	var out []Attachment
	if len(d.Screenshot) > 0 {
		out = append(out, NewScreenshotAttachment("", d.Screenshot))
	}
	if d.DOM != "" {
		out = append(out, NewDOMAttachment("", d.DOM))
	}
	if len(d.Console) > 0 {
		if data, err := json.MarshalIndent(d.Console, "", "  "); err == nil {
			out = append(out, Attachment{
				Name:        AttachmentConsole,
				ContentType: ContentTypeJSON,
				Body:        data,
			})
		}
	}
	return out
}

// ConsoleErrors returns the console entries at error level.
func (d *Diagnostic) ConsoleErrors() []LogEntry {
	if d == nil {
		return nil
	}
	var out []LogEntry
	for _, e := range d.Console {
		if e.Level == "error" {
			out = append(out, e)
		}
	}
	return out
}

// ArtifactConfig controls which captured artifacts are written to the report
type ArtifactConfig struct {
	// When to write
	CaptureOnFailure bool `yaml:"captureOnFailure" json:"captureOnFailure" mapstructure:"captureOnFailure"` // Default: true
	CaptureOnSuccess bool `yaml:"captureOnSuccess" json:"captureOnSuccess" mapstructure:"captureOnSuccess"` // Default: false

	// What to write
	Screenshot   bool `yaml:"screenshot" json:"screenshot" mapstructure:"screenshot"`       // Default: true
	DOM          bool `yaml:"dom" json:"dom" mapstructure:"dom"`                            // Default: true
	Console      bool `yaml:"console" json:"console" mapstructure:"console"`                // Default: true
	PageMarkdown bool `yaml:"pageMarkdown" json:"pageMarkdown" mapstructure:"pageMarkdown"` // Default: true
}

// DefaultArtifactConfig returns sensible defaults for artifact capture
func DefaultArtifactConfig() ArtifactConfig {
	return ArtifactConfig{
		CaptureOnFailure: true,
		CaptureOnSuccess: false,
		Screenshot:       true,
		DOM:              true,
		Console:          true,
		PageMarkdown:     true,
	}
}

// ShouldCapture returns true if artifacts should be written for the given status
func (c ArtifactConfig) ShouldCapture(status StepStatus) bool {
	switch status {
	case StatusFailed:
		return c.CaptureOnFailure
	case StatusPassed:
		return c.CaptureOnSuccess
	default:
		return false
	}
}

// Filter drops attachments the config does not ask for.
func (c ArtifactConfig) Filter(atts []Attachment) []Attachment {
	var out []Attachment
	for _, a := range atts {
		switch a.Name {
		case AttachmentScreenshot:
			if !c.Screenshot {
				continue
			}
		case AttachmentDOM:
			if !c.DOM {
				continue
			}
		case AttachmentConsole:
			if !c.Console {
				continue
			}
		case AttachmentPage:
			if !c.PageMarkdown {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}
