// Package browser implements core.Target on a Chrome page driven over the
// DevTools protocol with chromedp.
package browser

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/input"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/jonboulle/clockwork"

	"github.com/devicelab-dev/wizard-runner/pkg/config"
	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/logger"
)

// DefaultStartTimeout bounds browser launch and the startup check.
const DefaultStartTimeout = 30 * time.Second

// maxConsoleEntries caps the console buffer; older entries are dropped.
const maxConsoleEntries = 500

// Options configures a browser Driver.
type Options struct {
	Headless     bool
	NoSandbox    bool
	WindowWidth  int
	WindowHeight int
	UserAgent    string
	ExecPath     string
	UserDataDir  string
	RemoteURL    string // DevTools websocket URL of an already running browser
	TargetID     string // Worker identifier reported in platform info
	StartTimeout time.Duration
	Clock        clockwork.Clock
}

// FromConfig maps workspace browser settings to driver options.
func FromConfig(cfg config.BrowserConfig, targetID string) Options {
	opts := Options{
		Headless:     cfg.Headless,
		NoSandbox:    cfg.NoSandbox,
		WindowWidth:  cfg.WindowWidth,
		WindowHeight: cfg.WindowHeight,
		UserAgent:    cfg.UserAgent,
		ExecPath:     cfg.ExecPath,
		RemoteURL:    cfg.RemoteURL,
		TargetID:     targetID,
	}
	if cfg.Profile != "" {
		opts.UserDataDir = config.GetProfileDir(cfg.Profile)
		if targetID != "" {
			// Chrome locks a user data dir to one process
			opts.UserDataDir = opts.UserDataDir + "-" + targetID
		}
	}
	return opts
}

func (o Options) withDefaults() Options {
	if o.WindowWidth <= 0 {
		o.WindowWidth = 1280
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = 800
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// allocatorOptions builds the Chrome command line for a local launch.
func (o Options) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", o.Headless),
		chromedp.Flag("disable-gpu", o.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(o.WindowWidth, o.WindowHeight),
	)
	if o.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(o.UserDataDir))
	}
	return opts
}

// Driver implements core.Target on one Chrome tab.
type Driver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	clock       clockwork.Clock
	info        core.PlatformInfo

	mu      sync.Mutex
	console []core.LogEntry
}

// New launches Chrome (or attaches to RemoteURL) and opens a tab.
func New(ctx context.Context, opts Options) (*Driver, error) {
	opts = opts.withDefaults()

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts.allocatorOptions()...)
	}
	tabCtx, cancel := chromedp.NewContext(allocCtx)

	d := &Driver{
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		clock:       opts.Clock,
		info: core.PlatformInfo{
			Platform:       "chrome",
			TargetID:       opts.TargetID,
			Headless:       opts.Headless,
			ViewportWidth:  opts.WindowWidth,
			ViewportHeight: opts.WindowHeight,
		},
	}
	chromedp.ListenTarget(tabCtx, d.onEvent)

	startCtx, startCancel := context.WithTimeout(tabCtx, opts.StartTimeout)
	defer startCancel()

	err := chromedp.Run(startCtx,
		runtime.Enable(),
		cdplog.Enable(),
		chromedp.EmulateViewport(int64(opts.WindowWidth), int64(opts.WindowHeight)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, product, _, userAgent, _, err := browser.GetVersion().Do(ctx)
			if err != nil {
				return err
			}
			d.info.BrowserVersion = product
			d.info.UserAgent = userAgent
			return nil
		}),
	)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	logger.Info("browser %s started: %s (headless=%v)", opts.TargetID, d.info.BrowserVersion, opts.Headless)
	return d, nil
}

// Close closes the tab and the browser it launched.
func (d *Driver) Close() {
	d.cancel()
	d.allocCancel()
}

// run executes actions on the tab, bounded by the caller's context.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		runCtx, dcancel = context.WithDeadline(runCtx, deadline)
		defer dcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (d *Driver) eval(ctx context.Context, script string, out interface{}) error {
	return d.run(ctx, chromedp.Evaluate(script, out))
}

// Navigate loads url and waits for the load event.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	logger.Debug("browser %s: navigate %s", d.info.TargetID, url)
	return d.run(ctx, chromedp.Navigate(url))
}

// ResetState clears cookies and the console buffer and leaves a blank page.
func (d *Driver) ResetState(ctx context.Context) error {
	d.mu.Lock()
	d.console = nil
	d.mu.Unlock()

	return d.run(ctx,
		network.ClearBrowserCookies(),
		chromedp.Navigate("about:blank"),
		chromedp.Evaluate(`try { localStorage.clear(); sessionStorage.clear(); } catch (e) {}`, nil),
	)
}

type locateResult struct {
	Status  string            `json:"status"`
	Matches int               `json:"matches"`
	Handle  string            `json:"handle"`
	Element *core.ElementInfo `json:"element"`
}

// Locate resolves loc to exactly one visible, enabled element.
func (d *Driver) Locate(ctx context.Context, loc flow.Locator) (*core.Element, error) {
	script, err := locateScript(loc)
	if err != nil {
		return nil, err
	}
	var res locateResult
	if err := d.eval(ctx, script, &res); err != nil {
		return nil, fmt.Errorf("locate %s: %w", loc.Describe(), err)
	}
	if res.Status != "ok" {
		return nil, &core.LocateMiss{Reason: core.MissReason(res.Status), Matches: res.Matches}
	}
	el := &core.Element{Handle: res.Handle}
	if res.Element != nil {
		el.Info = *res.Element
	}
	return el, nil
}

type scriptResult struct {
	Error   string            `json:"error"`
	Element *core.ElementInfo `json:"element"`
}

// Perform applies action to a previously located element.
func (d *Driver) Perform(ctx context.Context, el *core.Element, action flow.Action) error {
	switch action.Type {
	case flow.ActionClick:
		info, err := d.prepare(ctx, el.Handle, false)
		if err != nil {
			return err
		}
		x, y := info.Bounds.Center()
		return d.run(ctx, chromedp.MouseClickXY(float64(x), float64(y)))

	case flow.ActionFill:
		if _, err := d.prepare(ctx, el.Handle, true); err != nil {
			return err
		}
		return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(action.Text).Do(ctx)
		}))

	case flow.ActionSelectOption:
		script, err := selectScript(el.Handle, action.Option)
		if err != nil {
			return err
		}
		var res scriptResult
		if err := d.eval(ctx, script, &res); err != nil {
			return err
		}
		if res.Error != "" {
			return fmt.Errorf("%s", res.Error)
		}
		return nil

	case flow.ActionWaitFor:
		return nil
	}
	return fmt.Errorf("unsupported action %q", action.Type)
}

// prepare scrolls the element into view, optionally focusing and clearing it,
// and returns its current info.
func (d *Driver) prepare(ctx context.Context, handle string, clear bool) (*core.ElementInfo, error) {
	script, err := prepareScript(handle, clear)
	if err != nil {
		return nil, err
	}
	var res scriptResult
	if err := d.eval(ctx, script, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("element %s: %s", handle, res.Error)
	}
	if res.Element == nil {
		return nil, fmt.Errorf("element %s: no bounds", handle)
	}
	return res.Element, nil
}

type pageState struct {
	Text       string `json:"text"`
	URL        string `json:"url"`
	Visible    *bool  `json:"visible"`
	NotVisible *bool  `json:"notVisible"`
}

// Observe reports whether cond holds now.
func (d *Driver) Observe(ctx context.Context, cond flow.Condition) (bool, error) {
	script, err := observeScript(cond)
	if err != nil {
		return false, err
	}
	var state pageState
	if err := d.eval(ctx, script, &state); err != nil {
		return false, err
	}
	return conditionHolds(cond, state)
}

// conditionHolds checks every set part of cond against a page snapshot.
// Text patterns match case-insensitively; URL patterns as written.
func conditionHolds(cond flow.Condition, state pageState) (bool, error) {
	if cond.Text != "" {
		re, err := regexp.Compile("(?i)" + cond.Text)
		if err != nil {
			return false, err
		}
		if !re.MatchString(state.Text) {
			return false, nil
		}
	}
	if cond.URL != "" {
		re, err := regexp.Compile(cond.URL)
		if err != nil {
			return false, err
		}
		if !re.MatchString(state.URL) {
			return false, nil
		}
	}
	if cond.Visible != nil && (state.Visible == nil || !*state.Visible) {
		return false, nil
	}
	if cond.NotVisible != nil && (state.NotVisible == nil || *state.NotVisible) {
		return false, nil
	}
	return true, nil
}

// CaptureDiagnostic snapshots screenshot, DOM, title, URL and console.
func (d *Driver) CaptureDiagnostic(ctx context.Context) (*core.Diagnostic, error) {
	diag := &core.Diagnostic{CapturedAt: d.clock.Now()}
	err := d.run(ctx,
		chromedp.Location(&diag.URL),
		chromedp.Title(&diag.Title),
		chromedp.OuterHTML("html", &diag.DOM, chromedp.ByQuery),
		chromedp.CaptureScreenshot(&diag.Screenshot),
	)
	diag.Console = d.consoleEntries()
	if err != nil {
		return diag, fmt.Errorf("capture diagnostic: %w", err)
	}
	return diag, nil
}

// Info returns browser platform info.
func (d *Driver) Info() *core.PlatformInfo {
	info := d.info
	return &info
}

// ============================================
// Console capture
// ============================================

func (d *Driver) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			parts = append(parts, remoteObjectText(arg))
		}
		d.addConsole(consoleLevel(string(e.Type)), "console", strings.Join(parts, " "))

	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails == nil {
			return
		}
		msg := e.ExceptionDetails.Text
		if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
			msg = e.ExceptionDetails.Exception.Description
		}
		d.addConsole("error", "exception", msg)

	case *cdplog.EventEntryAdded:
		if e.Entry == nil {
			return
		}
		d.addConsole(consoleLevel(string(e.Entry.Level)), string(e.Entry.Source), e.Entry.Text)
	}
}

func (d *Driver) addConsole(level, source, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.console = appendBounded(d.console, core.LogEntry{
		Timestamp: d.clock.Now(),
		Level:     level,
		Source:    source,
		Message:   msg,
	}, maxConsoleEntries)
}

func (d *Driver) consoleEntries() []core.LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.LogEntry(nil), d.console...)
}

func appendBounded(entries []core.LogEntry, e core.LogEntry, limit int) []core.LogEntry {
	entries = append(entries, e)
	if len(entries) > limit {
		entries = append([]core.LogEntry(nil), entries[len(entries)-limit:]...)
	}
	return entries
}

// consoleLevel maps console API and log domain levels to log entry levels.
func consoleLevel(kind string) string {
	switch kind {
	case "warning", "warn":
		return "warn"
	case "error", "assert":
		return "error"
	case "debug", "verbose", "trace":
		return "debug"
	}
	return "info"
}

func remoteObjectText(obj *runtime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		raw := string(obj.Value)
		if s, err := strconv.Unquote(raw); err == nil {
			return s
		}
		return raw
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}
