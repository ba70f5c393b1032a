// Package mock provides a scripted in-memory page implementing core.Target,
// for tests and dry runs without a browser.
package mock

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

// Clock is the time source effects are scheduled against.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Element is one element on the mock page.
type Element struct {
	ID         string
	Role       string
	Name       string // Accessible name
	TestID     string
	Tag        string   // Defaults from Role
	Classes    []string // Matched by ".class" css locators
	Attributes map[string]string
	Options    []string // Choices for combobox
	Value      string
	Hidden     bool
	Disabled   bool
}

// Handler reacts to an action performed on an element.
type Handler func(p *Page, el *Element, action flow.Action) error

type scheduled struct {
	at    time.Time
	seq   int
	apply func(p *Page)
}

// Page is a scripted, clock-driven page.
type Page struct {
	mu       sync.Mutex
	clock    Clock
	platform core.PlatformInfo

	url      string
	title    string
	elements []*Element
	texts    []string
	console  []core.LogEntry
	handlers map[string]Handler
	routes   map[string]func(p *Page)
	pending  []scheduled
	seq      int
	actions  []string
	fault    error

	permissive bool
	assumed    map[string]bool
}

// Option configures a Page.
type Option func(*Page)

// WithClock sets the page clock. Effects scheduled with After fire when the
// clock passes their due time.
func WithClock(c Clock) Option {
	return func(p *Page) { p.clock = c }
}

// WithTargetID sets the platform TargetID, e.g. a worker index.
func WithTargetID(id string) Option {
	return func(p *Page) { p.platform.TargetID = id }
}

// New creates an empty page.
func New(opts ...Option) *Page {
	p := &Page{
		clock:    realClock{},
		platform: core.PlatformInfo{Platform: "mock", Headless: true, ViewportWidth: 1280, ViewportHeight: 800},
		url:      "about:blank",
		handlers: make(map[string]Handler),
		routes:   make(map[string]func(p *Page)),
		assumed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DryRun returns a permissive page for f: every locator resolves and every
// post-condition written in the flow holds. Patterns the flow does not
// mention, such as error markers, never match.
func DryRun(f *flow.Flow, opts ...Option) *Page {
	p := New(opts...)
	p.permissive = true
	for _, s := range f.Steps {
		if s.PostCondition.Text != "" {
			p.assumed[s.PostCondition.Text] = true
		}
		if s.PostCondition.URL != "" {
			p.assumed[s.PostCondition.URL] = true
		}
	}
	return p
}

// ============================================
// Scripting
// ============================================

// AddElement adds an element. Later elements render after earlier ones.
func (p *Page) AddElement(el Element) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Insert(el)
}

// AddText adds static visible text.
func (p *Page) AddText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
}

// On registers a handler for actions on the element with the given ID.
func (p *Page) On(elementID string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[elementID] = h
}

// Route registers the page setup run when url is navigated to.
func (p *Page) Route(url string, setup func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = setup
}

// After schedules fn to run d after the current clock time. Safe to call
// from handlers.
func (p *Page) After(d time.Duration, fn func(p *Page)) {
	p.seq++
	p.pending = append(p.pending, scheduled{at: p.clock.Now().Add(d), seq: p.seq, apply: fn})
}

// Schedule is After for callers outside handlers.
func (p *Page) Schedule(d time.Duration, fn func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.After(d, fn)
}

// InjectFault makes every subsequent target call fail with err. Pass nil to clear.
func (p *Page) InjectFault(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = err
}

// Log appends a console entry.
func (p *Page) Log(level, message string) {
	p.console = append(p.console, core.LogEntry{
		Timestamp: p.clock.Now(),
		Level:     level,
		Source:    "console",
		Message:   message,
	})
}

// The mutators below are meant for handlers and effects, which run with the
// page lock held.

// Insert adds an element from a handler or effect.
func (p *Page) Insert(el Element) *Element {
	e := el
	if e.ID == "" {
		e.ID = fmt.Sprintf("el-%d", len(p.elements))
	}
	p.elements = append(p.elements, &e)
	return &e
}

// Element returns the element with id, or nil.
func (p *Page) Element(id string) *Element {
	for _, e := range p.elements {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Show makes an element visible.
func (p *Page) Show(id string) { p.with(id, func(e *Element) { e.Hidden = false }) }

// Hide makes an element invisible.
func (p *Page) Hide(id string) { p.with(id, func(e *Element) { e.Hidden = true }) }

// Enable enables an element.
func (p *Page) Enable(id string) { p.with(id, func(e *Element) { e.Disabled = false }) }

// Disable disables an element.
func (p *Page) Disable(id string) { p.with(id, func(e *Element) { e.Disabled = true }) }

// SetURL sets the current URL.
func (p *Page) SetURL(url string) { p.url = url }

// SetTitle sets the page title.
func (p *Page) SetTitle(title string) { p.title = title }

// ShowText adds visible static text.
func (p *Page) ShowText(text string) { p.texts = append(p.texts, text) }

// ClearText removes static text equal to text.
func (p *Page) ClearText(text string) {
	kept := p.texts[:0]
	for _, t := range p.texts {
		if t != text {
			kept = append(kept, t)
		}
	}
	p.texts = kept
}

func (p *Page) with(id string, fn func(e *Element)) {
	if e := p.Element(id); e != nil {
		fn(e)
	}
}

// Actions returns the performed actions in order, e.g. "click:next".
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// ============================================
// core.Target
// ============================================

// Navigate loads url, running its registered route setup.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fault != nil {
		return p.fault
	}
	p.url = url
	if setup, ok := p.routes[url]; ok {
		setup(p)
	}
	return nil
}

// Locate resolves loc to exactly one visible, enabled element.
func (p *Page) Locate(ctx context.Context, loc flow.Locator) (*core.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fault != nil {
		return nil, p.fault
	}
	p.applyDue()

	if p.permissive {
		return &core.Element{
			Handle: "dry-run",
			Info:   core.ElementInfo{Role: loc.Role, Name: loc.Text, TestID: loc.TestID, Visible: true, Enabled: true},
		}, nil
	}

	matches, err := p.match(loc)
	if err != nil {
		return nil, err
	}
	var visible, usable []*Element
	for _, e := range matches {
		if !e.Hidden {
			visible = append(visible, e)
			if !e.Disabled {
				usable = append(usable, e)
			}
		}
	}

	switch {
	case len(matches) == 0:
		return nil, &core.LocateMiss{Reason: core.MissAbsent}
	case len(visible) == 0:
		return nil, &core.LocateMiss{Reason: core.MissHidden, Matches: len(matches)}
	case len(usable) > 1:
		return nil, &core.LocateMiss{Reason: core.MissAmbiguous, Matches: len(usable)}
	case len(usable) == 0:
		return nil, &core.LocateMiss{Reason: core.MissDisabled, Matches: len(visible)}
	}

	e := usable[0]
	return &core.Element{Handle: e.ID, Info: e.info()}, nil
}

// Perform applies action to a located element and runs its handler.
func (p *Page) Perform(ctx context.Context, el *core.Element, action flow.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fault != nil {
		return p.fault
	}
	p.applyDue()

	p.actions = append(p.actions, string(action.Type)+":"+el.Handle)
	if p.permissive {
		return nil
	}

	e := p.Element(el.Handle)
	switch {
	case e == nil:
		return fmt.Errorf("element %s is detached", el.Handle)
	case e.Hidden:
		return fmt.Errorf("element %s is not visible", el.Handle)
	case e.Disabled:
		return fmt.Errorf("element %s is disabled", el.Handle)
	}

	switch action.Type {
	case flow.ActionFill:
		e.Value = action.Text
	case flow.ActionSelectOption:
		if !containsFold(e.Options, action.Option) {
			return fmt.Errorf("option %q not found in %v", action.Option, e.Options)
		}
		e.Value = action.Option
	}

	if h, ok := p.handlers[e.ID]; ok {
		return h(p, e, action)
	}
	return nil
}

// Observe reports whether cond holds now.
func (p *Page) Observe(ctx context.Context, cond flow.Condition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fault != nil {
		return false, p.fault
	}
	p.applyDue()

	if p.permissive {
		if cond.Text != "" && !p.assumed[cond.Text] {
			return false, nil
		}
		if cond.URL != "" && !p.assumed[cond.URL] {
			return false, nil
		}
		return true, nil
	}

	if cond.Text != "" {
		re, err := compileFold(cond.Text)
		if err != nil {
			return false, err
		}
		if !re.MatchString(p.visibleText()) {
			return false, nil
		}
	}
	if cond.URL != "" {
		re, err := regexp.Compile(cond.URL)
		if err != nil {
			return false, err
		}
		if !re.MatchString(p.url) {
			return false, nil
		}
	}
	if cond.Visible != nil {
		ok, err := p.anyVisible(*cond.Visible)
		if err != nil || !ok {
			return false, err
		}
	}
	if cond.NotVisible != nil {
		ok, err := p.anyVisible(*cond.NotVisible)
		if err != nil || ok {
			return false, err
		}
	}
	return true, nil
}

// CaptureDiagnostic renders the page state.
func (p *Page) CaptureDiagnostic(ctx context.Context) (*core.Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fault != nil {
		return nil, p.fault
	}
	p.applyDue()

	return &core.Diagnostic{
		URL:        p.url,
		Title:      p.title,
		Screenshot: placeholderPNG(),
		DOM:        p.renderHTML(),
		Console:    append([]core.LogEntry(nil), p.console...),
		CapturedAt: p.clock.Now(),
	}, nil
}

// Info returns the mock platform info.
func (p *Page) Info() *core.PlatformInfo {
	info := p.platform
	return &info
}

// ============================================
// Internals (page lock held)
// ============================================

// applyDue runs every scheduled effect whose time has come, in due order.
func (p *Page) applyDue() {
	for {
		now := p.clock.Now()
		sort.SliceStable(p.pending, func(i, j int) bool {
			if p.pending[i].at.Equal(p.pending[j].at) {
				return p.pending[i].seq < p.pending[j].seq
			}
			return p.pending[i].at.Before(p.pending[j].at)
		})
		if len(p.pending) == 0 || p.pending[0].at.After(now) {
			return
		}
		next := p.pending[0]
		p.pending = p.pending[1:]
		next.apply(p)
	}
}

func (p *Page) match(loc flow.Locator) ([]*Element, error) {
	var re *regexp.Regexp
	if loc.Text != "" {
		var err error
		if re, err = compileFold(loc.Text); err != nil {
			return nil, err
		}
	}

	var out []*Element
	for _, e := range p.elements {
		if loc.Role != "" && !strings.EqualFold(loc.Role, e.Role) {
			continue
		}
		if loc.TestID != "" && loc.TestID != e.TestID {
			continue
		}
		if re != nil && !re.MatchString(e.Name) {
			continue
		}
		if loc.CSS != "" && !e.matchesCSS(loc.CSS) {
			continue
		}
		if !e.hasAttributes(loc.Attributes) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Page) anyVisible(loc flow.Locator) (bool, error) {
	matches, err := p.match(loc)
	if err != nil {
		return false, err
	}
	for _, e := range matches {
		if !e.Hidden {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) visibleText() string {
	var parts []string
	parts = append(parts, p.texts...)
	for _, e := range p.elements {
		if !e.Hidden && e.Name != "" {
			parts = append(parts, e.Name)
		}
	}
	return strings.Join(parts, "\n")
}

func (p *Page) renderHTML() string {
	var b strings.Builder
	b.WriteString("<html><head><title>")
	b.WriteString(html.EscapeString(p.title))
	b.WriteString("</title></head><body>\n")
	for _, t := range p.texts {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(t))
	}
	for _, e := range p.elements {
		b.WriteString(e.render())
		b.WriteString("\n")
	}
	b.WriteString("</body></html>")
	return b.String()
}

func (e *Element) info() core.ElementInfo {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return core.ElementInfo{
		Tag:        e.tag(),
		Role:       e.Role,
		Name:       e.Name,
		Text:       e.Value,
		TestID:     e.TestID,
		Visible:    !e.Hidden,
		Enabled:    !e.Disabled,
		Attributes: attrs,
	}
}

func (e *Element) tag() string {
	if e.Tag != "" {
		return e.Tag
	}
	switch e.Role {
	case "button":
		return "button"
	case "textbox":
		return "input"
	case "combobox":
		return "select"
	case "link":
		return "a"
	case "heading":
		return "h2"
	default:
		return "div"
	}
}

func (e *Element) matchesCSS(sel string) bool {
	sel = strings.TrimSpace(sel)
	switch {
	case strings.HasPrefix(sel, "#"):
		return e.ID == sel[1:]
	case strings.HasPrefix(sel, "."):
		return containsFold(e.Classes, sel[1:])
	default:
		return strings.EqualFold(sel, e.tag())
	}
}

func (e *Element) hasAttributes(want map[string]string) bool {
	for k, v := range want {
		if e.Attributes[k] != v {
			return false
		}
	}
	return true
}

func (e *Element) render() string {
	tag := e.tag()
	var attrs []string
	attrs = append(attrs, fmt.Sprintf(`id="%s"`, html.EscapeString(e.ID)))
	if e.Role != "" {
		attrs = append(attrs, fmt.Sprintf(`role="%s"`, html.EscapeString(e.Role)))
	}
	if e.TestID != "" {
		attrs = append(attrs, fmt.Sprintf(`data-testid="%s"`, html.EscapeString(e.TestID)))
	}
	if len(e.Classes) > 0 {
		attrs = append(attrs, fmt.Sprintf(`class="%s"`, html.EscapeString(strings.Join(e.Classes, " "))))
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf(`%s="%s"`, html.EscapeString(k), html.EscapeString(e.Attributes[k])))
	}
	if e.Hidden {
		attrs = append(attrs, "hidden")
	}
	if e.Disabled {
		attrs = append(attrs, "disabled")
	}

	open := "<" + tag + " " + strings.Join(attrs, " ")
	name := html.EscapeString(e.Name)
	switch tag {
	case "input":
		return fmt.Sprintf(`%s aria-label="%s" value="%s">`, open, name, html.EscapeString(e.Value))
	case "select":
		var opts strings.Builder
		for _, o := range e.Options {
			fmt.Fprintf(&opts, "<option>%s</option>", html.EscapeString(o))
		}
		return fmt.Sprintf(`%s aria-label="%s">%s</select>`, open, name, opts.String())
	default:
		return fmt.Sprintf("%s>%s</%s>", open, name, tag)
	}
}

func compileFold(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// placeholderPNG is a 1x1 transparent PNG.
func placeholderPNG() []byte {
	return []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
		0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
		0x42, 0x60, 0x82,
	}
}
