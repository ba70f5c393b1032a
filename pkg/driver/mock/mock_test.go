package mock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func missReason(t *testing.T, err error) core.MissReason {
	t.Helper()
	var miss *core.LocateMiss
	if !errors.As(err, &miss) {
		t.Fatalf("error = %v, want *core.LocateMiss", err)
	}
	return miss.Reason
}

func TestLocate_Reasons(t *testing.T) {
	p := New()
	p.AddElement(Element{ID: "a", Role: "button", Name: "Next"})
	p.AddElement(Element{ID: "b", Role: "button", Name: "Back", Hidden: true})
	p.AddElement(Element{ID: "c", Role: "button", Name: "Save", Disabled: true})
	p.AddElement(Element{ID: "d", Role: "link", Name: "Help"})
	p.AddElement(Element{ID: "e", Role: "link", Name: "Help center"})
	ctx := context.Background()

	el, err := p.Locate(ctx, flow.Locator{Role: "button", Text: "^next$"})
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if el.Handle != "a" || el.Info.Name != "Next" || !el.Info.Enabled {
		t.Errorf("Locate() = %+v", el)
	}

	tests := []struct {
		loc  flow.Locator
		want core.MissReason
	}{
		{flow.Locator{Text: "Finish"}, core.MissAbsent},
		{flow.Locator{Text: "Back"}, core.MissHidden},
		{flow.Locator{Text: "Save"}, core.MissDisabled},
		{flow.Locator{Role: "link", Text: "Help"}, core.MissAmbiguous},
	}
	for _, tt := range tests {
		_, err := p.Locate(ctx, tt.loc)
		if got := missReason(t, err); got != tt.want {
			t.Errorf("Locate(%s) reason = %s, want %s", tt.loc.Describe(), got, tt.want)
		}
	}
}

func TestLocate_Matchers(t *testing.T) {
	p := New()
	p.AddElement(Element{ID: "go", Role: "button", Name: "Go", TestID: "submit", Classes: []string{"primary"}, Attributes: map[string]string{"type": "submit"}})
	p.AddElement(Element{ID: "stop", Role: "button", Name: "Stop", Classes: []string{"danger"}})
	ctx := context.Background()

	locs := []flow.Locator{
		{TestID: "submit"},
		{CSS: ".primary"},
		{CSS: "#go"},
		{Attributes: map[string]string{"type": "submit"}},
		{Role: "BUTTON", Text: "go"},
	}
	for _, loc := range locs {
		el, err := p.Locate(ctx, loc)
		if err != nil {
			t.Errorf("Locate(%s) error = %v", loc.Describe(), err)
			continue
		}
		if el.Handle != "go" {
			t.Errorf("Locate(%s) = %s, want go", loc.Describe(), el.Handle)
		}
	}

	if _, err := p.Locate(ctx, flow.Locator{Text: "("}); err == nil {
		t.Error("Locate() with bad pattern should fail")
	}
}

func TestPerform(t *testing.T) {
	p := New()
	p.AddElement(Element{ID: "name", Role: "textbox", Name: "Project name"})
	p.AddElement(Element{ID: "size", Role: "combobox", Name: "Size", Options: []string{"Small", "Large"}})
	ctx := context.Background()

	name, _ := p.Locate(ctx, flow.Locator{Role: "textbox"})
	if err := p.Perform(ctx, name, flow.Action{Type: flow.ActionFill, Text: "demo"}); err != nil {
		t.Fatalf("fill error = %v", err)
	}
	if got := p.Element("name").Value; got != "demo" {
		t.Errorf("Value = %q, want demo", got)
	}

	size, _ := p.Locate(ctx, flow.Locator{Role: "combobox"})
	if err := p.Perform(ctx, size, flow.Action{Type: flow.ActionSelectOption, Option: "large"}); err != nil {
		t.Fatalf("selectOption error = %v", err)
	}
	if err := p.Perform(ctx, size, flow.Action{Type: flow.ActionSelectOption, Option: "Huge"}); err == nil {
		t.Error("selectOption with unknown option should fail")
	}

	want := []string{"fill:name", "selectOption:size", "selectOption:size"}
	if got := p.Actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Actions() = %v, want %v", got, want)
	}
}

func TestPerform_DisabledAfterLocate(t *testing.T) {
	p := New()
	p.AddElement(Element{ID: "next", Role: "button", Name: "Next"})
	ctx := context.Background()

	el, err := p.Locate(ctx, flow.Locator{Text: "Next"})
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	p.mu.Lock()
	p.Disable("next")
	p.mu.Unlock()

	if err := p.Perform(ctx, el, flow.Action{Type: flow.ActionClick}); err == nil {
		t.Error("Perform() on disabled element should fail")
	}
}

func TestObserve(t *testing.T) {
	p := New()
	p.SetURL("https://app.test/setup/2")
	p.AddText("Choose a tier")
	p.AddElement(Element{ID: "next", Role: "button", Name: "Next"})
	p.AddElement(Element{ID: "spinner", Role: "progressbar", Hidden: true})
	ctx := context.Background()

	tests := []struct {
		name string
		cond flow.Condition
		want bool
	}{
		{"text", flow.Condition{Text: "choose a TIER"}, true},
		{"element name is text", flow.Condition{Text: "Next"}, true},
		{"missing text", flow.Condition{Text: "Review"}, false},
		{"url", flow.Condition{URL: `/setup/\d$`}, true},
		{"url miss", flow.Condition{URL: "/done"}, false},
		{"visible", flow.Condition{Visible: &flow.Locator{Role: "button"}}, true},
		{"notVisible hidden", flow.Condition{NotVisible: &flow.Locator{Role: "progressbar"}}, true},
		{"notVisible shown", flow.Condition{NotVisible: &flow.Locator{Role: "button"}}, false},
		{"all", flow.Condition{Text: "tier", URL: "setup", Visible: &flow.Locator{Text: "Next"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Observe(ctx, tt.cond)
			if err != nil {
				t.Fatalf("Observe() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Observe(%s) = %v, want %v", tt.cond.Describe(), got, tt.want)
			}
		})
	}
}

func TestAfter_FiresOnClock(t *testing.T) {
	clock := NewStepClock(t0)
	p := New(WithClock(clock))
	p.AddElement(Element{ID: "next", Role: "button", Name: "Next", Disabled: true})
	p.Schedule(500*time.Millisecond, func(p *Page) { p.Enable("next") })
	ctx := context.Background()

	clock.Advance(499 * time.Millisecond)
	if _, err := p.Locate(ctx, flow.Locator{Text: "Next"}); missReason(t, err) != core.MissDisabled {
		t.Errorf("Locate() at 499ms should be disabled")
	}
	clock.Advance(time.Millisecond)
	if _, err := p.Locate(ctx, flow.Locator{Text: "Next"}); err != nil {
		t.Errorf("Locate() at 500ms error = %v", err)
	}
}

func TestInjectFault(t *testing.T) {
	p := New()
	boom := errors.New("target crashed")
	p.InjectFault(boom)
	ctx := context.Background()

	if _, err := p.Locate(ctx, flow.Locator{Text: "x"}); !errors.Is(err, boom) {
		t.Errorf("Locate() error = %v, want fault", err)
	}
	if _, err := p.Observe(ctx, flow.Condition{Text: "x"}); !errors.Is(err, boom) {
		t.Errorf("Observe() error = %v, want fault", err)
	}
	p.InjectFault(nil)
	if _, err := p.Observe(ctx, flow.Condition{Text: "x"}); err != nil {
		t.Errorf("Observe() after clear error = %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Locate(ctx, flow.Locator{Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Locate() error = %v, want context.Canceled", err)
	}
	if err := p.Navigate(ctx, "https://app.test"); !errors.Is(err, context.Canceled) {
		t.Errorf("Navigate() error = %v, want context.Canceled", err)
	}
}

func TestCaptureDiagnostic(t *testing.T) {
	clock := NewStepClock(t0)
	p := New(WithClock(clock))
	p.SetTitle("Setup")
	p.SetURL("https://app.test/setup")
	p.AddText("Choose a region")
	p.AddElement(Element{ID: "region", Role: "combobox", Name: "Region", TestID: "region-select", Options: []string{"US", "EUA"}})
	p.AddElement(Element{ID: "next", Role: "button", Name: "Next", Disabled: true})
	p.Log("error", "boom")

	diag, err := p.CaptureDiagnostic(context.Background())
	if err != nil {
		t.Fatalf("CaptureDiagnostic() error = %v", err)
	}
	if diag.URL != "https://app.test/setup" || diag.Title != "Setup" {
		t.Errorf("diag = %+v", diag)
	}
	if !diag.CapturedAt.Equal(t0) {
		t.Errorf("CapturedAt = %v, want %v", diag.CapturedAt, t0)
	}
	if len(diag.Screenshot) == 0 {
		t.Error("Screenshot is empty")
	}
	for _, want := range []string{"<title>Setup</title>", `data-testid="region-select"`, "<option>EUA</option>", "disabled", "<p>Choose a region</p>"} {
		if !strings.Contains(diag.DOM, want) {
			t.Errorf("DOM missing %q:\n%s", want, diag.DOM)
		}
	}
	if len(diag.ConsoleErrors()) != 1 {
		t.Errorf("ConsoleErrors() = %v, want 1 entry", diag.ConsoleErrors())
	}
}

func TestNavigate_Route(t *testing.T) {
	p := New()
	p.Route("https://app.test/", func(p *Page) {
		p.SetTitle("Home")
		p.Insert(Element{ID: "start", Role: "button", Name: "Start"})
	})

	if err := p.Navigate(context.Background(), "https://app.test/"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if _, err := p.Locate(context.Background(), flow.Locator{Text: "Start"}); err != nil {
		t.Errorf("Locate() after navigate error = %v", err)
	}
}

func TestDryRun(t *testing.T) {
	f := &flow.Flow{Steps: []flow.Step{
		{ID: "a", Locators: []flow.Locator{{Text: "Next"}}, Action: flow.Action{Type: flow.ActionClick}, PostCondition: flow.Condition{Text: "Page 2"}},
		{ID: "b", Locators: []flow.Locator{{Text: "Done"}}, Action: flow.Action{Type: flow.ActionClick}, PostCondition: flow.Condition{URL: "/done$"}},
	}}
	p := DryRun(f)
	ctx := context.Background()

	if _, err := p.Locate(ctx, flow.Locator{Text: "anything"}); err != nil {
		t.Errorf("Locate() error = %v", err)
	}
	for _, cond := range []flow.Condition{{Text: "Page 2"}, {URL: "/done$"}, {Visible: &flow.Locator{Text: "x"}}} {
		if ok, _ := p.Observe(ctx, cond); !ok {
			t.Errorf("Observe(%s) = false, want true", cond.Describe())
		}
	}
	if ok, _ := p.Observe(ctx, flow.Condition{Text: "(?i)error"}); ok {
		t.Error("Observe() of unmentioned pattern should be false")
	}
}

func TestStepClock(t *testing.T) {
	c := NewStepClock(t0)
	fired := <-c.After(250 * time.Millisecond)
	if want := t0.Add(250 * time.Millisecond); !fired.Equal(want) || !c.Now().Equal(want) {
		t.Errorf("After() fired %v, now %v, want %v", fired, c.Now(), want)
	}
}

func TestNewWizard_Walkthrough(t *testing.T) {
	clock := NewStepClock(t0)
	p := NewWizard(WizardOptions{Delay: 200 * time.Millisecond}, WithClock(clock))
	ctx := context.Background()

	region, err := p.Locate(ctx, flow.Locator{TestID: "region-select"})
	if err != nil {
		t.Fatalf("Locate(region) error = %v", err)
	}
	if _, err := p.Locate(ctx, flow.Locator{Role: "button", Text: "Next"}); missReason(t, err) != core.MissDisabled {
		t.Error("Next should start disabled")
	}
	if err := p.Perform(ctx, region, flow.Action{Type: flow.ActionSelectOption, Option: "EUA"}); err != nil {
		t.Fatalf("select region error = %v", err)
	}
	clock.Advance(200 * time.Millisecond)
	if ok, _ := p.Observe(ctx, flow.Condition{Text: "Region: EUA"}); !ok {
		t.Error("region summary not shown")
	}
	next, err := p.Locate(ctx, flow.Locator{Role: "button", Text: "Next"})
	if err != nil {
		t.Fatalf("Locate(next) error = %v", err)
	}
	if err := p.Perform(ctx, next, flow.Action{Type: flow.ActionClick}); err != nil {
		t.Fatalf("click next error = %v", err)
	}
	clock.Advance(200 * time.Millisecond)
	if ok, _ := p.Observe(ctx, flow.Condition{Text: "Choose a tier", Visible: &flow.Locator{TestID: "tier-select"}}); !ok {
		t.Error("tier page not shown")
	}
}
