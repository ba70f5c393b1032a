package flow

import (
	"strings"
	"testing"
)

func validStep(id string) Step {
	return Step{
		ID:       id,
		Locators: []Locator{{Text: "Next"}},
		Action:   Action{Type: ActionClick},
	}
}

func TestFlowValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *Flow)
		wantErr string
	}{
		{"valid", func(f *Flow) {}, ""},
		{"no locators", func(f *Flow) { f.Steps[0].Locators = nil }, "Locators: at least 1 required"},
		{"empty locator", func(f *Flow) { f.Steps[0].Locators = []Locator{{}} }, "Steps[0].Locators[0]: empty locator"},
		{"empty fallback locator", func(f *Flow) { f.Steps[1].Locators = append(f.Steps[1].Locators, Locator{}) }, "Steps[1].Locators[1]: empty locator"},
		{"empty visible locator", func(f *Flow) { f.Steps[0].PostCondition.Visible = &Locator{} }, "PostCondition.Visible: empty locator"},
		{"empty notVisible locator", func(f *Flow) { f.Steps[0].PostCondition.NotVisible = &Locator{} }, "PostCondition.NotVisible: empty locator"},
		{"zero retries allowed", func(f *Flow) { f.Steps[0].Retries = RetryCount(0); f.Config.Retries = RetryCount(0) }, ""},
		{"fill without text", func(f *Flow) { f.Steps[0].Action = Action{Type: ActionFill} }, "Text: required"},
		{"select without option", func(f *Flow) { f.Steps[0].Action = Action{Type: ActionSelectOption} }, "Option: required"},
		{"unknown action", func(f *Flow) { f.Steps[0].Action.Type = "hover" }, "must be one of"},
		{"bad locator pattern", func(f *Flow) { f.Steps[0].Locators[0].Text = "(unclosed" }, "invalid pattern"},
		{"variable pattern skipped", func(f *Flow) { f.Steps[0].Locators[0].Text = "${NAME}(" }, ""},
		{"bad condition pattern", func(f *Flow) { f.Steps[0].PostCondition.URL = "[" }, "invalid pattern"},
		{"bad visible pattern", func(f *Flow) { f.Steps[0].PostCondition.Visible = &Locator{Text: "*"} }, "invalid pattern"},
		{"negative timeout", func(f *Flow) { f.Steps[0].TimeoutMs = -1 }, "TimeoutMs"},
		{"too many retries", func(f *Flow) { f.Steps[0].Retries = RetryCount(11) }, "Retries"},
		{"duplicate ids", func(f *Flow) { f.Steps[1].ID = "a" }, `duplicate step id "a"`},
		{"empty error marker", func(f *Flow) { f.Config.ErrorMarkers = []string{""} }, "ErrorMarkers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flow{SourcePath: "w.yaml", Steps: []Step{validStep("a"), validStep("b")}}
			tt.mutate(f)

			err := f.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
			if !strings.HasPrefix(err.Error(), "w.yaml: ") {
				t.Errorf("Validate() error = %q, want source path prefix", err.Error())
			}
		})
	}
}

func TestValidateSteps(t *testing.T) {
	if err := ValidateSteps(nil); err == nil {
		t.Error("ValidateSteps(nil) should fail")
	}

	if err := ValidateSteps([]Step{validStep("a")}); err != nil {
		t.Errorf("ValidateSteps() error = %v", err)
	}

	bad := validStep("")
	bad.Locators = nil
	err := ValidateSteps([]Step{validStep("a"), bad})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Steps[1].ID: required") {
		t.Errorf("error = %q, want Steps[1].ID", err.Error())
	}
	if !strings.Contains(err.Error(), "Steps[1].Locators") {
		t.Errorf("error = %q, want Steps[1].Locators", err.Error())
	}

	empty := validStep("c")
	empty.Locators = []Locator{{}}
	err = ValidateSteps([]Step{empty})
	if err == nil || !strings.Contains(err.Error(), "Steps[0].Locators[0]: empty locator") {
		t.Errorf("ValidateSteps(empty locator) error = %v", err)
	}
}
