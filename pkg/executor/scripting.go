package executor

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
	"github.com/devicelab-dev/wizard-runner/pkg/jsengine"
)

// envVarPattern matches ALL_CAPS identifiers that look like env variables
var envVarPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9_]{2,})\b`)

// ScriptEngine expands ${expr} and $VAR references in flow values.
type ScriptEngine struct {
	js        *jsengine.Engine
	variables map[string]string
}

// NewScriptEngine creates a new script engine.
func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{
		js:        jsengine.New(),
		variables: make(map[string]string),
	}
}

// Close cleans up the script engine.
func (se *ScriptEngine) Close() {
	if se.js != nil {
		se.js.Close()
	}
}

// SetInfo exposes run details to expressions as the wizard object.
func (se *ScriptEngine) SetInfo(info jsengine.Info) {
	se.js.SetInfo(info)
}

// SetVariable sets a variable in both Go map and JS engine.
func (se *ScriptEngine) SetVariable(name, value string) {
	se.variables[name] = value
	se.js.SetVariable(name, value)
}

// SetVariables sets multiple variables. Values may reference variables set
// earlier, and are applied in name order so the result is reproducible.
func (se *ScriptEngine) SetVariables(vars map[string]string) error {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)

	var errs []string
	for _, k := range names {
		v, err := se.ExpandVariables(vars[k])
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", k, err))
		}
		se.SetVariable(k, v)
	}
	if len(errs) > 0 {
		return fmt.Errorf("env: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ImportSystemEnv imports system environment variables into the script engine.
// Only imports variables matching the pattern (uppercase with underscores).
func (se *ScriptEngine) ImportSystemEnv() {
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && envVarPattern.MatchString(parts[0]) {
			se.SetVariable(parts[0], parts[1])
		}
	}
}

// GetVariable returns a variable value.
func (se *ScriptEngine) GetVariable(name string) string {
	return se.variables[name]
}

// ExpandVariables expands ${expr} and $VAR syntax in text. Text that fails
// to evaluate is left unexpanded and reported in the error.
func (se *ScriptEngine) ExpandVariables(text string) (string, error) {
	if !strings.Contains(text, "$") {
		return text, nil
	}

	// Pre-define potential env variables as undefined to avoid ReferenceError
	for _, name := range envVarPattern.FindAllString(text, -1) {
		se.js.DefineUndefinedIfMissing(name)
	}

	// First pass: JS engine for ${expression} syntax
	result, err := se.js.ExpandVariables(text)

	// Second pass: $VAR syntax (without braces)
	return se.expandDollarVars(result), err
}

// expandDollarVars expands $VAR syntax using stored variables, longest
// names first to avoid partial matches.
func (se *ScriptEngine) expandDollarVars(text string) string {
	if !strings.Contains(text, "$") {
		return text
	}
	names := make([]string, 0, len(se.variables))
	for name := range se.variables {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		text = expandDollarVar(text, name, se.variables[name])
	}
	return text
}

// expandDollarVar replaces $VAR with value, checking word boundaries.
// A `${` is left for the JS pass.
func expandDollarVar(text, name, value string) string {
	pattern := "$" + name
	idx := 0
	for {
		pos := strings.Index(text[idx:], pattern)
		if pos == -1 {
			break
		}
		pos += idx

		// Check if followed by alphanumeric (would be different variable)
		endPos := pos + len(pattern)
		if endPos < len(text) {
			next := text[endPos]
			if (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') ||
				(next >= '0' && next <= '9') || next == '_' {
				idx = endPos
				continue
			}
		}

		text = text[:pos] + value + text[endPos:]
		idx = pos + len(value)
	}
	return text
}

// ExpandStep returns a copy of step with variables expanded in every string
// field. The input step is not modified.
func (se *ScriptEngine) ExpandStep(step flow.Step) (flow.Step, error) {
	out := step.Clone()
	x := expander{se: se}

	out.Label = x.str(out.Label)
	for i := range out.Locators {
		x.locator(&out.Locators[i])
	}
	out.Action.Text = x.str(out.Action.Text)
	out.Action.Option = x.str(out.Action.Option)
	out.PostCondition.Text = x.str(out.PostCondition.Text)
	out.PostCondition.URL = x.str(out.PostCondition.URL)
	if out.PostCondition.Visible != nil {
		x.locator(out.PostCondition.Visible)
	}
	if out.PostCondition.NotVisible != nil {
		x.locator(out.PostCondition.NotVisible)
	}

	if len(x.errs) > 0 {
		return out, fmt.Errorf("step %s: %s", step.ID, strings.Join(x.errs, "; "))
	}
	return out, nil
}

// ExpandSteps expands every step, collecting all errors.
func (se *ScriptEngine) ExpandSteps(steps []flow.Step) ([]flow.Step, error) {
	out := make([]flow.Step, len(steps))
	var errs []string
	for i, s := range steps {
		expanded, err := se.ExpandStep(s)
		if err != nil {
			errs = append(errs, err.Error())
		}
		out[i] = expanded
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("%s", strings.Join(errs, "\n"))
	}
	return out, nil
}

type expander struct {
	se   *ScriptEngine
	errs []string
}

func (x *expander) str(s string) string {
	out, err := x.se.ExpandVariables(s)
	if err != nil {
		x.errs = append(x.errs, err.Error())
	}
	return out
}

func (x *expander) locator(l *flow.Locator) {
	l.Role = x.str(l.Role)
	l.Text = x.str(l.Text)
	l.CSS = x.str(l.CSS)
	l.TestID = x.str(l.TestID)
	for k, v := range l.Attributes {
		l.Attributes[k] = x.str(v)
	}
}
