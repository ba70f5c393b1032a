// Package jsengine evaluates the ${...} expressions embedded in wizard flows.
package jsengine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/devicelab-dev/wizard-runner/pkg/logger"
)

// DefaultEvalTimeout bounds a single expression evaluation.
const DefaultEvalTimeout = 2 * time.Second

// Info is exposed to expressions as the read-only `wizard` object.
type Info struct {
	Platform string
	Flow     string
	RunID    string
}

// Engine wraps a goja runtime with the flow builtins.
type Engine struct {
	runtime   *goja.Runtime
	variables map[string]interface{}
	info      Info
	timeout   time.Duration
	closed    bool
	mu        sync.Mutex
}

// New creates a new JS engine instance
func New() *Engine {
	e := &Engine{
		runtime:   goja.New(),
		variables: make(map[string]interface{}),
		timeout:   DefaultEvalTimeout,
	}

	e.setupBuiltins()
	return e
}

func (e *Engine) setupBuiltins() {
	e.setupConsole()
	e.runtime.Set("json", e.jsonFunc())
	e.runtime.Set("wizard", e.wizardObject())
}

// setupConsole routes console.log and friends to the run log.
func (e *Engine) setupConsole() {
	makeConsoleFunc := func(log func(string, ...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = fmt.Sprint(arg.Export())
			}
			log("js: %s", strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	console := e.runtime.NewObject()
	console.Set("log", makeConsoleFunc(logger.Info))
	console.Set("error", makeConsoleFunc(logger.Error))
	console.Set("warn", makeConsoleFunc(logger.Warn))
	e.runtime.Set("console", console)
}

// jsonFunc returns the json() helper function
func (e *Engine) jsonFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(e.runtime.NewTypeError("json requires 1 argument"))
		}

		str := call.Arguments[0].String()
		result, err := e.runtime.RunString(fmt.Sprintf("JSON.parse(%q)", str))
		if err != nil {
			panic(e.runtime.NewTypeError(fmt.Sprintf("invalid JSON: %v", err)))
		}
		return result
	}
}

// wizardObject returns the wizard global object
func (e *Engine) wizardObject() *goja.Object {
	obj := e.runtime.NewObject()

	obj.DefineAccessorProperty("platform", e.runtime.ToValue(func() string {
		return e.info.Platform
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("flow", e.runtime.ToValue(func() string {
		return e.info.Flow
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("runId", e.runtime.ToValue(func() string {
		return e.info.RunID
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	// wizard.uuid() - fresh random ID, e.g. for unique project names
	obj.Set("uuid", func(goja.FunctionCall) goja.Value {
		return e.runtime.ToValue(uuid.NewString())
	})

	// wizard.quote(s) - s escaped for use inside a text pattern
	obj.Set("quote", func(call goja.FunctionCall) goja.Value {
		return e.runtime.ToValue(regexp.QuoteMeta(call.Argument(0).String()))
	})

	// wizard.timestamp() - unix milliseconds
	obj.Set("timestamp", func(goja.FunctionCall) goja.Value {
		return e.runtime.ToValue(time.Now().UnixMilli())
	})

	return obj
}

// SetInfo sets the values behind the wizard object.
func (e *Engine) SetInfo(info Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.info = info
}

// SetTimeout sets the per-evaluation timeout. Zero disables it.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

// SetVariable sets a variable accessible in JS as a global
func (e *Engine) SetVariable(name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.variables[name] = value
	e.runtime.Set(name, value)
}

// SetVariables sets multiple variables
func (e *Engine) SetVariables(vars map[string]interface{}) {
	for k, v := range vars {
		e.SetVariable(k, v)
	}
}

// Eval evaluates a JavaScript expression and returns the result
func (e *Engine) Eval(script string) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("JS engine is closed")
	}

	if e.timeout > 0 {
		timer := time.AfterFunc(e.timeout, func() {
			e.runtime.Interrupt(fmt.Sprintf("evaluation exceeded %v", e.timeout))
		})
		defer func() {
			timer.Stop()
			e.runtime.ClearInterrupt()
		}()
	}

	result, err := e.runtime.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("JS eval error: %w", err)
	}

	return result.Export(), nil
}

// EvalString evaluates a JavaScript expression and returns string result
func (e *Engine) EvalString(script string) (string, error) {
	result, err := e.Eval(script)
	if err != nil {
		return "", err
	}

	if result == nil {
		return "", nil
	}

	return fmt.Sprintf("%v", result), nil
}

// DefineUndefinedIfMissing defines a variable as undefined if it's not already defined.
// This prevents ReferenceError when expressions reference variables that may not exist.
func (e *Engine) DefineUndefinedIfMissing(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	val := e.runtime.Get(name)
	if val == nil || goja.IsUndefined(val) {
		if _, exists := e.variables[name]; !exists {
			e.runtime.Set(name, goja.Undefined())
		}
	}
}

// ExpandVariables expands ${...} expressions in text. An expression that
// fails to evaluate is left in place and reported in the returned error;
// the rest of the text is still expanded.
func (e *Engine) ExpandVariables(text string) (string, error) {
	result := text
	start := 0
	var failed []string

	for {
		idx := strings.Index(result[start:], "${")
		if idx == -1 {
			break
		}
		idx += start

		// Find matching }
		depth := 1
		end := idx + 2
		for end < len(result) && depth > 0 {
			if result[end] == '{' {
				depth++
			} else if result[end] == '}' {
				depth--
			}
			end++
		}

		if depth != 0 {
			start = idx + 2
			continue
		}

		expr := result[idx+2 : end-1]
		value, err := e.EvalString(expr)
		if err != nil {
			logger.Debug("expression %q not expanded: %v", expr, err)
			failed = append(failed, expr)
			start = end
			continue
		}

		result = result[:idx] + value + result[end:]
		start = idx + len(value)
	}

	if len(failed) > 0 {
		return result, fmt.Errorf("could not evaluate %s", strings.Join(quoteAll(failed), ", "))
	}
	return result, nil
}

func quoteAll(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

// Close interrupts any running evaluation and rejects further ones.
// Safe to call multiple times.
func (e *Engine) Close() {
	e.runtime.Interrupt("engine closed")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}
