package flow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Patterns containing ${...} are expanded at run time and checked then.
		_ = validate.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
			pattern := fl.Field().String()
			if strings.Contains(pattern, "${") {
				return true
			}
			_, err := regexp.Compile(pattern)
			return err == nil
		})
		// A locator with no criteria would match any element.
		validate.RegisterStructValidation(func(sl validator.StructLevel) {
			if loc, ok := sl.Current().Interface().(Locator); ok && loc.IsEmpty() {
				sl.ReportError(loc, "", "", "descriptor", "")
			}
		}, Locator{})
	})
	return validate
}

// Validate checks the parsed flow for structural problems: missing
// locators, missing fill text or option, invalid patterns, duplicate IDs.
func (f *Flow) Validate() error {
	var problems []string
	if err := structValidator().Struct(f); err != nil {
		problems = append(problems, describeValidation(err)...)
	}
	if err := checkDuplicateIDs(f.Steps); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return nil
	}
	return &ParseError{
		Path:    f.SourcePath,
		Message: strings.Join(problems, "; "),
	}
}

// ValidateSteps checks a step list handed to the sequencer directly.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errors.New("no steps")
	}
	var problems []string
	for i := range steps {
		if err := structValidator().Struct(&steps[i]); err != nil {
			for _, p := range describeValidation(err) {
				problems = append(problems, fmt.Sprintf("Steps[%d].%s", i, p))
			}
		}
	}
	if err := checkDuplicateIDs(steps); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func checkDuplicateIDs(steps []Step) error {
	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			continue
		}
		if prev, ok := seen[s.ID]; ok {
			return fmt.Errorf("duplicate step id %q (steps %d and %d)", s.ID, prev, i)
		}
		seen[s.ID] = i
	}
	return nil
}

func describeValidation(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Flow.")
		field = strings.TrimPrefix(field, "Step.")
		field = strings.TrimSuffix(field, ".")
		switch fe.Tag() {
		case "min":
			out = append(out, fmt.Sprintf("%s: at least %s required", field, fe.Param()))
		case "required", "required_if":
			out = append(out, fmt.Sprintf("%s: required", field))
		case "oneof":
			out = append(out, fmt.Sprintf("%s: must be one of %s", field, fe.Param()))
		case "descriptor":
			out = append(out, fmt.Sprintf("%s: empty locator, set role, text, testId, css or attributes", field))
		case "regexp":
			out = append(out, fmt.Sprintf("%s: invalid pattern %q", field, fe.Value()))
		default:
			out = append(out, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return out
}
