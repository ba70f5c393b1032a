package flow

import (
	"fmt"
	"sort"
	"strings"
)

// ActionType represents the interaction a step performs.
type ActionType string

// Action type constants.
const (
	ActionClick        ActionType = "click"
	ActionFill         ActionType = "fill"
	ActionSelectOption ActionType = "selectOption"
	ActionWaitFor      ActionType = "waitFor"
)

// DefaultStepTimeoutMs is used when neither the step nor the flow sets a timeout.
const DefaultStepTimeoutMs = 10000

// IsActionType reports whether key names a supported action.
func IsActionType(key string) bool {
	switch ActionType(key) {
	case ActionClick, ActionFill, ActionSelectOption, ActionWaitFor:
		return true
	}
	return false
}

// Locator describes one way of finding an element. Every field that is set
// must match. Pure data structure - the target decides how to resolve it.
type Locator struct {
	Role       string            `yaml:"role" json:"role,omitempty"`
	Text       string            `yaml:"text" json:"text,omitempty" validate:"omitempty,regexp"` // Case-insensitive regex on the accessible name
	Attributes map[string]string `yaml:"attributes" json:"attributes,omitempty"`
	CSS        string            `yaml:"css" json:"css,omitempty"`
	TestID     string            `yaml:"testId" json:"testId,omitempty"`
}

// IsEmpty returns true if no criteria are set.
func (l Locator) IsEmpty() bool {
	return l.Role == "" && l.Text == "" && len(l.Attributes) == 0 && l.CSS == "" && l.TestID == ""
}

// Describe returns a compact human-readable form, e.g. `role=button text="Next"`.
func (l Locator) Describe() string {
	var parts []string
	if l.TestID != "" {
		parts = append(parts, "testId="+l.TestID)
	}
	if l.Role != "" {
		parts = append(parts, "role="+l.Role)
	}
	if l.Text != "" {
		parts = append(parts, fmt.Sprintf("text=%q", l.Text))
	}
	if l.CSS != "" {
		parts = append(parts, "css="+l.CSS)
	}
	if len(l.Attributes) > 0 {
		keys := make([]string, 0, len(l.Attributes))
		for k := range l.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("[%s=%q]", k, l.Attributes[k]))
		}
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " ")
}

// DescribeQuoted returns just the text in quotes when the locator is text-only.
func (l Locator) DescribeQuoted() string {
	if l.Text != "" && l.Role == "" && l.CSS == "" && l.TestID == "" && len(l.Attributes) == 0 {
		return fmt.Sprintf("%q", l.Text)
	}
	return l.Describe()
}

func (l Locator) clone() Locator {
	c := l
	if l.Attributes != nil {
		c.Attributes = make(map[string]string, len(l.Attributes))
		for k, v := range l.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}

// Action is the interaction performed on the located element.
type Action struct {
	Type   ActionType `json:"type" validate:"oneof=click fill selectOption waitFor"`
	Text   string     `json:"text,omitempty" validate:"required_if=Type fill"`
	Option string     `json:"option,omitempty" validate:"required_if=Type selectOption"`
}

// Describe returns a human-readable description of the action.
func (a Action) Describe() string {
	switch a.Type {
	case ActionFill:
		return fmt.Sprintf("fill %q", a.Text)
	case ActionSelectOption:
		return fmt.Sprintf("selectOption %q", a.Option)
	default:
		return string(a.Type)
	}
}

// Condition is a state of the target that must hold. All set fields must hold.
type Condition struct {
	Text       string   `yaml:"text" json:"text,omitempty" validate:"omitempty,regexp"`
	Visible    *Locator `yaml:"visible" json:"visible,omitempty"`
	NotVisible *Locator `yaml:"notVisible" json:"notVisible,omitempty"`
	URL        string   `yaml:"url" json:"url,omitempty" validate:"omitempty,regexp"`
}

// IsEmpty returns true if the condition has nothing to check.
func (c Condition) IsEmpty() bool {
	return c.Text == "" && c.Visible == nil && c.NotVisible == nil && c.URL == ""
}

// Describe returns a human-readable description of the condition.
func (c Condition) Describe() string {
	var parts []string
	if c.Text != "" {
		parts = append(parts, fmt.Sprintf("text %q", c.Text))
	}
	if c.Visible != nil {
		parts = append(parts, "visible "+c.Visible.DescribeQuoted())
	}
	if c.NotVisible != nil {
		parts = append(parts, "notVisible "+c.NotVisible.DescribeQuoted())
	}
	if c.URL != "" {
		parts = append(parts, fmt.Sprintf("url %q", c.URL))
	}
	return strings.Join(parts, " and ")
}

func (c Condition) clone() Condition {
	out := c
	if c.Visible != nil {
		v := c.Visible.clone()
		out.Visible = &v
	}
	if c.NotVisible != nil {
		v := c.NotVisible.clone()
		out.NotVisible = &v
	}
	return out
}

// Step is one unit of a wizard flow: locate an element, act on it, then wait
// for the post-condition.
type Step struct {
	ID            string    `json:"id" validate:"required"`
	Label         string    `json:"label,omitempty"`
	Locators      []Locator `json:"locators" validate:"min=1,dive"`
	Action        Action    `json:"action"`
	PostCondition Condition `json:"postCondition"`
	TimeoutMs     int       `json:"timeoutMs" validate:"gte=0"`
	Retries       *int      `json:"retries,omitempty" validate:"omitempty,gte=0,lte=10"` // nil inherits the flow default; 0 never retries
}

// Describe returns a human-readable description, preferring the label.
func (s Step) Describe() string {
	if s.Label != "" {
		return s.Label
	}
	target := "(no locator)"
	if len(s.Locators) > 0 {
		target = s.Locators[0].DescribeQuoted()
	}
	return s.Action.Describe() + ": " + target
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	c := s
	c.Locators = make([]Locator, len(s.Locators))
	for i, l := range s.Locators {
		c.Locators[i] = l.clone()
	}
	c.PostCondition = s.PostCondition.clone()
	if s.Retries != nil {
		c.Retries = RetryCount(*s.Retries)
	}
	return c
}

// RetryCount returns n as a value for Step.Retries or Config.Retries.
func RetryCount(n int) *int {
	return &n
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}
