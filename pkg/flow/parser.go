package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError represents a parsing error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ParseFile parses a single wizard flow file.
func ParseFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided flow file
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses flow YAML content. A file is either a bare step list or a
// config document followed by `---` and the step list.
func Parse(data []byte, sourcePath string) (*Flow, error) {
	parts := splitYAMLDocuments(string(data))

	flow := &Flow{
		SourcePath: sourcePath,
	}

	if len(parts) == 0 {
		return nil, &ParseError{
			Path:    sourcePath,
			Line:    1,
			Message: "empty flow file",
		}
	}

	if len(parts) == 1 {
		if err := parseSteps(parts[0], flow); err != nil {
			return nil, err
		}
	} else {
		if err := parseConfig(parts[0], flow); err != nil {
			return nil, err
		}
		if err := parseSteps(parts[1], flow); err != nil {
			return nil, err
		}
	}

	if len(flow.Steps) == 0 {
		return nil, &ParseError{
			Path:    sourcePath,
			Message: "flow has no steps",
		}
	}

	return flow, nil
}

// splitYAMLDocuments splits on `---` separators that are not inside block scalars.
func splitYAMLDocuments(content string) []string {
	var parts []string
	var current strings.Builder
	inBlock := false
	blockIndent := 0

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inBlock {
			indent := len(line) - len(strings.TrimLeft(line, " \t"))
			if trimmed != "" && indent < blockIndent {
				inBlock = false
			}
		} else if startsBlockScalar(trimmed) {
			inBlock = true
			if i+1 < len(lines) {
				next := lines[i+1]
				blockIndent = len(next) - len(strings.TrimLeft(next, " \t"))
			}
		}

		if !inBlock && strings.TrimRight(line, " \t\r") == "---" {
			if strings.TrimSpace(current.String()) != "" {
				parts = append(parts, current.String())
			}
			current.Reset()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}

	if strings.TrimSpace(current.String()) != "" {
		parts = append(parts, current.String())
	}

	return parts
}

func startsBlockScalar(trimmed string) bool {
	for _, suffix := range []string{"|", ">", "|-", ">-", "|+", ">+"} {
		if strings.HasSuffix(trimmed, suffix) {
			return true
		}
	}
	return false
}

func parseConfig(content string, flow *Flow) error {
	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return &ParseError{
			Path:    flow.SourcePath,
			Message: fmt.Sprintf("invalid config: %v", err),
		}
	}
	flow.Config = config
	return nil
}

func parseSteps(content string, flow *Flow) error {
	var rawSteps []yaml.Node
	if err := yaml.Unmarshal([]byte(content), &rawSteps); err != nil {
		return &ParseError{
			Path:    flow.SourcePath,
			Message: fmt.Sprintf("invalid steps: %v", err),
		}
	}

	for i := range rawSteps {
		step, err := parseStep(&rawSteps[i], flow.SourcePath)
		if err != nil {
			return err
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%03d", i)
		}
		flow.Steps = append(flow.Steps, step)
	}

	return nil
}

// parseStep decodes one step mapping:
//
//	id: region
//	label: Select region
//	selectOption:
//	  locate: {role: combobox, text: Region}
//	  option: EUA
//	until: {text: "Tier"}
//	timeout: 5000
func parseStep(node *yaml.Node, sourcePath string) (Step, error) {
	var step Step

	if node.Kind != yaml.MappingNode {
		return step, &ParseError{
			Path:    sourcePath,
			Line:    node.Line,
			Message: "step must be a mapping",
		}
	}

	var actionKey string
	var actionNode *yaml.Node

	for i := 0; i < len(node.Content)-1; i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		key := keyNode.Value

		switch {
		case IsActionType(key):
			if actionNode != nil {
				return step, &ParseError{
					Path:    sourcePath,
					Line:    keyNode.Line,
					Message: fmt.Sprintf("step has more than one action (%s, %s)", actionKey, key),
				}
			}
			actionKey, actionNode = key, valueNode
		case key == "id":
			step.ID = valueNode.Value
		case key == "label":
			step.Label = valueNode.Value
		case key == "timeout":
			if err := valueNode.Decode(&step.TimeoutMs); err != nil {
				return step, wrapParseError(sourcePath, valueNode.Line, err)
			}
		case key == "retries":
			var n int
			if err := valueNode.Decode(&n); err != nil {
				return step, wrapParseError(sourcePath, valueNode.Line, err)
			}
			step.Retries = &n
		case key == "until":
			cond, err := parseCondition(valueNode, sourcePath)
			if err != nil {
				return step, err
			}
			step.PostCondition = cond
		default:
			return step, &ParseError{
				Path:    sourcePath,
				Line:    keyNode.Line,
				Message: fmt.Sprintf("unknown step key: %s", key),
			}
		}
	}

	if actionNode == nil {
		return step, &ParseError{
			Path:    sourcePath,
			Line:    node.Line,
			Message: "step has no action (click, fill, selectOption, waitFor)",
		}
	}

	if err := decodeAction(ActionType(actionKey), actionNode, &step, sourcePath); err != nil {
		return step, err
	}
	return step, nil
}

// decodeAction fills the action and locators from the action value, which is
// a text locator, a list of locators, or a mapping.
func decodeAction(actionType ActionType, valueNode *yaml.Node, step *Step, sourcePath string) error {
	step.Action.Type = actionType

	switch valueNode.Kind {
	case yaml.ScalarNode, yaml.SequenceNode:
		if actionType == ActionFill || actionType == ActionSelectOption {
			return &ParseError{
				Path:    sourcePath,
				Line:    valueNode.Line,
				Message: fmt.Sprintf("%s needs a mapping with locate and %s", actionType, valueKey(actionType)),
			}
		}
		locators, err := parseLocators(valueNode, sourcePath)
		if err != nil {
			return err
		}
		step.Locators = locators
		return nil

	case yaml.MappingNode:
		var raw struct {
			Locate yaml.Node `yaml:"locate"`
			Text   *string   `yaml:"text"`
			Option string    `yaml:"option"`
		}
		if err := valueNode.Decode(&raw); err != nil {
			return wrapParseError(sourcePath, valueNode.Line, err)
		}

		if raw.Locate.Kind == 0 {
			// No locate key: the mapping itself is the locator.
			if actionType == ActionFill || actionType == ActionSelectOption {
				return &ParseError{
					Path:    sourcePath,
					Line:    valueNode.Line,
					Message: fmt.Sprintf("%s requires a locate key", actionType),
				}
			}
			loc, err := parseLocator(valueNode, sourcePath)
			if err != nil {
				return err
			}
			step.Locators = []Locator{loc}
			return nil
		}

		locators, err := parseLocators(&raw.Locate, sourcePath)
		if err != nil {
			return err
		}
		step.Locators = locators
		if raw.Text != nil {
			step.Action.Text = *raw.Text
		}
		step.Action.Option = raw.Option
		return nil
	}

	return &ParseError{
		Path:    sourcePath,
		Line:    valueNode.Line,
		Message: fmt.Sprintf("invalid %s value", actionType),
	}
}

func valueKey(actionType ActionType) string {
	if actionType == ActionFill {
		return "text"
	}
	return "option"
}

func parseLocators(node *yaml.Node, sourcePath string) ([]Locator, error) {
	if node.Kind != yaml.SequenceNode {
		loc, err := parseLocator(node, sourcePath)
		if err != nil {
			return nil, err
		}
		return []Locator{loc}, nil
	}

	locators := make([]Locator, 0, len(node.Content))
	for _, item := range node.Content {
		loc, err := parseLocator(item, sourcePath)
		if err != nil {
			return nil, err
		}
		locators = append(locators, loc)
	}
	return locators, nil
}

// parseLocator accepts a scalar (text pattern) or a mapping.
func parseLocator(node *yaml.Node, sourcePath string) (Locator, error) {
	var loc Locator
	switch node.Kind {
	case yaml.ScalarNode:
		loc.Text = node.Value
	case yaml.MappingNode:
		for i := 0; i < len(node.Content)-1; i += 2 {
			switch k := node.Content[i].Value; k {
			case "role", "text", "attributes", "css", "testId":
			default:
				return loc, &ParseError{
					Path:    sourcePath,
					Line:    node.Content[i].Line,
					Message: fmt.Sprintf("unknown locator key: %s", k),
				}
			}
		}
		if err := node.Decode(&loc); err != nil {
			return loc, wrapParseError(sourcePath, node.Line, err)
		}
	default:
		return loc, &ParseError{
			Path:    sourcePath,
			Line:    node.Line,
			Message: "locator must be a string or mapping",
		}
	}
	if loc.IsEmpty() {
		return loc, &ParseError{
			Path:    sourcePath,
			Line:    node.Line,
			Message: "empty locator",
		}
	}
	return loc, nil
}

// parseCondition accepts a scalar (text pattern) or a mapping of
// text / visible / notVisible / url.
func parseCondition(node *yaml.Node, sourcePath string) (Condition, error) {
	var cond Condition
	switch node.Kind {
	case yaml.ScalarNode:
		cond.Text = node.Value
		return cond, nil
	case yaml.MappingNode:
	default:
		return cond, &ParseError{
			Path:    sourcePath,
			Line:    node.Line,
			Message: "until must be a string or mapping",
		}
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "text":
			cond.Text = value.Value
		case "url":
			cond.URL = value.Value
		case "visible", "notVisible":
			loc, err := parseLocator(value, sourcePath)
			if err != nil {
				return cond, err
			}
			if key == "visible" {
				cond.Visible = &loc
			} else {
				cond.NotVisible = &loc
			}
		default:
			return cond, &ParseError{
				Path:    sourcePath,
				Line:    node.Content[i].Line,
				Message: fmt.Sprintf("unknown condition key: %s", key),
			}
		}
	}
	return cond, nil
}

func wrapParseError(path string, line int, err error) error {
	return &ParseError{
		Path:    path,
		Line:    line,
		Message: err.Error(),
	}
}

// ParseDirectory parses all YAML files in a directory.
func ParseDirectory(dir string, includeTags, excludeTags []string) ([]*Flow, error) {
	var flows []*Flow

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !IsFlowFile(path) {
			return nil
		}

		flow, parseErr := ParseFile(path)
		if parseErr != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", path, parseErr)
			return nil
		}

		if ShouldIncludeFlow(flow, includeTags, excludeTags) {
			flows = append(flows, flow)
		}
		return nil
	})

	return flows, err
}

// IsFlowFile reports whether path has a YAML extension.
func IsFlowFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
