// Package validator validates wizard flow files before execution.
// It collects flow files from the given paths, parses and validates every
// one upfront and applies tag filters, so a run never starts on a broken set.
package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

// configFileNames are YAML files in a flow directory that are not flows.
var configFileNames = map[string]bool{
	"wizard-runner.yaml": true,
	"wizard-runner.yml":  true,
}

// ValidationError represents a validation error with context.
type ValidationError struct {
	File    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// Result contains the validation result.
type Result struct {
	// Files is the list of flow file paths in execution order.
	Files []string
	// Flows holds the parsed flows, parallel to Files.
	Flows []*flow.Flow
	// Filtered lists files excluded by tag filters.
	Filtered []string
	// Errors contains all validation errors found.
	Errors []error
}

// IsValid returns true if there are no validation errors.
func (r *Result) IsValid() bool {
	return len(r.Errors) == 0
}

// Validator validates flow files.
type Validator struct {
	includeTags []string
	excludeTags []string
	patterns    []string
}

// New creates a new Validator.
func New(includeTags, excludeTags []string) *Validator {
	return &Validator{
		includeTags: includeTags,
		excludeTags: excludeTags,
	}
}

// WithPatterns sets glob patterns, relative to a directory argument, that
// select flow files. "*" stays within a directory and "**" crosses them.
// Without patterns only the directory's own YAML files are used.
func (v *Validator) WithPatterns(patterns []string) *Validator {
	v.patterns = patterns
	return v
}

// Validate validates files and directories in order. A file listed twice
// is validated once.
func (v *Validator) Validate(paths ...string) *Result {
	result := &Result{}
	seen := make(map[string]bool)

	for _, path := range paths {
		files, err := v.collect(path)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		for _, file := range files {
			key := filepath.Clean(file)
			if seen[key] {
				continue
			}
			seen[key] = true
			v.validateFile(file, result)
		}
	}

	return result
}

// collect expands one path argument into flow files.
func (v *Validator) collect(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ValidationError{
			File:    path,
			Message: fmt.Sprintf("cannot access: %v", err),
		}
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	if len(v.patterns) == 0 {
		files, err = topLevelFlowFiles(path)
	} else {
		files, err = v.matchPatterns(path)
	}
	if err != nil {
		return nil, &ValidationError{
			File:    path,
			Message: fmt.Sprintf("failed to scan directory: %v", err),
		}
	}
	return files, nil
}

// topLevelFlowFiles lists the YAML flow files directly inside dir.
func topLevelFlowFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !isFlowFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// matchPatterns walks dir and returns the flow files matching any pattern,
// sorted by path.
func (v *Validator) matchPatterns(dir string) ([]string, error) {
	res := make([]*regexp.Regexp, 0, len(v.patterns))
	for _, p := range v.patterns {
		re, err := globToRegexp(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		res = append(res, re)
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isFlowFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, re := range res {
			if re.MatchString(rel) {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// globToRegexp converts a slash-separated glob to an anchored regexp.
// A pattern naming a directory ("flows" or "flows/") selects the flow
// files directly inside it.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if strings.HasSuffix(pattern, "/") {
		pattern += "*"
	} else if !strings.ContainsAny(pattern, "*?[") && !isFlowFile(pattern) {
		pattern += "/*"
	}

	var b strings.Builder
	b.WriteString("^")
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		rest := string(rs[i:])
		switch {
		case strings.HasPrefix(rest, "**/"):
			b.WriteString("(?:.*/)?")
			i += 2
		case strings.HasPrefix(rest, "**"):
			b.WriteString(".*")
			i++
		case rs[i] == '*':
			b.WriteString("[^/]*")
		case rs[i] == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(rs[i])))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func isFlowFile(name string) bool {
	return flow.IsFlowFile(name) && !configFileNames[strings.ToLower(filepath.Base(name))]
}

// validateFile parses and validates a single file.
func (v *Validator) validateFile(filePath string, result *Result) {
	f, err := flow.ParseFile(filePath)
	if err != nil {
		result.Errors = append(result.Errors, &ValidationError{
			File:    filePath,
			Message: fmt.Sprintf("parse error: %v", err),
		})
		return
	}

	if err := f.Validate(); err != nil {
		result.Errors = append(result.Errors, &ValidationError{
			File:    filePath,
			Message: fmt.Sprintf("invalid flow: %v", err),
		})
		return
	}

	if !flow.ShouldIncludeFlow(f, v.includeTags, v.excludeTags) {
		result.Filtered = append(result.Filtered, filePath)
		return
	}

	result.Files = append(result.Files, filePath)
	result.Flows = append(result.Flows, f)
}
