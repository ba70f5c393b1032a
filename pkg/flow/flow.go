// Package flow handles parsing and representation of wizard flow files.
package flow

// Flow represents a parsed wizard flow file.
type Flow struct {
	SourcePath string // Path to the source file
	Config     Config // Flow configuration (name, url, tags, etc.)
	Steps      []Step `validate:"min=1,dive"`
}

// Config represents flow-level configuration.
type Config struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"` // Page opened before the first step
	Tags         []string          `yaml:"tags"`
	Env          map[string]string `yaml:"env"`
	Timeout      int               `yaml:"timeout" validate:"gte=0"`                     // Default step timeout in ms
	Retries      *int              `yaml:"retries" validate:"omitempty,gte=0,lte=10"`    // Default extra attempts per step; 0 overrides a non-zero config default
	ErrorMarkers []string          `yaml:"errorMarkers" validate:"dive,required,regexp"` // Patterns whose visible text means the app is in an error state
}

// DisplayName returns the configured name or a name derived from the source file.
func (f *Flow) DisplayName() string {
	if f.Config.Name != "" {
		return f.Config.Name
	}
	return baseName(f.SourcePath)
}

// HasTag reports whether the flow carries the given tag.
func (f *Flow) HasTag(tag string) bool {
	for _, t := range f.Config.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ShouldIncludeFlow checks if a flow matches tag filters.
func ShouldIncludeFlow(flow *Flow, includeTags, excludeTags []string) bool {
	if len(includeTags) > 0 {
		hasTag := false
		for _, include := range includeTags {
			if flow.HasTag(include) {
				hasTag = true
				break
			}
		}
		if !hasTag {
			return false
		}
	}

	for _, exclude := range excludeTags {
		if flow.HasTag(exclude) {
			return false
		}
	}

	return true
}
