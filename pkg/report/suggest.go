package report

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/agext/levenshtein"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

const interactiveSelector = "button, a[href], input, select, textarea, [role], [data-testid]"

// minSuggestionScore drops candidates that only share a role with the locator.
const minSuggestionScore = 1.2

// Candidate is an element in a captured DOM that a failed locator may have meant.
type Candidate struct {
	Tag      string  `json:"tag"`
	Role     string  `json:"role,omitempty"`
	Name     string  `json:"name,omitempty"`
	TestID   string  `json:"testId,omitempty"`
	ElemID   string  `json:"elementId,omitempty"`
	Hidden   bool    `json:"hidden,omitempty"`
	Disabled bool    `json:"disabled,omitempty"`
	Locator  string  `json:"locator"` // Suggested locator, in flow-file terms
	Score    float64 `json:"score"`
}

// Suggest scans dom for interactive elements and ranks them by how closely
// they resemble loc. At most limit candidates are returned, best first.
func Suggest(dom string, loc flow.Locator, limit int) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return nil, fmt.Errorf("parse dom: %w", err)
	}

	var textRe *regexp.Regexp
	if loc.Text != "" {
		textRe, _ = regexp.Compile("(?i)" + loc.Text)
	}

	var out []Candidate
	doc.Find(interactiveSelector).Each(func(_ int, s *goquery.Selection) {
		c := describeCandidate(s)
		if c.Name == "" && c.TestID == "" && c.ElemID == "" {
			return
		}
		c.Score = scoreCandidate(c, s, loc, textRe)
		if c.Score < minSuggestionScore {
			return
		}
		c.Locator = suggestLocator(c)
		out = append(out, c)
	})

	// Stable sort keeps document order for equal scores
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Interactive lists every named interactive element in dom in document
// order, each with the locator that would select it.
func Interactive(dom string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return nil, fmt.Errorf("parse dom: %w", err)
	}

	var out []Candidate
	doc.Find(interactiveSelector).Each(func(_ int, s *goquery.Selection) {
		c := describeCandidate(s)
		if c.Name == "" && c.TestID == "" && c.ElemID == "" {
			return
		}
		c.Locator = suggestLocator(c)
		out = append(out, c)
	})
	return out, nil
}

func describeCandidate(s *goquery.Selection) Candidate {
	tag := goquery.NodeName(s)
	c := Candidate{
		Tag:    tag,
		Role:   s.AttrOr("role", implicitRole(tag, s.AttrOr("type", ""))),
		TestID: s.AttrOr("data-testid", ""),
		ElemID: s.AttrOr("id", ""),
	}

	for _, attr := range []string{"aria-label", "title", "placeholder", "value"} {
		if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" {
			c.Name = v
			break
		}
	}
	if c.Name == "" && tag != "select" {
		c.Name = strings.Join(strings.Fields(s.Text()), " ")
	}

	_, c.Disabled = s.Attr("disabled")
	if v := s.AttrOr("aria-disabled", ""); v == "true" {
		c.Disabled = true
	}
	_, c.Hidden = s.Attr("hidden")
	style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		c.Hidden = true
	}
	if s.ParentsFiltered("[hidden]").Length() > 0 {
		c.Hidden = true
	}
	return c
}

func implicitRole(tag, inputType string) string {
	switch tag {
	case "button":
		return "button"
	case "a":
		return "link"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch inputType {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset":
			return "button"
		default:
			return "textbox"
		}
	}
	return ""
}

// scoreCandidate adds up how well each criterion of loc matches. Exact
// matches count fully; near misses count by edit-distance similarity.
func scoreCandidate(c Candidate, s *goquery.Selection, loc flow.Locator, textRe *regexp.Regexp) float64 {
	var score float64

	if loc.Role != "" && strings.EqualFold(loc.Role, c.Role) {
		score += 1
	}
	if loc.TestID != "" && c.TestID != "" {
		score += 2 * similarity(loc.TestID, c.TestID)
	}
	if loc.Text != "" && c.Name != "" {
		if textRe != nil && textRe.MatchString(c.Name) {
			score += 2
		} else {
			score += 2 * similarity(patternText(loc.Text), c.Name)
		}
	}
	if strings.HasPrefix(loc.CSS, "#") && c.ElemID != "" {
		score += 2 * similarity(loc.CSS[1:], c.ElemID)
	}
	for k, v := range loc.Attributes {
		if got, ok := s.Attr(k); ok {
			score += 0.5 + similarity(v, got)
		}
	}
	return score
}

// patternText strips the regex anchors and escapes that commonly wrap a
// literal label, so "^Next$" compares as "Next".
func patternText(p string) string {
	p = strings.TrimPrefix(p, "^")
	p = strings.TrimSuffix(p, "$")
	return strings.ReplaceAll(p, `\`, "")
}

func similarity(a, b string) float64 {
	return levenshtein.Similarity(strings.ToLower(a), strings.ToLower(b), nil)
}

func suggestLocator(c Candidate) string {
	switch {
	case c.TestID != "":
		return "testId=" + c.TestID
	case c.Role != "" && c.Name != "":
		return fmt.Sprintf("role=%s text=%q", c.Role, "^"+regexp.QuoteMeta(c.Name)+"$")
	case c.ElemID != "":
		return "css=#" + c.ElemID
	default:
		return fmt.Sprintf("text=%q", regexp.QuoteMeta(c.Name))
	}
}

// FormatSuggestion renders candidates as a one-line hint for the report.
func FormatSuggestion(cands []Candidate) string {
	if len(cands) == 0 {
		return ""
	}
	parts := make([]string, len(cands))
	for i, c := range cands {
		label := c.Tag
		if c.Role != "" && c.Role != c.Tag {
			label = c.Role
		}
		if c.Name != "" {
			label += fmt.Sprintf(" %q", c.Name)
		}
		var notes []string
		if c.Hidden {
			notes = append(notes, "hidden")
		}
		if c.Disabled {
			notes = append(notes, "disabled")
		}
		if len(notes) > 0 {
			label += " [" + strings.Join(notes, ", ") + "]"
		}
		parts[i] = fmt.Sprintf("%s (%s)", label, c.Locator)
	}
	return "Did you mean " + strings.Join(parts, " or ") + "?"
}
