package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

const wizardDOM = `<html><head><title>Setup</title></head><body>
<p>Choose a tier</p>
<select id="region" role="combobox" aria-label="Region" data-testid="region-select" hidden>
  <option>US</option><option>EUA</option>
</select>
<select id="tier" aria-label="Tier" data-testid="tier-select"><option>Dev</option></select>
<button data-testid="advance" disabled>Next</button>
<button id="cancel">Cancel</button>
<a href="/help">Help</a>
<div class="banner">Setup in progress</div>
</body></html>`

func TestSuggest_TypoInTestID(t *testing.T) {
	cands, err := Suggest(wizardDOM, flow.Locator{TestID: "tier-selct"}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	assert.Equal(t, "tier-select", cands[0].TestID)
	assert.Equal(t, "testId=tier-select", cands[0].Locator)
	assert.Equal(t, "combobox", cands[0].Role)
}

func TestSuggest_TextNearMiss(t *testing.T) {
	cands, err := Suggest(wizardDOM, flow.Locator{Role: "button", Text: "^Nxt$"}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	assert.Equal(t, "Next", cands[0].Name)
	assert.True(t, cands[0].Disabled)
	assert.LessOrEqual(t, len(cands), 2)
}

func TestSuggest_HiddenExactMatch(t *testing.T) {
	cands, err := Suggest(wizardDOM, flow.Locator{Role: "combobox", Text: "Region"}, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	assert.Equal(t, "region-select", cands[0].TestID)
	assert.True(t, cands[0].Hidden)
}

func TestSuggest_CSSID(t *testing.T) {
	cands, err := Suggest(wizardDOM, flow.Locator{CSS: "#cancle"}, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	assert.Equal(t, "cancel", cands[0].ElemID)
	assert.Equal(t, `role=button text="^Cancel$"`, cands[0].Locator)
}

func TestSuggest_NothingClose(t *testing.T) {
	cands, err := Suggest(wizardDOM, flow.Locator{TestID: "zzzzzzzzzzzzzzzz"}, 3)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestImplicitRole(t *testing.T) {
	tests := []struct{ tag, typ, want string }{
		{"button", "", "button"},
		{"a", "", "link"},
		{"select", "", "combobox"},
		{"textarea", "", "textbox"},
		{"input", "checkbox", "checkbox"},
		{"input", "radio", "radio"},
		{"input", "submit", "button"},
		{"input", "email", "textbox"},
		{"div", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, implicitRole(tt.tag, tt.typ), "%s[type=%s]", tt.tag, tt.typ)
	}
}

func TestFormatSuggestion(t *testing.T) {
	assert.Empty(t, FormatSuggestion(nil))

	got := FormatSuggestion([]Candidate{
		{Tag: "button", Role: "button", Name: "Next", Disabled: true, Locator: "testId=advance"},
		{Tag: "a", Role: "link", Name: "Help", Locator: `role=link text="^Help$"`},
	})
	assert.True(t, strings.HasPrefix(got, "Did you mean "))
	assert.Contains(t, got, `button "Next" [disabled] (testId=advance)`)
	assert.Contains(t, got, ` or link "Help"`)
}

func TestPatternText(t *testing.T) {
	assert.Equal(t, "Next", patternText("^Next$"))
	assert.Equal(t, "a.b", patternText(`a\.b`))
}

func TestInteractive(t *testing.T) {
	cands, err := Interactive(wizardDOM)
	require.NoError(t, err)

	var locators []string
	for _, c := range cands {
		locators = append(locators, c.Locator)
	}
	assert.Equal(t, []string{
		"testId=region-select",
		"testId=tier-select",
		"testId=advance",
		`role=button text="^Cancel$"`,
		`role=link text="^Help$"`,
	}, locators)
	assert.True(t, cands[0].Hidden)
	assert.True(t, cands[2].Disabled)
}
