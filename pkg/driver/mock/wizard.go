package mock

import (
	"time"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

// WizardURL is the route NewWizard serves.
const WizardURL = "https://console.example.test/setup"

// WizardOptions shapes the scripted setup wizard.
type WizardOptions struct {
	Delay       time.Duration // Latency of every page reaction (default 300ms)
	StuckOnTier bool          // Next never re-enables after a tier is chosen
	FailRegion  string        // Selecting this region shows an error banner
}

// NewWizard returns a page scripted as a three-page setup wizard:
// region, tier, review. Each page enables Next only after a choice is made.
func NewWizard(opts WizardOptions, pageOpts ...Option) *Page {
	if opts.Delay <= 0 {
		opts.Delay = 300 * time.Millisecond
	}
	d := opts.Delay

	p := New(pageOpts...)
	p.Route(WizardURL, func(p *Page) { p.SetTitle("Project setup") })
	p.url = WizardURL
	p.title = "Project setup"
	p.texts = []string{"Choose a region"}

	p.AddElement(Element{ID: "region", Role: "combobox", Name: "Region", TestID: "region-select", Options: []string{"US", "EUA", "APAC"}})
	p.AddElement(Element{ID: "tier", Role: "combobox", Name: "Tier", TestID: "tier-select", Options: []string{"Dev", "Prod"}, Hidden: true})
	p.AddElement(Element{ID: "next", Role: "button", Name: "Next", TestID: "advance", Disabled: true})
	p.AddElement(Element{ID: "confirm", Role: "button", Name: "Confirm", TestID: "confirm", Hidden: true})

	p.On("region", func(p *Page, el *Element, a flow.Action) error {
		region := el.Value
		p.After(d, func(p *Page) {
			if region == opts.FailRegion {
				p.ShowText("Error: region " + region + " is unavailable")
				p.Log("error", "region lookup failed: "+region)
				return
			}
			p.ShowText("Region: " + region)
			p.Enable("next")
		})
		return nil
	})

	p.On("tier", func(p *Page, el *Element, a flow.Action) error {
		tier := el.Value
		p.After(d, func(p *Page) {
			p.ShowText("Tier: " + tier)
			if !opts.StuckOnTier {
				p.Enable("next")
			}
		})
		return nil
	})

	p.On("next", func(p *Page, el *Element, a flow.Action) error {
		p.Disable("next")
		if p.Element("tier").Hidden {
			p.After(d, func(p *Page) {
				p.Hide("region")
				p.ClearText("Choose a region")
				p.ShowText("Choose a tier")
				p.Show("tier")
			})
			return nil
		}
		p.After(d, func(p *Page) {
			p.Hide("tier")
			p.Hide("next")
			p.ClearText("Choose a tier")
			p.ShowText("Review")
			p.Show("confirm")
		})
		return nil
	})

	p.On("confirm", func(p *Page, el *Element, a flow.Action) error {
		p.After(d, func(p *Page) {
			p.Hide("confirm")
			p.ShowText("Setup complete")
			p.SetURL(WizardURL + "/done")
		})
		return nil
	})

	return p
}
