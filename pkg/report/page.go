package report

import (
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// PageMarkdown converts a DOM snapshot to Markdown so the page text at the
// moment of failure can be read without a browser. Relative links are
// resolved against pageURL.
func PageMarkdown(dom, pageURL string) (string, error) {
	converter := md.NewConverter(siteDomain(pageURL), true, nil)
	markdown, err := converter.ConvertString(dom)
	if err != nil {
		return "", fmt.Errorf("convert page: %w", err)
	}

	var b strings.Builder
	if pageURL != "" {
		fmt.Fprintf(&b, "<!-- %s -->\n\n", pageURL)
	}
	b.WriteString(strings.TrimSpace(markdown))
	b.WriteString("\n")
	return b.String(), nil
}

// siteDomain returns scheme://host for absolute URLs and "" otherwise.
func siteDomain(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
