package ops

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

// Link is one discovered page link, classified relative to the page
// it was found on.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
	Type string `json:"type"` // "internal" or "external"
}

// LinksMetadata summarizes the discovered links per spec §6.
type LinksMetadata struct {
	URL           string `json:"url"`
	TotalLinks    int    `json:"totalLinks"`
	InternalLinks int    `json:"internalLinks"`
	ExternalLinks int    `json:"externalLinks"`
}

// LinksResult is the Links operation's output.
type LinksResult struct {
	Links    []Link        `json:"links"`
	Metadata LinksMetadata `json:"metadata"`
}

// rawLink mirrors the shape the in-page collector script returns.
type rawLink struct {
	Href    string `json:"href"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

const collectLinksScript = `
(() => {
  const out = [];
  document.querySelectorAll('a[href]').forEach(a => {
    const rect = a.getBoundingClientRect();
    const style = window.getComputedStyle(a);
    const visible = rect.width > 0 && rect.height > 0 &&
      style.visibility !== 'hidden' && style.display !== 'none';
    out.push({ href: a.href, text: (a.textContent || '').trim(), visible });
  });
  return out;
})()
`

// RunLinks navigates to the page and returns its links, classified as
// internal or external against the page's own host and optionally
// filtered to only visible anchors.
func RunLinks(ctx context.Context, page browser.Page, p LinksParams) (LinksResult, error) {
	if err := harden(ctx, navOptions{
		url:            p.URL,
		timeout:        15 * time.Second,
		blockResources: []string{"image", "stylesheet", "font", "media"},
		wait:           waitPolicy{fixed: waitOrDefault(p.WaitTime, 500*time.Millisecond)},
	}); err != nil {
		return LinksResult{}, err
	}

	var raw []rawLink
	if err := chromedp.Run(page.Context(), chromedp.Evaluate(collectLinksScript, &raw)); err != nil {
		return LinksResult{}, err
	}

	baseHost := normalizeHost(p.URL)
	out := make([]Link, 0, len(raw))
	var internalCount, externalCount int
	for _, r := range raw {
		if p.VisibleLinksOnly && !r.Visible {
			continue
		}
		internal := normalizeHost(r.Href) == baseHost
		if !internal && !p.includeExternal() {
			continue
		}
		linkType := "external"
		if internal {
			linkType = "internal"
			internalCount++
		} else {
			externalCount++
		}
		out = append(out, Link{URL: r.Href, Text: r.Text, Type: linkType})
	}
	return LinksResult{
		Links: out,
		Metadata: LinksMetadata{
			URL:           p.URL,
			TotalLinks:    len(out),
			InternalLinks: internalCount,
			ExternalLinks: externalCount,
		},
	}, nil
}

// normalizeHost lowercases a URL's host and strips a leading "www.",
// so https://Example.com and http://www.example.com/a classify as
// the same site.
func normalizeHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func waitOrDefault(waitMs int, def time.Duration) time.Duration {
	if waitMs <= 0 {
		return def
	}
	return time.Duration(waitMs) * time.Millisecond
}

type linksCodec struct{}

func (linksCodec) Encode(data interface{}) ([]byte, string, error) {
	return encodeJSON(data)
}

func (linksCodec) Decode(body []byte) (interface{}, error) {
	var r LinksResult
	err := decodeJSON(body, &r)
	return r, err
}
