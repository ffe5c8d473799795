package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

// ScrapeMatch is one matched element for one selector.
type ScrapeMatch struct {
	Text       string            `json:"text"`
	HTML       string            `json:"html,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ScrapeResult maps each requested selector to its matched elements.
type ScrapeResult struct {
	Results map[string][]ScrapeMatch `json:"results"`
}

const scrapeSelectorScript = `
(() => {
  const sel = %q;
  const attrs = %s;
  const out = [];
  document.querySelectorAll(sel).forEach(el => {
    const a = {};
    attrs.forEach(name => { if (el.hasAttribute(name)) a[name] = el.getAttribute(name); });
    out.push({ text: (el.textContent || '').trim(), html: el.innerHTML, attributes: a });
  });
  return out;
})()
`

// RunScrape navigates to the page and extracts text, inner HTML, and
// requested attributes for every element matching each selector.
func RunScrape(ctx context.Context, page browser.Page, p ScrapeParams) (ScrapeResult, error) {
	if err := harden(ctx, navOptions{
		url:     p.URL,
		timeout: timeoutOrDefault(p.Timeout, 20*time.Second),
		wait:    waitPolicy{fixed: waitOrDefault(p.WaitTime, 500*time.Millisecond)},
		mobile:  p.Mobile,
	}); err != nil {
		return ScrapeResult{}, err
	}

	results := make(map[string][]ScrapeMatch, len(p.Elements))
	for _, el := range p.Elements {
		var matches []ScrapeMatch
		attrJSON, _ := json.Marshal(el.Attributes)
		script := fmt.Sprintf(scrapeSelectorScript, el.Selector, attrJSON)
		if err := chromedp.Run(page.Context(), chromedp.Evaluate(script, &matches)); err != nil {
			return ScrapeResult{}, err
		}
		results[el.Selector] = matches
	}
	return ScrapeResult{Results: results}, nil
}

func timeoutOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

type scrapeCodec struct{}

func (scrapeCodec) Encode(data interface{}) ([]byte, string, error) { return encodeJSON(data) }
func (scrapeCodec) Decode(body []byte) (interface{}, error) {
	var r ScrapeResult
	err := decodeJSON(body, &r)
	return r, err
}
