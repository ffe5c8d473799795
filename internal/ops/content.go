package ops

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

// ContentResult is the Content operation's output: the fully rendered
// DOM, serialized back to HTML after scripts have run.
type ContentResult struct {
	HTML  string `json:"html"`
	Title string `json:"title"`
}

// RunContent navigates to the page and returns its rendered outer
// HTML, after JavaScript has had a chance to settle.
func RunContent(ctx context.Context, page browser.Page, p ContentParams) (ContentResult, error) {
	if err := harden(ctx, navOptions{
		url:     p.URL,
		timeout: 15 * time.Second,
		wait:    waitPolicy{fixed: waitOrDefault(p.WaitTime, 500*time.Millisecond)},
	}); err != nil {
		return ContentResult{}, err
	}

	var html, title string
	if err := chromedp.Run(page.Context(),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Title(&title),
	); err != nil {
		return ContentResult{}, err
	}
	return ContentResult{HTML: html, Title: title}, nil
}

type contentCodec struct{}

func (contentCodec) Encode(data interface{}) ([]byte, string, error) { return encodeJSON(data) }
func (contentCodec) Decode(body []byte) (interface{}, error) {
	var r ContentResult
	err := decodeJSON(body, &r)
	return r, err
}
