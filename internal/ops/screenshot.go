package ops

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

// ScreenshotResult is the Screenshot operation's output: raw image
// bytes plus the content type the cache and HTTP layer should serve
// them as.
type ScreenshotResult struct {
	Data        []byte
	ContentType string
}

// RunScreenshot navigates to the page and captures either the full
// scrollable page, the current viewport, or a single selector.
func RunScreenshot(ctx context.Context, page browser.Page, p ScreenshotParams) (ScreenshotResult, error) {
	width, height := p.Width, p.Height
	if width == 0 {
		width = 1920
	}
	if height == 0 {
		height = 1080
	}

	if err := harden(ctx, navOptions{
		url:     p.URL,
		timeout: 20 * time.Second,
		wait:    waitPolicy{fixed: waitOrDefault(p.WaitTime, time.Second)},
	}); err != nil {
		return ScreenshotResult{}, err
	}

	var buf []byte
	var shotErr error
	switch {
	case p.Selector != "":
		shotErr = chromedp.Run(page.Context(), chromedp.Screenshot(p.Selector, &buf, chromedp.NodeVisible, chromedp.ByQuery))
	case p.FullPage:
		shotErr = chromedp.Run(page.Context(),
			chromedp.EmulateViewport(int64(width), int64(height)),
			chromedp.FullScreenshot(&buf, screenshotQuality(p)),
		)
	default:
		shotErr = chromedp.Run(page.Context(),
			chromedp.EmulateViewport(int64(width), int64(height)),
			chromedp.CaptureScreenshot(&buf),
		)
	}
	if shotErr != nil {
		return ScreenshotResult{}, shotErr
	}

	return ScreenshotResult{Data: buf, ContentType: contentTypeForFormat(p.Format)}, nil
}

func screenshotQuality(p ScreenshotParams) int {
	if p.Quality > 0 {
		return p.Quality
	}
	return 90
}

func contentTypeForFormat(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

type screenshotCodec struct{}

func (screenshotCodec) Encode(data interface{}) ([]byte, string, error) {
	r := data.(ScreenshotResult)
	return r.Data, r.ContentType, nil
}

func (screenshotCodec) Decode(body []byte) (interface{}, error) {
	return ScreenshotResult{Data: body, ContentType: "image/png"}, nil
}
