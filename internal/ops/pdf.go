package ops

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

// PDFResult is the PDF operation's output.
type PDFResult struct {
	Data        []byte
	ContentType string
}

var pageSizes = map[string][2]float64{
	"A4":     {8.27, 11.69},
	"Letter": {8.5, 11},
	"Legal":  {8.5, 14},
}

// RunPDF navigates to the page and prints it to a PDF using the
// requested paper size, defaulting to A4.
func RunPDF(ctx context.Context, pg browser.Page, p PDFParams) (PDFResult, error) {
	if err := harden(ctx, navOptions{
		url:     p.URL,
		timeout: 25 * time.Second,
		wait:    waitPolicy{fixed: waitOrDefault(p.WaitTime, time.Second)},
	}); err != nil {
		return PDFResult{}, err
	}

	dims, ok := pageSizes[p.Format]
	if !ok {
		dims = pageSizes["A4"]
	}

	var buf []byte
	if err := chromedp.Run(pg.Context(), chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPaperWidth(dims[0]).
			WithPaperHeight(dims[1]).
			WithPrintBackground(true).
			Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	})); err != nil {
		return PDFResult{}, err
	}

	return PDFResult{Data: buf, ContentType: "application/pdf"}, nil
}

type pdfCodec struct{}

func (pdfCodec) Encode(data interface{}) ([]byte, string, error) {
	r := data.(PDFResult)
	return r.Data, r.ContentType, nil
}

func (pdfCodec) Decode(body []byte) (interface{}, error) {
	return PDFResult{Data: body, ContentType: "application/pdf"}, nil
}
