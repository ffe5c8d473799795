package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corvidlabs/scoutcore/internal/browser"
	"github.com/corvidlabs/scoutcore/internal/ops"
	"github.com/corvidlabs/scoutcore/internal/pipeline"
)

// buildRequest decodes the raw JSON body into the operation's params
// struct and assembles the pipeline.Request that carries it through
// the five-step flow: cache key derivation from CacheParams, the
// result codec, and an Execute closure that calls the matching
// RunXxx function against the page the pool hands back.
func (h *Handler) buildRequest(operation, userID string, raw map[string]interface{}) (pipeline.Request, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("re-encode params: %w", err)
	}

	req := pipeline.Request{
		Operation: operation,
		UserID:    userID,
		Codec:     ops.Codec(operation),
	}

	switch operation {
	case ops.OpScreenshot:
		var p ops.ScreenshotParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return ops.RunScreenshot(ctx, page, p)
		}

	case ops.OpContent:
		var p ops.ContentParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return ops.RunContent(ctx, page, p)
		}

	case ops.OpMarkdown:
		var p ops.MarkdownParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return ops.RunMarkdown(ctx, page, p)
		}

	case ops.OpLinks:
		var p ops.LinksParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return ops.RunLinks(ctx, page, p)
		}

	case ops.OpPDF:
		var p ops.PDFParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return ops.RunPDF(ctx, page, p)
		}

	case ops.OpScrape:
		var p ops.ScrapeParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return ops.RunScrape(ctx, page, p)
		}

	case ops.OpSearch:
		var p ops.SearchParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return h.search.Run(ctx, p)
		}

	case ops.OpJSONExtraction:
		var p ops.JSONExtractionParams
		if err := json.Unmarshal(body, &p); err != nil {
			return pipeline.Request{}, err
		}
		req.CacheParams = p.CacheParams()
		req.Validate = func() error { return validateParams(p) }
		req.Execute = func(ctx context.Context, page browser.Page) (interface{}, error) {
			return h.extractor.Run(ctx, page, p)
		}

	default:
		return pipeline.Request{}, fmt.Errorf("unknown operation %q", operation)
	}

	return req, nil
}

// validateParams checks a params struct against its validate tags with
// the shared validator instance; every operation's Validate closure
// calls it.
func validateParams(p interface{}) error {
	return paramsValidator.Struct(p)
}
