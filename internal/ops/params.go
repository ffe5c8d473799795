// Package ops implements the Per-operation Execution functions: pure
// (Page, Params) → Result flows run against a freshly opened page in
// a pool-assigned browser session, per §4.6.
package ops

// ScreenshotParams captures a page render as an image.
type ScreenshotParams struct {
	URL      string `json:"url" validate:"required,url"`
	Width    int    `json:"width,omitempty" validate:"omitempty,min=100,max=3840"`
	Height   int    `json:"height,omitempty" validate:"omitempty,min=100,max=2160"`
	FullPage bool   `json:"fullPage,omitempty"`
	Format   string `json:"format,omitempty" validate:"omitempty,oneof=png jpeg webp"`
	Quality  int    `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	Selector string `json:"selector,omitempty"`
	WaitTime int    `json:"waitTime,omitempty" validate:"omitempty,min=0,max=30000"`
}

func (p ScreenshotParams) CacheParams() map[string]interface{} {
	return map[string]interface{}{
		"url": p.URL, "width": p.Width, "height": p.Height, "fullPage": p.FullPage,
		"format": p.Format, "quality": p.Quality, "selector": p.Selector,
	}
}

// MarkdownParams requests a markdown rendering of a page.
type MarkdownParams struct {
	URL      string `json:"url" validate:"required,url"`
	WaitTime int    `json:"waitTime,omitempty" validate:"omitempty,min=0,max=30000"`
}

func (p MarkdownParams) CacheParams() map[string]interface{} {
	return map[string]interface{}{"url": p.URL}
}

// ContentParams requests a page's raw rendered HTML.
type ContentParams struct {
	URL      string `json:"url" validate:"required,url"`
	WaitTime int    `json:"waitTime,omitempty" validate:"omitempty,min=0,max=30000"`
}

func (p ContentParams) CacheParams() map[string]interface{} {
	return map[string]interface{}{"url": p.URL}
}

// LinksParams requests the set of links discovered on a page.
type LinksParams struct {
	URL              string `json:"url" validate:"required,url"`
	IncludeExternal  *bool  `json:"includeExternal,omitempty"`
	VisibleLinksOnly bool   `json:"visibleLinksOnly,omitempty"`
	WaitTime         int    `json:"waitTime,omitempty" validate:"omitempty,min=0,max=30000"`
}

func (p LinksParams) includeExternal() bool {
	if p.IncludeExternal == nil {
		return true
	}
	return *p.IncludeExternal
}

func (p LinksParams) CacheParams() map[string]interface{} {
	return map[string]interface{}{
		"url": p.URL, "includeExternal": p.includeExternal(), "visibleLinksOnly": p.VisibleLinksOnly,
	}
}

// PDFParams requests a PDF render of a page.
type PDFParams struct {
	URL      string `json:"url" validate:"required,url"`
	Format   string `json:"format,omitempty" validate:"omitempty,oneof=A4 Letter Legal"`
	WaitTime int    `json:"waitTime,omitempty" validate:"omitempty,min=0,max=30000"`
}

func (p PDFParams) CacheParams() map[string]interface{} {
	return map[string]interface{}{"url": p.URL, "format": p.Format}
}

// ScrapeElement is one CSS-selector extraction target.
type ScrapeElement struct {
	Selector   string   `json:"selector" validate:"required"`
	Attributes []string `json:"attributes,omitempty"`
}

// ScrapeParams requests structured extraction from a list of selectors.
type ScrapeParams struct {
	URL      string            `json:"url" validate:"required,url"`
	Elements []ScrapeElement   `json:"elements" validate:"required,min=1,dive"`
	WaitTime int               `json:"waitTime,omitempty" validate:"omitempty,min=0,max=30000"`
	Headers  map[string]string `json:"headers,omitempty"`
	Mobile   bool              `json:"mobile,omitempty"`
	Timeout  int               `json:"timeout,omitempty" validate:"omitempty,min=0,max=60000"`
}

func (p ScrapeParams) CacheParams() map[string]interface{} {
	sels := make([]string, 0, len(p.Elements))
	for _, e := range p.Elements {
		sels = append(sels, e.Selector)
	}
	return map[string]interface{}{"url": p.URL, "selectors": sels, "mobile": p.Mobile}
}

// SearchParams requests external search results.
type SearchParams struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=20"`
}

func (p SearchParams) CacheParams() map[string]interface{} {
	return map[string]interface{}{"query": p.Query, "limit": p.Limit}
}

// JSONExtractionParams requests AI-assisted structured extraction.
type JSONExtractionParams struct {
	URL          string                 `json:"url" validate:"required,url"`
	WaitTime     int                    `json:"waitTime,omitempty" validate:"omitempty,min=0,max=30000"`
	ResponseType string                 `json:"responseType,omitempty" validate:"omitempty,oneof=json text"`
	Prompt       string                 `json:"prompt,omitempty"`
	ResponseFmt  map[string]interface{} `json:"response_format,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
}

func (p JSONExtractionParams) responseType() string {
	if p.ResponseType == "" {
		return "json"
	}
	return p.ResponseType
}

func (p JSONExtractionParams) CacheParams() map[string]interface{} {
	return map[string]interface{}{
		"url": p.URL, "responseType": p.responseType(), "prompt": p.Prompt, "instructions": p.Instructions,
	}
}
