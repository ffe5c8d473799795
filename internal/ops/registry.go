package ops

import "github.com/corvidlabs/scoutcore/internal/pipeline"

// Operation names match the credit ledger's op:<name> reason suffix
// and the monitoring engine's per-endpoint identifiers.
const (
	OpScreenshot     = "screenshot"
	OpContent        = "content"
	OpMarkdown       = "markdown"
	OpLinks          = "links"
	OpPDF            = "pdf"
	OpScrape         = "scrape"
	OpSearch         = "search"
	OpJSONExtraction = "json_extraction"
)

// Codec returns the CacheEntryCodec responsible for (de)serializing an
// operation's cache entries, so the pipeline can store and replay
// results without knowing their concrete shape.
func Codec(operation string) pipeline.CacheEntryCodec {
	switch operation {
	case OpScreenshot:
		return screenshotCodec{}
	case OpContent:
		return contentCodec{}
	case OpMarkdown:
		return markdownCodec{}
	case OpLinks:
		return linksCodec{}
	case OpPDF:
		return pdfCodec{}
	case OpScrape:
		return scrapeCodec{}
	case OpSearch:
		return searchCodec{}
	case OpJSONExtraction:
		return jsonExtractionCodec{}
	default:
		return nil
	}
}

// DefaultCreditCosts mirrors the per-operation credit pricing: cheap
// DOM reads cost least, rendering-heavy operations (PDF, screenshot)
// and AI-assisted extraction cost most.
var DefaultCreditCosts = map[string]int64{
	OpScreenshot:     2,
	OpContent:        1,
	OpMarkdown:       1,
	OpLinks:          1,
	OpPDF:            3,
	OpScrape:         1,
	OpSearch:         1,
	OpJSONExtraction: 5,
}
