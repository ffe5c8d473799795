package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// SearchResultItem is one normalized search hit.
type SearchResultItem struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet"`
	Favicon       string `json:"favicon,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// SearchResult is the Search operation's output.
type SearchResult struct {
	Results []SearchResultItem `json:"results"`
}

// externalSearchHit is the upstream search service's row shape.
type externalSearchHit struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Text          string `json:"text"`
	Favicon       string `json:"favicon"`
	PublishedDate string `json:"publishedDate"`
}

type externalSearchResponse struct {
	Results []externalSearchHit `json:"results"`
}

// SearchClient delegates query execution to an external search API; no
// browser session is consumed for this operation.
type SearchClient struct {
	endpoint   string
	httpClient *http.Client
	tokens     oauth2.TokenSource
}

func NewSearchClient(endpoint, apiKey string) *SearchClient {
	return &SearchClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey}),
	}
}

// Run calls the external search service and maps its field names onto
// the public result shape, honoring the requested result limit.
func (c *SearchClient) Run(ctx context.Context, p SearchParams) (SearchResult, error) {
	limit := p.Limit
	if limit <= 0 || limit > 20 {
		limit = 10
	}

	q := url.Values{}
	q.Set("query", p.Query)
	q.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return SearchResult{}, err
	}
	token, err := c.tokens.Token()
	if err != nil {
		return SearchResult{}, fmt.Errorf("ops: search token: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SearchResult{}, fmt.Errorf("ops: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SearchResult{}, fmt.Errorf("ops: search upstream status %d", resp.StatusCode)
	}

	var raw externalSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return SearchResult{}, fmt.Errorf("ops: search decode: %w", err)
	}

	out := make([]SearchResultItem, 0, len(raw.Results))
	for i, hit := range raw.Results {
		if i >= limit {
			break
		}
		out = append(out, SearchResultItem{
			ID:            hit.ID,
			Title:         hit.Title,
			URL:           hit.URL,
			Snippet:       hit.Text,
			Favicon:       hit.Favicon,
			PublishedDate: hit.PublishedDate,
		})
	}
	return SearchResult{Results: out}, nil
}

type searchCodec struct{}

func (searchCodec) Encode(data interface{}) ([]byte, string, error) { return encodeJSON(data) }
func (searchCodec) Decode(body []byte) (interface{}, error) {
	var r SearchResult
	err := decodeJSON(body, &r)
	return r, err
}
