package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/oauth2"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

// JSONExtractionResult is the JSON Extraction operation's output: a
// best-effort parse of the model's answer, plus the raw text in case
// parsing failed and the caller asked for text mode anyway.
type JSONExtractionResult struct {
	Data  interface{} `json:"data,omitempty"`
	Raw   string      `json:"raw"`
	Model string      `json:"model"`
}

// ExtractionConfig wires the two LLM backends used for JSON
// Extraction: Gemini is tried first, Cloudflare Workers AI is the
// fallback on any error or timeout.
type ExtractionConfig struct {
	GeminiModel         string
	GeminiAPIKey        string
	CloudflareAccountID string
	CloudflareModel     string
	CloudflareAPIKey    string
	MaxOutputTokens     int
	ModelContextLimit   int
	SystemPromptBudget  int
	HTTPTimeout         time.Duration
}

func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		GeminiModel:        "gemini-1.5-flash",
		CloudflareModel:    "@cf/meta/llama-3.1-8b-instruct",
		MaxOutputTokens:    2048,
		ModelContextLimit:  32000,
		SystemPromptBudget: 512,
		HTTPTimeout:        30 * time.Second,
	}
}

// Extractor runs the JSON Extraction operation: render the page to
// markdown, budget it against the model's context window, and ask an
// LLM to produce structured output, repairing near-valid JSON on the
// way out.
type Extractor struct {
	cfg        ExtractionConfig
	httpClient *http.Client
	encoding   *tiktoken.Tiktoken
}

func NewExtractor(cfg ExtractionConfig) (*Extractor, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("ops: load tokenizer: %w", err)
	}
	return &Extractor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		encoding:   enc,
	}, nil
}

// Run converts the page to markdown, truncates it to fit the model's
// input budget, calls the primary LLM backend, falls back to the
// secondary on failure, and repairs the response into JSON when the
// caller requested structured output.
func (e *Extractor) Run(ctx context.Context, page browser.Page, p JSONExtractionParams) (JSONExtractionResult, error) {
	md, err := RunMarkdown(ctx, page, MarkdownParams{URL: p.URL, WaitTime: p.WaitTime})
	if err != nil {
		return JSONExtractionResult{}, err
	}

	systemPrompt := e.buildSystemPrompt(p)
	content := e.budgetContent(systemPrompt, md.Markdown)

	text, model, err := e.complete(ctx, systemPrompt, content)
	if err != nil {
		return JSONExtractionResult{}, fmt.Errorf("ops: extraction: %w", err)
	}

	result := JSONExtractionResult{Raw: text, Model: model}
	if p.responseType() == "json" {
		if parsed, ok := repairJSON(text); ok {
			result.Data = parsed
		}
	}
	return result, nil
}

func (e *Extractor) buildSystemPrompt(p JSONExtractionParams) string {
	var b strings.Builder
	b.WriteString("You extract structured information from web page content. ")
	if p.responseType() == "json" {
		b.WriteString("Respond with a single JSON object and nothing else. ")
	}
	if p.Instructions != "" {
		b.WriteString(p.Instructions)
		b.WriteString(" ")
	}
	if len(p.ResponseFmt) > 0 {
		schema, _ := json.Marshal(p.ResponseFmt)
		b.WriteString("Conform to this schema: ")
		b.Write(schema)
	}
	return b.String()
}

// budgetContent truncates markdown content so that system prompt +
// content + reserved output tokens stay under the model's context
// limit.
func (e *Extractor) budgetContent(systemPrompt, content string) string {
	maxInput := e.cfg.ModelContextLimit - e.cfg.MaxOutputTokens - e.cfg.SystemPromptBudget
	if maxInput <= 0 {
		return ""
	}
	sysTokens := len(e.encoding.Encode(systemPrompt, nil, nil))
	budget := maxInput - sysTokens
	if budget <= 0 {
		return ""
	}
	tokens := e.encoding.Encode(content, nil, nil)
	if len(tokens) <= budget {
		return content
	}
	return e.encoding.Decode(tokens[:budget])
}

// complete tries the primary backend (Gemini) and falls back to the
// secondary (Cloudflare Workers AI) on any error.
func (e *Extractor) complete(ctx context.Context, systemPrompt, content string) (text, model string, err error) {
	if e.cfg.GeminiAPIKey != "" {
		text, err = e.callGemini(ctx, systemPrompt, content)
		if err == nil {
			return text, e.cfg.GeminiModel, nil
		}
	}
	if e.cfg.CloudflareAPIKey != "" {
		text, err2 := e.callCloudflare(ctx, systemPrompt, content)
		if err2 == nil {
			return text, e.cfg.CloudflareModel, nil
		}
		if err != nil {
			return "", "", fmt.Errorf("gemini: %v, cloudflare: %w", err, err2)
		}
		return "", "", err2
	}
	if err != nil {
		return "", "", err
	}
	return "", "", fmt.Errorf("no LLM backend configured")
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"system_instruction"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (e *Extractor) callGemini(ctx context.Context, systemPrompt, content string) (string, error) {
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", e.cfg.GeminiModel)

	body, err := json.Marshal(geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Parts: []geminiPart{{Text: content}}}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	token := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: e.cfg.GeminiAPIKey})
	tok, err := token.Token()
	if err != nil {
		return "", err
	}
	tok.SetAuthHeader(req)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", err
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

type cfRequest struct {
	Messages []cfMessage `json:"messages"`
}

type cfMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cfResponse struct {
	Result struct {
		Response string `json:"response"`
	} `json:"result"`
}

func (e *Extractor) callCloudflare(ctx context.Context, systemPrompt, content string) (string, error) {
	url := fmt.Sprintf("https://api.cloudflare.com/client/v4/accounts/%s/ai/run/%s", e.cfg.CloudflareAccountID, e.cfg.CloudflareModel)

	body, err := json.Marshal(cfRequest{Messages: []cfMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: content},
	}})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	token := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: e.cfg.CloudflareAPIKey})
	tok, err := token.Token()
	if err != nil {
		return "", err
	}
	tok.SetAuthHeader(req)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cloudflare status %d", resp.StatusCode)
	}

	var cr cfResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	return cr.Result.Response, nil
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var looseObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// repairJSON tries, in order, to parse a model's reply as JSON
// directly, strip a fenced code block and retry, extract the first
// balanced brace-delimited object, and finally fall back to a loose
// regex match — returning the first strategy that yields valid JSON.
func repairJSON(text string) (interface{}, bool) {
	candidates := []string{strings.TrimSpace(text)}

	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	if obj, ok := extractBalancedObject(text); ok {
		candidates = append(candidates, obj)
	}

	if m := looseObjectRe.FindString(text); m != "" {
		candidates = append(candidates, m)
	}

	for _, c := range candidates {
		var v interface{}
		if err := json.Unmarshal([]byte(c), &v); err == nil {
			return v, true
		}
	}
	return nil, false
}

// extractBalancedObject scans for the first top-level {...} span,
// tracking string literals and escapes so braces inside quoted values
// don't throw off the depth count.
func extractBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

type jsonExtractionCodec struct{}

func (jsonExtractionCodec) Encode(data interface{}) ([]byte, string, error) { return encodeJSON(data) }
func (jsonExtractionCodec) Decode(body []byte) (interface{}, error) {
	var r JSONExtractionResult
	err := decodeJSON(body, &r)
	return r, err
}
