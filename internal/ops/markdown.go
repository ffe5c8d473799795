package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

// MarkdownResult is the Markdown operation's output.
type MarkdownResult struct {
	Markdown string `json:"markdown"`
	Title    string `json:"title"`
}

// RunMarkdown navigates to the page, strips script/style/nav
// boilerplate from the rendered DOM, and converts the remaining body
// to GitHub-flavored markdown.
func RunMarkdown(ctx context.Context, page browser.Page, p MarkdownParams) (MarkdownResult, error) {
	if err := harden(ctx, navOptions{
		url:            p.URL,
		timeout:        15 * time.Second,
		blockResources: []string{"image", "font", "media"},
		wait:           waitPolicy{fixed: waitOrDefault(p.WaitTime, 500*time.Millisecond)},
	}); err != nil {
		return MarkdownResult{}, err
	}

	var rawHTML, title string
	if err := chromedp.Run(page.Context(),
		chromedp.OuterHTML("html", &rawHTML, chromedp.ByQuery),
		chromedp.Title(&title),
	); err != nil {
		return MarkdownResult{}, err
	}

	md, err := htmlToMarkdown(rawHTML)
	if err != nil {
		return MarkdownResult{}, fmt.Errorf("ops: markdown conversion: %w", err)
	}
	return MarkdownResult{Markdown: md, Title: title}, nil
}

// htmlToMarkdown renders a document's readable text content as
// markdown, collapsing headings, links, lists, and paragraphs while
// discarding script, style, and navigation chrome.
func htmlToMarkdown(rawHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, footer, svg").Remove()

	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			node := c.Get(0)
			if node.Type == html.TextNode {
				if t := strings.TrimSpace(c.Text()); t != "" {
					b.WriteString(t + " ")
				}
				return
			}
			if node.Type != html.ElementNode {
				return
			}
			switch node.Data {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				level := int(node.Data[1] - '0')
				b.WriteString("\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(c.Text()) + "\n\n")
			case "p":
				b.WriteString("\n")
				walk(c)
				b.WriteString("\n\n")
			case "br":
				b.WriteString("\n")
			case "li":
				b.WriteString("\n- ")
				walk(c)
			case "a":
				href, _ := c.Attr("href")
				text := strings.TrimSpace(c.Text())
				if href != "" && text != "" {
					b.WriteString(fmt.Sprintf("[%s](%s)", text, href))
				} else {
					walk(c)
				}
			case "strong", "b":
				b.WriteString("**" + strings.TrimSpace(c.Text()) + "**")
			case "em", "i":
				b.WriteString("*" + strings.TrimSpace(c.Text()) + "*")
			case "code":
				b.WriteString("`" + strings.TrimSpace(c.Text()) + "`")
			default:
				walk(c)
			}
		})
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	walk(body)

	return collapseBlankLines(b.String()), nil
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

type markdownCodec struct{}

func (markdownCodec) Encode(data interface{}) ([]byte, string, error) { return encodeJSON(data) }
func (markdownCodec) Decode(body []byte) (interface{}, error) {
	var r MarkdownResult
	err := decodeJSON(body, &r)
	return r, err
}
