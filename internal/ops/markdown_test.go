package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLToMarkdown_HeadingsAndParagraphs(t *testing.T) {
	html := `<html><body><h1>Title</h1><p>Some <strong>bold</strong> text.</p></body></html>`
	md, err := htmlToMarkdown(html)
	require.NoError(t, err)
	assert.Contains(t, md, "# Title")
	assert.Contains(t, md, "**bold**")
}

func TestHTMLToMarkdown_DropsScriptsAndNav(t *testing.T) {
	html := `<html><body><nav>Home | About</nav><script>evil()</script><p>Real content</p></body></html>`
	md, err := htmlToMarkdown(html)
	require.NoError(t, err)
	assert.NotContains(t, md, "evil()")
	assert.NotContains(t, md, "Home | About")
	assert.Contains(t, md, "Real content")
}

func TestHTMLToMarkdown_Links(t *testing.T) {
	html := `<html><body><a href="https://example.com/a">Example</a></body></html>`
	md, err := htmlToMarkdown(html)
	require.NoError(t, err)
	assert.Contains(t, md, "[Example](https://example.com/a)")
}

func TestHTMLToMarkdown_List(t *testing.T) {
	html := `<html><body><ul><li>one</li><li>two</li></ul></body></html>`
	md, err := htmlToMarkdown(html)
	require.NoError(t, err)
	assert.Contains(t, md, "- one")
	assert.Contains(t, md, "- two")
}
