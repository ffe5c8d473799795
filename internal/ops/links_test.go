package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHost_StripsWWWAndCase(t *testing.T) {
	assert.Equal(t, normalizeHost("https://Example.com/a"), normalizeHost("http://www.example.com/b"))
}

func TestNormalizeHost_DifferentHostsDiffer(t *testing.T) {
	assert.NotEqual(t, normalizeHost("https://example.com"), normalizeHost("https://other.example.org"))
}

func TestNormalizeHost_InvalidURL(t *testing.T) {
	assert.Equal(t, "", normalizeHost("::not a url::"))
}

func TestLinksParams_IncludeExternalDefaultsTrue(t *testing.T) {
	p := LinksParams{URL: "https://example.com"}
	assert.True(t, p.includeExternal())

	f := false
	p.IncludeExternal = &f
	assert.False(t, p.includeExternal())
}
