package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodec_KnownOperationsResolve(t *testing.T) {
	for _, op := range []string{OpScreenshot, OpContent, OpMarkdown, OpLinks, OpPDF, OpScrape, OpSearch, OpJSONExtraction} {
		assert.NotNil(t, Codec(op), "operation %q should resolve a codec", op)
	}
}

func TestCodec_UnknownOperationIsNil(t *testing.T) {
	assert.Nil(t, Codec("not-a-real-operation"))
}

func TestDefaultCreditCosts_CoverAllOperations(t *testing.T) {
	for _, op := range []string{OpScreenshot, OpContent, OpMarkdown, OpLinks, OpPDF, OpScrape, OpSearch, OpJSONExtraction} {
		cost, ok := DefaultCreditCosts[op]
		assert.True(t, ok, "missing cost for %q", op)
		assert.Greater(t, cost, int64(0))
	}
}
