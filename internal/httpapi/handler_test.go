package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corvidlabs/scoutcore/internal/pipeline"
)

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		pipeline.CodeInsufficientCredits: http.StatusPaymentRequired,
		pipeline.CodeValidationError:     http.StatusBadRequest,
		pipeline.CodeNotFound:            http.StatusNotFound,
		pipeline.CodeBrowserBusy:         http.StatusServiceUnavailable,
		pipeline.CodeTimeout:             http.StatusGatewayTimeout,
		pipeline.CodeExtractionFailed:    http.StatusUnprocessableEntity,
		pipeline.CodeInternalError:       http.StatusInternalServerError,
		"unknown_code":                   http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusForCode(code), "code=%s", code)
	}
}

func TestCORS_SetsHeadersAndShortCircuitsOptions(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodOptions, "/v1/links", nil)
	rec := httptest.NewRecorder()
	CORS(next).ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PassesThroughNonOptions(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	CORS(next).ServeHTTP(rec, req)

	assert.True(t, called)
}

func TestStatusRecorder_CapturesWrittenStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, sr.status)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
