// Package httpapi exposes the core as a thin net/http shim over the
// wire shapes of SPEC_FULL.md §6. It is a demonstration surface, not
// a routed API product: no OpenAPI document, no session-cookie auth,
// no user CRUD — grounded on the teacher's REST handler, generalized
// to wrap the request pipeline directly instead of a gRPC service.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/scoutcore/internal/auth"
	"github.com/corvidlabs/scoutcore/internal/monitoring"
	"github.com/corvidlabs/scoutcore/internal/ops"
	"github.com/corvidlabs/scoutcore/internal/pipeline"
)

// paramsValidator is shared across every operation's decoded params
// struct; validator.Validate is safe for concurrent use.
var paramsValidator = validator.New()

// Handler serves the public operation endpoints and the monitoring
// control surface.
type Handler struct {
	pipeline   *pipeline.Pipeline
	authn      auth.Authenticator
	monitoring *monitoring.Engine
	extractor  *ops.Extractor
	search     *ops.SearchClient
	log        zerolog.Logger
}

func NewHandler(p *pipeline.Pipeline, authn auth.Authenticator, mon *monitoring.Engine, extractor *ops.Extractor, search *ops.SearchClient, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline:   p,
		authn:      authn,
		monitoring: mon,
		extractor:  extractor,
		search:     search,
		log:        log.With().Str("component", "http_api").Logger(),
	}
}

// RegisterRoutes registers every handler on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/screenshot", h.authed(h.handleOperation(ops.OpScreenshot)))
	mux.HandleFunc("/v1/content", h.authed(h.handleOperation(ops.OpContent)))
	mux.HandleFunc("/v1/markdown", h.authed(h.handleOperation(ops.OpMarkdown)))
	mux.HandleFunc("/v1/links", h.authed(h.handleOperation(ops.OpLinks)))
	mux.HandleFunc("/v1/pdf", h.authed(h.handleOperation(ops.OpPDF)))
	mux.HandleFunc("/v1/scrape", h.authed(h.handleOperation(ops.OpScrape)))
	mux.HandleFunc("/v1/search", h.authed(h.handleOperation(ops.OpSearch)))
	mux.HandleFunc("/v1/json-extraction", h.authed(h.handleOperation(ops.OpJSONExtraction)))

	mux.HandleFunc("/v1/monitoring/start", h.authed(h.handleMonitoringStart))
	mux.HandleFunc("/v1/monitoring/stop", h.authed(h.handleMonitoringStop))
	mux.HandleFunc("/v1/monitoring/status", h.authed(h.handleMonitoringStatus))
	mux.HandleFunc("/v1/monitoring/results", h.authed(h.handleMonitoringResults))
	mux.HandleFunc("/v1/monitoring/stats", h.authed(h.handleMonitoringStats))
	mux.HandleFunc("/v1/monitoring/run-once", h.authed(h.handleMonitoringRunOnce))

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

type identityKey struct{}

// authed wraps a handler with bearer-token resolution, stashing the
// resolved identity in the request context.
func (h *Handler) authed(next func(http.ResponseWriter, *http.Request, auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, pipeline.CodeValidationError, "missing bearer token")
			return
		}
		id, err := h.authn.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, pipeline.CodeValidationError, "invalid credentials")
			return
		}
		next(w, r, id)
	}
}

// handleOperation builds the generic POST /v1/<op> handler: decode
// params into the operation's struct, build a pipeline.Request with
// the right codec and Execute closure, run it, and write the
// envelope.
func (h *Handler) handleOperation(operation string) func(http.ResponseWriter, *http.Request, auth.Identity) {
	return func(w http.ResponseWriter, r *http.Request, id auth.Identity) {
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, pipeline.CodeValidationError, "method not allowed")
			return
		}

		var raw map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			h.writeError(w, http.StatusBadRequest, pipeline.CodeValidationError, "invalid JSON: "+err.Error())
			return
		}

		req, err := h.buildRequest(operation, id.UserID, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, pipeline.CodeValidationError, err.Error())
			return
		}

		resp, err := h.pipeline.Run(r.Context(), req)
		if err != nil {
			h.log.Error().Err(err).Str("operation", operation).Msg("pipeline run failed")
			h.writeError(w, http.StatusInternalServerError, pipeline.CodeInternalError, "internal error")
			return
		}

		status := http.StatusOK
		if !resp.Success {
			status = statusForCode(resp.Error.Code)
		}
		h.writeJSON(w, status, resp)
	}
}

func statusForCode(code string) int {
	switch code {
	case pipeline.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case pipeline.CodeValidationError:
		return http.StatusBadRequest
	case pipeline.CodeNotFound:
		return http.StatusNotFound
	case pipeline.CodeBrowserBusy:
		return http.StatusServiceUnavailable
	case pipeline.CodeTimeout:
		return http.StatusGatewayTimeout
	case pipeline.CodeExtractionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleMonitoringStart(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	var cfg monitoring.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, pipeline.CodeValidationError, "invalid JSON: "+err.Error())
		return
	}
	if err := h.monitoring.Start(cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, pipeline.CodeValidationError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.monitoring.Status())
}

func (h *Handler) handleMonitoringStop(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	h.monitoring.Stop()
	h.writeJSON(w, http.StatusOK, h.monitoring.Status())
}

func (h *Handler) handleMonitoringStatus(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	h.writeJSON(w, http.StatusOK, h.monitoring.Status())
}

func (h *Handler) handleMonitoringResults(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	q := monitoring.ResultsQuery{
		Endpoint:    r.URL.Query().Get("endpoint"),
		SuccessOnly: r.URL.Query().Get("successOnly") == "true",
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}
	results, err := h.monitoring.Results(r.Context(), q)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, pipeline.CodeInternalError, "failed to load results")
		return
	}
	h.writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleMonitoringStats(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	stats, err := h.monitoring.Stats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, pipeline.CodeInternalError, "failed to load stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleMonitoringRunOnce(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	sess, err := h.monitoring.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, pipeline.CodeInternalError, "monitoring cycle failed")
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, pipeline.Response{
		Success: false,
		Error:   &pipeline.ErrorInfo{Code: code, Message: message},
	})
}

// CORS mirrors the teacher's development CORS middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware mirrors the teacher's request logger.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.status).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
