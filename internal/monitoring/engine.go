package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/scoutcore/internal/metrics"
)

// ErrConfigError is returned by Start when the supplied configuration
// is unusable (e.g. no API key configured for the public endpoint).
var ErrConfigError = fmt.Errorf("monitoring: config error")

// Config merges with DefaultConfig on Start; zero fields fall back to
// their documented defaults.
type Config struct {
	IntervalMs       int
	TimeoutMs        int
	EnabledEndpoints []string
	BaseURL          string
	APIKey           string
	AlertThreshold   int
}

func DefaultConfig() Config {
	return Config{
		IntervalMs:     5 * 60 * 1000,
		TimeoutMs:      30 * 1000,
		AlertThreshold: 3,
		EnabledEndpoints: []string{
			"screenshot", "content", "markdown", "links", "pdf", "scrape", "search", "json_extraction",
		},
	}
}

func (c Config) interval() time.Duration { return time.Duration(c.IntervalMs) * time.Millisecond }
func (c Config) timeout() time.Duration  { return time.Duration(c.TimeoutMs) * time.Millisecond }

// canonicalPayloads is the fixed per-operation test input table: a
// stable, known-good URL and minimal parameters for each endpoint, so
// every cycle exercises the same request shape.
var canonicalPayloads = map[string]map[string]interface{}{
	"screenshot":      {"url": "https://example.com"},
	"content":         {"url": "https://example.com"},
	"markdown":        {"url": "https://example.com"},
	"links":           {"url": "https://example.com"},
	"pdf":             {"url": "https://example.com"},
	"scrape":          {"url": "https://example.com", "elements": []map[string]interface{}{{"selector": "h1"}}},
	"search":          {"query": "example", "limit": 1},
	"json_extraction": {"url": "https://example.com", "prompt": "extract the page title"},
}

// Status is the Status() control-surface response.
type Status struct {
	Active     bool
	Config     Config
	NextTestAt *time.Time
}

// Engine is the Monitoring Engine actor: one dedicated goroutine owns
// all mutable state (active flag, config, alarm scheduling, streak
// tracking), matching the same serializing-goroutine-per-actor pattern
// used by the browser worker and pool manager.
type Engine struct {
	store   *Store
	alerter *Alerter
	log     zerolog.Logger
	client  *http.Client

	cmdCh chan func()
	stop  chan struct{}

	active     bool
	cfg        Config
	nextTestAt *time.Time
	timer      *time.Timer
}

func NewEngine(store *Store, alerter *Alerter, log zerolog.Logger) *Engine {
	e := &Engine{
		store:   store,
		alerter: alerter,
		log:     log.With().Str("component", "monitoring_engine").Logger(),
		client:  &http.Client{},
		cmdCh:   make(chan func()),
		stop:    make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.cmdCh:
			fn()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) exec(fn func()) {
	done := make(chan struct{})
	select {
	case e.cmdCh <- func() { fn(); close(done) }:
		<-done
	case <-e.stop:
	}
}

// Start merges cfg with defaults, validates an API key is present, and
// schedules the first alarm.
func (e *Engine) Start(cfg Config) error {
	merged := mergeConfig(cfg)
	if merged.APIKey == "" {
		return fmt.Errorf("%w: api key is required", ErrConfigError)
	}
	if merged.IntervalMs < 60_000 || merged.IntervalMs > 24*60*60*1000 {
		return fmt.Errorf("%w: intervalMs out of range [1m, 24h]", ErrConfigError)
	}

	e.exec(func() {
		e.cfg = merged
		e.active = true
		e.scheduleLocked(merged.interval())
	})
	return nil
}

// Stop clears active and cancels the pending alarm.
func (e *Engine) Stop() {
	e.exec(func() {
		e.active = false
		if e.timer != nil {
			e.timer.Stop()
		}
		e.nextTestAt = nil
	})
}

func (e *Engine) Status() Status {
	var s Status
	e.exec(func() {
		s = Status{Active: e.active, Config: e.cfg, NextTestAt: e.nextTestAt}
	})
	return s
}

func (e *Engine) Results(ctx context.Context, q ResultsQuery) ([]TestResult, error) {
	return e.store.Results(ctx, q)
}

func (e *Engine) Stats(ctx context.Context) ([]EndpointStats, error) {
	return e.store.Stats(ctx)
}

// RunOnce executes a single cycle immediately, regardless of the
// alarm schedule.
func (e *Engine) RunOnce(ctx context.Context) (TestSession, error) {
	var cfg Config
	e.exec(func() { cfg = e.cfg })
	return e.runCycle(ctx, cfg)
}

// scheduleLocked arms the alarm timer; must be called from inside
// exec.
func (e *Engine) scheduleLocked(d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	next := time.Now().Add(d)
	e.nextTestAt = &next
	e.timer = time.AfterFunc(d, e.alarm)
}

// alarm is the periodic handler: if inactive, it's a no-op; otherwise
// it runs one cycle and reschedules now+intervalMs regardless of
// outcome, so a failing cycle never stalls the schedule.
func (e *Engine) alarm() {
	var active bool
	var cfg Config
	e.exec(func() {
		active = e.active
		cfg = e.cfg
	})
	if !active {
		return
	}

	if _, err := e.runCycle(context.Background(), cfg); err != nil {
		e.log.Error().Err(err).Msg("monitoring cycle failed")
	}

	e.exec(func() {
		if e.active {
			e.scheduleLocked(e.cfg.interval())
		}
	})
}

// runCycle drives every enabled endpoint in sequence with its
// canonical payload, recording each result and folding it into the
// endpoint's running stats, wrapped in one TestSession row.
func (e *Engine) runCycle(ctx context.Context, cfg Config) (TestSession, error) {
	sess := TestSession{ID: uuid.New().String(), StartedAt: time.Now()}
	if err := e.store.InsertSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("monitoring: insert session: %w", err)
	}

	var totalMs int64
	for _, endpoint := range cfg.EnabledEndpoints {
		result := e.testEndpoint(ctx, cfg, endpoint, sess.ID)
		sess.EndpointCount++
		totalMs += result.ResponseTimeMs
		if result.Success {
			sess.SuccessCount++
		} else {
			sess.FailureCount++
		}

		if err := e.store.InsertResult(ctx, result); err != nil {
			e.log.Error().Err(err).Str("endpoint", endpoint).Msg("failed to record test result")
		}
		if err := e.store.UpsertEndpointStats(ctx, result); err != nil {
			e.log.Error().Err(err).Str("endpoint", endpoint).Msg("failed to update endpoint stats")
		}

		e.checkAlert(ctx, endpoint, result)
	}

	finished := time.Now()
	sess.FinishedAt = &finished
	if sess.EndpointCount > 0 {
		sess.AvgResponseTimeMs = float64(totalMs) / float64(sess.EndpointCount)
	}
	if err := e.store.FinalizeSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("monitoring: finalize session: %w", err)
	}
	return sess, nil
}

// checkAlert pages the configured Slack channel the moment an
// endpoint's consecutive-failure streak reaches the threshold,
// relying on the streak count itself (not a separate "already
// alerted" flag) to avoid re-paging on every subsequent failure.
func (e *Engine) checkAlert(ctx context.Context, endpoint string, result TestResult) {
	if result.Success || e.alerter == nil {
		return
	}
	streak, err := e.store.ConsecutiveFailures(ctx, endpoint)
	if err != nil {
		e.log.Error().Err(err).Str("endpoint", endpoint).Msg("failed to compute failure streak")
		return
	}
	threshold := e.cfgSnapshot().AlertThreshold
	if streak == threshold {
		e.alerter.NotifyFailing(ctx, endpoint, streak, result.ErrorMessage)
	}
}

func (e *Engine) cfgSnapshot() Config {
	var cfg Config
	e.exec(func() { cfg = e.cfg })
	return cfg
}

// testEndpoint synthesizes the endpoint's canonical payload, POSTs it
// to the public API with bearer auth and the configured timeout, and
// times the round trip.
func (e *Engine) testEndpoint(ctx context.Context, cfg Config, endpoint, sessionID string) TestResult {
	result := TestResult{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}

	payload, ok := canonicalPayloads[endpoint]
	if !ok {
		result.ErrorMessage = fmt.Sprintf("no canonical payload for endpoint %q", endpoint)
		return result
	}
	body, err := json.Marshal(payload)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	// Endpoint ids use underscores; the public routes use hyphens
	// (json_extraction is served at /v1/json-extraction).
	path := strings.ReplaceAll(endpoint, "_", "-")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.BaseURL+"/v1/"+path, bytes.NewReader(body))
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	start := time.Now()
	resp, err := e.client.Do(req)
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	result.StatusCode = resp.StatusCode
	result.ResponseSize = len(respBody)
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("status %d", resp.StatusCode)
	}

	metrics.MonitoringProbeDuration.WithLabelValues(endpoint).Observe(float64(result.ResponseTimeMs) / 1000)
	metrics.MonitoringCycleResults.WithLabelValues(endpoint, fmt.Sprintf("%t", result.Success)).Inc()

	var envelope struct {
		CreditsCost int64 `json:"creditsCost"`
	}
	if json.Unmarshal(respBody, &envelope) == nil {
		result.CreditsCost = envelope.CreditsCost
	}
	return result
}

func mergeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.IntervalMs > 0 {
		def.IntervalMs = cfg.IntervalMs
	}
	if cfg.TimeoutMs > 0 {
		def.TimeoutMs = cfg.TimeoutMs
	}
	if len(cfg.EnabledEndpoints) > 0 {
		def.EnabledEndpoints = cfg.EnabledEndpoints
	}
	if cfg.AlertThreshold > 0 {
		def.AlertThreshold = cfg.AlertThreshold
	}
	def.BaseURL = cfg.BaseURL
	def.APIKey = cfg.APIKey
	return def
}

// Shutdown releases the actor goroutine. Safe to call once.
func (e *Engine) Shutdown() {
	close(e.stop)
}
