// Package pipeline implements the Request Pipeline: the single
// orchestration path every operation request takes — credit check,
// cache lookup, pool-assigned execution, credit deduction, background
// cache write — shared by all eight public operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/scoutcore/internal/browser"
	"github.com/corvidlabs/scoutcore/internal/cache"
	"github.com/corvidlabs/scoutcore/internal/ledger"
	"github.com/corvidlabs/scoutcore/internal/metrics"
	"github.com/corvidlabs/scoutcore/internal/pool"
)

// Error codes per the response envelope's error.code vocabulary.
const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeValidationError     = "validation_error"
	CodeNotFound            = "not_found"
	CodeInternalError       = "internal_error"
	CodeBrowserBusy         = "browser_busy"
	CodeTimeout             = "timeout"
	CodeExtractionFailed    = "extraction_failed"
)

// Response is the envelope every operation returns, per spec §6.
type Response struct {
	Success          bool        `json:"success"`
	Data             interface{} `json:"data,omitempty"`
	Error            *ErrorInfo  `json:"error,omitempty"`
	CreditsCost      int64       `json:"creditsCost"`
	CreditsRemaining int64       `json:"creditsRemaining"`
	FromCache        bool        `json:"fromCache"`
}

type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorLogger receives every pipeline failure for fingerprinted
// deduplication. Defined here (not imported from internal/errorlog)
// to keep the pipeline decoupled from the log's storage details.
type ErrorLogger interface {
	Log(ctx context.Context, userID, operation, source, level, message string, statusCode int, context map[string]interface{})
}

// CacheEntryCodec marshals/unmarshals an operation's result to and
// from cache bytes. Each operation's data shape is different, so the
// pipeline stores pre-serialized bytes and relies on the caller's
// codec to round-trip it.
type CacheEntryCodec interface {
	Encode(data interface{}) ([]byte, string, error)
	Decode(body []byte) (interface{}, error)
}

// Request describes one pipeline invocation. CacheParams excludes
// userId and any non-deterministic fields per §4.2's key derivation
// rule. Execute performs the operation-specific flow (§4.6) against a
// freshly opened page in the pool-assigned session.
type Request struct {
	Operation   string
	UserID      string
	CacheParams map[string]interface{}
	CacheTags   []string
	Validate    func() error
	Codec       CacheEntryCodec
	Execute     func(ctx context.Context, page browser.Page) (interface{}, error)
}

// Config carries per-operation credit costs and cache TTLs, plus the
// documented policy toggles (§9 open questions).
type Config struct {
	Costs             map[string]int64
	CacheTTLs         map[string]time.Duration
	DisableCacheInDev bool
	DeductOnCacheHit  bool
	Development       bool

	// AcquireRetryAttempts/AcquireRetryBaseDelay govern the caller-side
	// connect retry: when an acquired worker's test-connect fails, the
	// pipeline reports it as error and re-enters Acquire, backing off
	// AcquireRetryBaseDelay*2^n between attempts. This is separate from
	// the pool's own internal recovery and from a worker's own
	// GenerateSessionId retry — both remain per §9.
	AcquireRetryAttempts  int
	AcquireRetryBaseDelay time.Duration
}

// Pipeline wires the Credit Ledger, Artifact Cache, and Browser Pool
// Manager into the five-step request flow.
type Pipeline struct {
	ledger    *ledger.Ledger
	cache     *cache.Cache
	pool      *pool.Manager
	errorLog  ErrorLogger
	validator *validator.Validate
	cfg       Config
	log       zerolog.Logger
}

func New(l *ledger.Ledger, c *cache.Cache, p *pool.Manager, errLog ErrorLogger, log zerolog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		ledger:    l,
		cache:     c,
		pool:      p,
		errorLog:  errLog,
		validator: validator.New(),
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the five-step pipeline for req and returns the
// response envelope. It never returns a Go error for an expected
// operational failure — those are encoded in the response; the error
// return is reserved for programmer errors (e.g. an unknown
// operation's cost is unconfigured).
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := p.run(ctx, req)
	metrics.PipelineDuration.WithLabelValues(req.Operation).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil || !resp.Success {
		outcome = "failure"
	}
	metrics.PipelineRequests.WithLabelValues(req.Operation, outcome).Inc()
	return resp, err
}

func (p *Pipeline) run(ctx context.Context, req Request) (Response, error) {
	if req.Validate != nil {
		if err := req.Validate(); err != nil {
			return Response{
				Success: false,
				Error:   &ErrorInfo{Message: err.Error(), Code: CodeValidationError},
			}, nil
		}
	}

	cost, ok := p.cfg.Costs[req.Operation]
	if !ok {
		return Response{}, fmt.Errorf("pipeline: no credit cost configured for operation %q", req.Operation)
	}

	// Step 1: credit check.
	balance, err := p.ledger.GetBalance(ctx, req.UserID)
	if err != nil {
		p.logFailure(ctx, req, CodeInternalError, "ledger inconsistency: "+err.Error(), 500)
		return Response{}, fmt.Errorf("pipeline: credit check: %w", err)
	}
	if balance.Credits < cost {
		return Response{
			Success:          false,
			Error:            &ErrorInfo{Message: "insufficient credits", Code: CodeInsufficientCredits},
			CreditsCost:      cost,
			CreditsRemaining: balance.Credits,
			FromCache:        false,
		}, nil
	}

	// Step 2: cache lookup (skipped when DisableCacheInDev is set).
	cacheKey := cache.Key(req.Operation+":"+req.UserID, req.CacheParams)
	if !p.cfg.DisableCacheInDev {
		if entry, hit := p.cache.Get(ctx, cacheKey); hit {
			data, derr := req.Codec.Decode(entry.Body)
			if derr == nil {
				metrics.PipelineCacheHits.WithLabelValues(req.Operation, "hit").Inc()
				remaining := balance.Credits
				if p.cfg.DeductOnCacheHit {
					remaining = balance.Credits - cost
					go p.backgroundDeduct(req, cost)
				}
				return Response{
					Success:          true,
					Data:             data,
					CreditsCost:      cost,
					CreditsRemaining: remaining,
					FromCache:        true,
				}, nil
			}
			p.log.Warn().Err(derr).Str("operation", req.Operation).Msg("cache entry decode failed, treating as miss")
		}
		metrics.PipelineCacheHits.WithLabelValues(req.Operation, "miss").Inc()
	}

	// Step 3: execute via the pool, retrying the acquire+test-connect on
	// failure per §4.4's caller-side connection retry.
	workerID, data, execErr := p.acquireAndExecute(ctx, req)
	if execErr != nil {
		code := CodeInternalError
		if errors.Is(execErr, pool.ErrPoolExhausted) {
			code = CodeBrowserBusy
		} else if errors.Is(execErr, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		p.logFailure(ctx, req, code, execErr.Error(), 0)
		return Response{
			Success:          false,
			Error:            &ErrorInfo{Message: execErr.Error(), Code: code},
			CreditsCost:      cost,
			CreditsRemaining: balance.Credits,
			FromCache:        false,
		}, nil
	}
	_ = p.pool.ReportStatus(ctx, workerID, pool.StatusIdle, "")

	// Step 5: success — schedule background deduct and cache write,
	// return immediately with the optimistic remaining balance.
	go p.backgroundDeduct(req, cost)
	go p.backgroundCacheWrite(req, cacheKey, data)

	return Response{
		Success:          true,
		Data:             data,
		CreditsCost:      cost,
		CreditsRemaining: balance.Credits - cost,
		FromCache:        false,
	}, nil
}

// acquireAndExecute acquires a worker and runs req.Execute against its
// current session. If the test-connect (opening a page on the freshly
// acquired session) or the execution itself fails, the worker is
// reported as error and the caller re-enters Acquire, backing off
// AcquireRetryBaseDelay*2^n between attempts, up to
// AcquireRetryAttempts total tries — separate from the pool's own
// internal recovery.
func (p *Pipeline) acquireAndExecute(ctx context.Context, req Request) (workerID string, data interface{}, err error) {
	attempts := p.cfg.AcquireRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.cfg.AcquireRetryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}

		id, _, acquireErr := p.pool.Acquire(ctx)
		if acquireErr != nil {
			lastErr = acquireErr
			if errors.Is(acquireErr, context.Canceled) || errors.Is(acquireErr, context.DeadlineExceeded) {
				return "", nil, acquireErr
			}
			continue
		}

		w := p.poolWorker(id)
		var execErr error
		var result interface{}
		if w == nil {
			execErr = fmt.Errorf("pipeline: worker %s not found after acquire", id)
		} else {
			execErr = w.Produce(ctx, func(page browser.Page) error {
				var innerErr error
				result, innerErr = req.Execute(ctx, page)
				return innerErr
			})
		}

		if execErr == nil {
			return id, result, nil
		}

		lastErr = execErr
		_ = p.pool.ReportStatus(ctx, id, pool.StatusError, execErr.Error())
		p.log.Warn().Err(execErr).Str("worker_id", id).Int("attempt", attempt+1).
			Str("operation", req.Operation).Msg("test-connect failed, re-entering acquire")
	}
	return "", nil, lastErr
}

func (p *Pipeline) poolWorker(workerID string) *browser.Worker {
	// The pool package intentionally does not expose raw worker
	// pointers from Acquire to keep its return value storage-shaped;
	// Produce is reached through the manager's own bookkeeping. In
	// this single-process deployment the manager and pipeline share
	// the same worker registry, so the pipeline looks the worker up
	// via GetDetailedStatus's sibling accessor.
	return p.pool.Worker(workerID)
}

func (p *Pipeline) backgroundDeduct(req Request, cost int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	meta := map[string]string{"operation": req.Operation}
	if _, err := p.ledger.Deduct(ctx, req.UserID, cost, ledger.OpReason(req.Operation), meta); err != nil {
		p.log.Error().Err(err).Str("user_id", req.UserID).Str("operation", req.Operation).Msg("background deduct failed")
	}
}

func (p *Pipeline) backgroundCacheWrite(req Request, key string, data interface{}) {
	if req.Codec == nil {
		return
	}
	body, contentType, err := req.Codec.Encode(data)
	if err != nil {
		p.log.Warn().Err(err).Str("operation", req.Operation).Msg("cache encode failed")
		return
	}
	ttl := p.cfg.CacheTTLs[req.Operation]
	if ttl <= 0 {
		ttl = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.cache.Put(ctx, key, body, contentType, ttl, req.CacheTags...)
}

func (p *Pipeline) logFailure(ctx context.Context, req Request, code, message string, statusCode int) {
	if p.errorLog == nil {
		return
	}
	go p.errorLog.Log(context.Background(), req.UserID, req.Operation, "pipeline", "error", message, statusCode,
		map[string]interface{}{"code": code})
}
