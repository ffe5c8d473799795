package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// sessionState is the worker's own view of its session lifecycle,
// distinct from the pool manager's {idle,busy,error,closed} view of
// the worker slot.
type sessionState int

const (
	stateEmpty sessionState = iota
	stateLive
	stateRefreshing
)

// Pool-record status strings, shared with the pool manager so both
// packages speak the same vocabulary without an import cycle (browser
// has no dependency on pool).
const (
	StatusIdle   = "idle"
	StatusBusy   = "busy"
	StatusError  = "error"
	StatusClosed = "closed"
)

// StatusReporter is the worker's view of the pool manager: report a
// status transition, and poll the manager's current view of this
// worker during polite cleanup.
type StatusReporter interface {
	ReportStatus(ctx context.Context, workerID, status, errorMessage string) error
	GetStatus(ctx context.Context, workerID string) (status string, err error)
}

// Config carries the worker's timing knobs, all sourced from operator
// configuration per spec defaults.
type Config struct {
	HealthCheckInterval time.Duration
	RefreshThreshold    time.Duration
	PoliteCleanupPoll   time.Duration
	PoliteCleanupTotal  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 3 * time.Minute,
		RefreshThreshold:    8*time.Minute + 30*time.Second,
		PoliteCleanupPoll:   5 * time.Second,
		PoliteCleanupTotal:  35 * time.Second,
	}
}

// Worker owns at most one live browser session. All state mutation
// happens inside its single actor goroutine via exec, so no field is
// ever touched from two goroutines at once — the idiomatic Go
// rendering of the single-threaded-per-actor contract.
type Worker struct {
	id       string
	backend  Backend
	reporter StatusReporter
	log      zerolog.Logger
	cfg      Config

	cmdCh chan func()
	stop  chan struct{}

	state     sessionState
	sessionID string
	createdAt time.Time
}

func NewWorker(id string, backend Backend, reporter StatusReporter, log zerolog.Logger, cfg Config) *Worker {
	w := &Worker{
		id:       id,
		backend:  backend,
		reporter: reporter,
		log:      log.With().Str("component", "browser_worker").Str("worker_id", id).Logger(),
		cfg:      cfg,
		cmdCh:    make(chan func()),
		stop:     make(chan struct{}),
		state:    stateEmpty,
	}
	go w.run()
	go w.healthLoop()
	return w
}

func (w *Worker) run() {
	for {
		select {
		case fn := <-w.cmdCh:
			fn()
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) exec(fn func()) {
	done := make(chan struct{})
	select {
	case w.cmdCh <- func() { fn(); close(done) }:
		<-done
	case <-w.stop:
	}
}

// ID returns the worker's stable identity.
func (w *Worker) ID() string { return w.id }

// SessionID returns the currently advertised (green) session id, or
// "" if the worker has none.
func (w *Worker) SessionID() string {
	var id string
	w.exec(func() { id = w.sessionID })
	return id
}

// GenerateSessionId launches a new session, retrying up to three
// times with 1s/2s/3s delays between attempts — the provider is
// assumed to fail transiently, never permanently, within this window.
// On success the new session becomes the worker's advertised (green)
// session and the health alarm clock resets.
func (w *Worker) GenerateSessionId(ctx context.Context, expectedID string) (string, error) {
	bo := &linearBackoff{delays: []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}}

	var newID string
	op := func() error {
		id, err := w.backend.Launch(ctx)
		if err != nil {
			return err
		}
		newID = id
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		w.log.Warn().Err(err).Str("expected_id", expectedID).Msg("session launch exhausted retries")
		return "", fmt.Errorf("browser: generate session id: %w", err)
	}

	w.exec(func() {
		w.sessionID = newID
		w.createdAt = time.Now()
		w.state = stateLive
	})
	w.log.Info().Str("session_id", newID).Msg("session launched")
	return newID, nil
}

// linearBackoff yields a fixed, caller-supplied sequence of delays and
// then stops — simpler than an exponential schedule and matches the
// documented 1s/2s/3s retry cadence exactly.
type linearBackoff struct {
	delays []time.Duration
	idx    int
}

func (l *linearBackoff) NextBackOff() time.Duration {
	if l.idx >= len(l.delays) {
		return backoff.Stop
	}
	d := l.delays[l.idx]
	l.idx++
	return d
}

func (l *linearBackoff) Reset() { l.idx = 0 }

// healthLoop runs the periodic session health alarm for the worker's
// lifetime.
func (w *Worker) healthLoop() {
	ticker := time.NewTicker(w.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.checkHealth(context.Background())
		case <-w.stop:
			return
		}
	}
}

// checkHealth probes the current session. If there is none, it is
// unhealthy, or it has crossed the refresh threshold, the worker marks
// itself refreshing and fires CloseAndNotify in the background.
func (w *Worker) checkHealth(ctx context.Context) {
	var needsRefresh bool
	var sessionID string
	w.exec(func() {
		sessionID = w.sessionID
		if w.state != stateLive || sessionID == "" {
			return
		}
		age := time.Since(w.createdAt)
		if age > w.cfg.RefreshThreshold {
			needsRefresh = true
			return
		}
	})

	if !needsRefresh && sessionID != "" {
		if err := w.backend.Probe(ctx, sessionID); err != nil {
			w.log.Warn().Err(err).Msg("health probe failed")
			needsRefresh = true
		}
	} else if sessionID == "" {
		needsRefresh = true
	}

	if !needsRefresh {
		return
	}

	w.exec(func() { w.state = stateRefreshing })
	go w.CloseAndNotify(context.Background())
}

// CloseAndNotify tells the pool manager this worker is now closed,
// then schedules PoliteCleanup of the old session in the background —
// the old (blue) session is never torn down until the manager
// confirms no request is attached.
func (w *Worker) CloseAndNotify(ctx context.Context) {
	var oldSessionID string
	w.exec(func() { oldSessionID = w.sessionID })

	if w.reporter != nil {
		if err := w.reporter.ReportStatus(ctx, w.id, StatusClosed, ""); err != nil {
			w.log.Warn().Err(err).Msg("report closed status failed")
		}
	}

	go w.PoliteCleanup(context.Background(), oldSessionID)
}

// PoliteCleanup polls the manager's view of this worker's status every
// PoliteCleanupPoll, up to PoliteCleanupTotal. As soon as the manager
// reports idle, closed, or error — meaning no in-flight request is
// attached — the old session is closed to release the provider slot
// early. If the timeout elapses first, the close is attempted anyway.
func (w *Worker) PoliteCleanup(ctx context.Context, oldSessionID string) {
	if oldSessionID == "" || w.reporter == nil {
		w.finishCleanup(ctx, oldSessionID)
		return
	}

	deadline := time.Now().Add(w.cfg.PoliteCleanupTotal)
	ticker := time.NewTicker(w.cfg.PoliteCleanupPoll)
	defer ticker.Stop()

	for {
		status, err := w.reporter.GetStatus(ctx, w.id)
		if err == nil && (status == StatusIdle || status == StatusClosed || status == StatusError) {
			w.finishCleanup(ctx, oldSessionID)
			return
		}
		if time.Now().After(deadline) {
			w.finishCleanup(ctx, oldSessionID)
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			w.finishCleanup(ctx, oldSessionID)
			return
		}
	}
}

func (w *Worker) finishCleanup(ctx context.Context, oldSessionID string) {
	if err := w.backend.Close(ctx, oldSessionID); err != nil {
		w.log.Warn().Err(err).Str("session_id", oldSessionID).Msg("polite cleanup close failed")
	}
	w.exec(func() {
		if w.sessionID == oldSessionID {
			w.sessionID = ""
			w.state = stateEmpty
		}
	})
}

// Cleanup closes the current session (if present) and clears durable
// session state. Used when the worker is being permanently removed
// from the pool.
func (w *Worker) Cleanup(ctx context.Context, expectedID string) error {
	var sessionID string
	w.exec(func() {
		sessionID = w.sessionID
		w.sessionID = ""
		w.createdAt = time.Time{}
		w.state = stateEmpty
	})
	if sessionID == "" {
		return nil
	}
	return w.backend.Close(ctx, sessionID)
}

// Produce opens a fresh page against the worker's current session and
// hands it to fn, which runs the operation-specific flow.
func (w *Worker) Produce(ctx context.Context, fn func(Page) error) error {
	sessionID := w.SessionID()
	if sessionID == "" {
		return fmt.Errorf("browser: worker %s has no live session", w.id)
	}
	page, err := w.backend.NewPage(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("browser: open page: %w", err)
	}
	defer page.Close()
	return fn(page)
}

// Stop terminates the worker's actor goroutines. It does not close the
// underlying session — callers that want that should call Cleanup
// first.
func (w *Worker) Stop() { close(w.stop) }
