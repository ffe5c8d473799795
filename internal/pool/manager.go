// Package pool implements the Browser Pool Manager: the single
// actor that owns the authoritative worker registry and the in-memory
// FIFO admission queue, brokering every browser.Worker between
// waiting callers.
//
// The manager's check-then-act admission decision runs inside a
// dedicated actor goroutine reading off a command channel — the
// idiomatic Go rendering of "serialize this actor's entry points"
// from the concurrency model, mirroring the teacher's own
// channel-based async write queue. Slow I/O (actually launching a
// browser session) is kept outside that critical section: the manager
// inserts a reserved placeholder record into the registry atomically
// with its admission decision, then performs the launch outside the
// lock, then commits the session onto that same record — so one slow
// launch never blocks every other Acquire/ReportStatus call, and the
// registry's count reflects every pending worker from the instant it
// is admitted.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/scoutcore/internal/browser"
	"github.com/corvidlabs/scoutcore/internal/metrics"
)

// Record is the pool manager's projection of a worker's state, per
// spec's BrowserWorker data model. It is not the worker's own session
// state — that is owned by the browser.Worker process.
type Record struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	SessionID    string    `json:"sessionId,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	Created      time.Time `json:"created"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ErrorCount   int       `json:"errorCount"`
}

// ErrPoolExhausted is returned when a waiter's queue deadline elapses
// before a worker becomes available.
var ErrPoolExhausted = fmt.Errorf("pool: exhausted")

type waiter struct {
	id       string
	result   chan acquireResult
	resolved bool
}

type acquireResult struct {
	workerID  string
	sessionID string
	err       error
}

// Config carries the pool's capacity and timing knobs.
type Config struct {
	MaxWorkers           int
	QueueMaxWait         time.Duration
	BrowserCreationDelay time.Duration
	Worker               browser.Config
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:           10,
		QueueMaxWait:         15 * time.Second,
		BrowserCreationDelay: 5 * time.Second,
		Worker:               browser.DefaultConfig(),
	}
}

// Manager is the Browser Pool Manager actor.
type Manager struct {
	redis   *redis.Client
	backend browser.Backend
	log     zerolog.Logger
	cfg     Config

	cmdCh chan func()
	stop  chan struct{}

	registry map[string]*Record
	workers  map[string]*browser.Worker
	queue    []*waiter
}

func New(rdb *redis.Client, backend browser.Backend, log zerolog.Logger, cfg Config) *Manager {
	m := &Manager{
		redis:    rdb,
		backend:  backend,
		log:      log.With().Str("component", "pool_manager").Logger(),
		cfg:      cfg,
		cmdCh:    make(chan func()),
		stop:     make(chan struct{}),
		registry: make(map[string]*Record),
		workers:  make(map[string]*browser.Worker),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for {
		select {
		case fn := <-m.cmdCh:
			fn()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) exec(fn func()) {
	done := make(chan struct{})
	select {
	case m.cmdCh <- func() { fn(); close(done) }:
		<-done
	case <-m.stop:
	}
}

const registryKey = "pool:registry"

func (m *Manager) persist(r *Record) {
	raw, err := json.Marshal(r)
	if err != nil {
		m.log.Warn().Err(err).Str("worker_id", r.ID).Msg("marshal registry record failed")
		return
	}
	if err := m.redis.HSet(context.Background(), registryKey, r.ID, raw).Err(); err != nil {
		m.log.Warn().Err(err).Str("worker_id", r.ID).Msg("persist registry record failed")
	}
}

func (m *Manager) removePersisted(id string) {
	if err := m.redis.HDel(context.Background(), registryKey, id).Err(); err != nil {
		m.log.Warn().Err(err).Str("worker_id", id).Msg("remove registry record failed")
	}
}

// LoadFromRedis reloads the registry from durable storage at startup,
// before accepting RPCs. Every reloaded record is put in the `error`
// state with its session id cleared and gets a fresh in-process worker
// actor, so stale session ids are never trusted across a restart.
// LoadFromRedis does not relaunch any session itself.
func (m *Manager) LoadFromRedis(ctx context.Context) error {
	raw, err := m.redis.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return fmt.Errorf("pool: load registry: %w", err)
	}
	m.exec(func() {
		for id, data := range raw {
			var r Record
			if err := json.Unmarshal([]byte(data), &r); err != nil {
				continue
			}
			r.Status = StatusError
			r.SessionID = ""
			m.registry[id] = &r
			m.workers[id] = browser.NewWorker(id, m.backend, m, m.log, m.cfg.Worker)
		}
	})
	return nil
}

func newWorkerID() string {
	return fmt.Sprintf("browser-%d", time.Now().UnixNano())
}

// Acquire admits a caller to a worker, per the admission algorithm in
// §4.4: reuse an idle worker, else create one under capacity, else
// enqueue and wait up to QueueMaxWait.
func (m *Manager) Acquire(ctx context.Context) (workerID, sessionID string, err error) {
	start := time.Now()
	defer func() { metrics.PoolAcquireDuration.Observe(time.Since(start).Seconds()) }()

	type decision struct {
		kind     string // "idle", "create", "wait"
		workerID string
		w        *waiter
	}

	var d decision
	m.exec(func() {
		for id, r := range m.registry {
			if r.Status == StatusIdle {
				r.Status = StatusBusy
				r.LastActivity = time.Now()
				m.persist(r)
				d = decision{kind: "idle", workerID: id}
				return
			}
		}
		if len(m.registry) < m.cfg.MaxWorkers {
			id := newWorkerID()
			r := &Record{ID: id, Status: StatusBusy, LastActivity: time.Now(), Created: time.Now()}
			m.registry[id] = r
			m.persist(r)
			d = decision{kind: "create", workerID: id}
			return
		}
		wt := &waiter{id: newWorkerID(), result: make(chan acquireResult, 1)}
		m.queue = append(m.queue, wt)
		metrics.PoolQueueDepth.Set(float64(len(m.queue)))
		d = decision{kind: "wait", w: wt}
	})

	switch d.kind {
	case "idle":
		sess := m.sessionIDFor(d.workerID)
		metrics.PoolAcquireOutcome.WithLabelValues("idle").Inc()
		return d.workerID, sess, nil

	case "create":
		id := d.workerID
		w := browser.NewWorker(id, m.backend, m, m.log, m.cfg.Worker)
		sessID, lerr := w.GenerateSessionId(ctx, id)
		if lerr != nil {
			w.Stop()
			m.exec(func() {
				delete(m.registry, id)
			})
			m.removePersisted(id)
			metrics.PoolAcquireOutcome.WithLabelValues("create_failed").Inc()
			return "", "", fmt.Errorf("pool: create worker: %w", lerr)
		}
		m.exec(func() {
			r, ok := m.registry[id]
			if !ok {
				r = &Record{ID: id, Created: time.Now()}
				m.registry[id] = r
			}
			r.Status = StatusBusy
			r.SessionID = sessID
			r.LastActivity = time.Now()
			m.workers[id] = w
			m.persist(r)
		})
		metrics.PoolAcquireOutcome.WithLabelValues("created").Inc()
		return id, sessID, nil

	default: // "wait"
		timer := time.NewTimer(m.cfg.QueueMaxWait)
		defer timer.Stop()
		select {
		case res := <-d.w.result:
			if res.err != nil {
				metrics.PoolAcquireOutcome.WithLabelValues("wait_failed").Inc()
				return "", "", res.err
			}
			metrics.PoolAcquireOutcome.WithLabelValues("wait_fulfilled").Inc()
			return res.workerID, res.sessionID, nil
		case <-timer.C:
			m.exec(func() {
				if d.w.resolved {
					return
				}
				d.w.resolved = true
				m.dropWaiter(d.w)
				metrics.PoolQueueDepth.Set(float64(len(m.queue)))
			})
			metrics.PoolAcquireOutcome.WithLabelValues("exhausted").Inc()
			return "", "", ErrPoolExhausted
		case <-ctx.Done():
			metrics.PoolAcquireOutcome.WithLabelValues("context_canceled").Inc()
			return "", "", ctx.Err()
		}
	}
}

func (m *Manager) sessionIDFor(workerID string) string {
	var sess string
	m.exec(func() {
		if r, ok := m.registry[workerID]; ok {
			sess = r.SessionID
		}
	})
	return sess
}

func (m *Manager) dropWaiter(w *waiter) {
	for i, q := range m.queue {
		if q == w {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

const (
	StatusIdle   = browser.StatusIdle
	StatusBusy   = browser.StatusBusy
	StatusError  = browser.StatusError
	StatusClosed = browser.StatusClosed
)

func looksOpaqueDefault(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// ReportStatus updates a worker's record and, on a transition to
// idle, fulfills the oldest queued waiter — implementing
// browser.StatusReporter so workers can call back into the manager.
func (m *Manager) ReportStatus(ctx context.Context, workerID, status, errorMessage string) error {
	var toFulfill *waiter
	var fulfillResult acquireResult
	var triggerRecovery bool

	m.exec(func() {
		r, ok := m.registry[workerID]
		if !ok {
			if looksOpaqueDefault(workerID) || len(m.registry) >= m.cfg.MaxWorkers {
				return
			}
			r = &Record{ID: workerID, Created: time.Now()}
			m.registry[workerID] = r
		}

		r.Status = status
		r.LastActivity = time.Now()
		if status == StatusError {
			r.ErrorMessage = errorMessage
			r.ErrorCount++
			triggerRecovery = true
		} else {
			r.ErrorMessage = ""
		}
		m.persist(r)

		if status == StatusIdle && len(m.queue) > 0 {
			wt := m.queue[0]
			m.queue = m.queue[1:]
			if !wt.resolved {
				wt.resolved = true
				r.Status = StatusBusy
				r.LastActivity = time.Now()
				m.persist(r)
				toFulfill = wt
				fulfillResult = acquireResult{workerID: workerID, sessionID: r.SessionID}
			}
		}
	})

	if toFulfill != nil {
		toFulfill.result <- fulfillResult
	}
	if triggerRecovery {
		go m.attemptRecovery(workerID)
	}
	return nil
}

// GetStatus returns a worker's current status, implementing
// browser.StatusReporter for a worker's polite-cleanup poll.
func (m *Manager) GetStatus(ctx context.Context, workerID string) (string, error) {
	var status string
	m.exec(func() {
		if r, ok := m.registry[workerID]; ok {
			status = r.Status
		}
	})
	return status, nil
}

// attemptRecovery relaunches a session for a worker that reported
// error. On success the worker goes idle and, if the queue is
// non-empty, fulfills the oldest waiter immediately without the
// waiter re-entering Acquire.
func (m *Manager) attemptRecovery(workerID string) {
	var w *browser.Worker
	m.exec(func() { w = m.workers[workerID] })
	if w == nil {
		return
	}

	sessID, err := w.GenerateSessionId(context.Background(), workerID)
	if err != nil {
		metrics.PoolRecoveryTotal.WithLabelValues("failed").Inc()
		m.log.Warn().Err(err).Str("worker_id", workerID).Msg("recovery failed")
		return
	}
	metrics.PoolRecoveryTotal.WithLabelValues("recovered").Inc()

	var toFulfill *waiter
	var fulfillResult acquireResult
	m.exec(func() {
		r, ok := m.registry[workerID]
		if !ok {
			return
		}
		r.SessionID = sessID
		r.ErrorMessage = ""
		r.ErrorCount = 0
		r.LastActivity = time.Now()

		if len(m.queue) > 0 {
			wt := m.queue[0]
			m.queue = m.queue[1:]
			if !wt.resolved {
				wt.resolved = true
				r.Status = StatusBusy
				toFulfill = wt
				fulfillResult = acquireResult{workerID: workerID, sessionID: sessID}
			}
		} else {
			r.Status = StatusIdle
		}
		m.persist(r)
	})

	if toFulfill != nil {
		toFulfill.result <- fulfillResult
	}
	m.log.Info().Str("worker_id", workerID).Msg("worker recovered")
}

// BatchResult is the outcome of CreateBatch.
type BatchResult struct {
	Requested int
	Created   int
	Skipped   int
	Details   []string
}

// CreateBatch creates up to n workers, never pushing the registry past
// MaxWorkers even against concurrent Acquire/CreateBatch calls: each
// iteration reserves its registry slot atomically (same pattern as
// Acquire's create path) immediately before attempting the slow
// launch, rather than computing available room once up front.
// Successive creations are staggered by BrowserCreationDelay to avoid
// provider rate limits.
func (m *Manager) CreateBatch(ctx context.Context, n int) (BatchResult, error) {
	result := BatchResult{Requested: n}
	var errs *multierror.Error

	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-time.After(m.cfg.BrowserCreationDelay):
			case <-ctx.Done():
				errs = multierror.Append(errs, ctx.Err())
				result.Skipped += n - i
				goto batchDone
			}
		}

		var id string
		var reserved bool
		m.exec(func() {
			if len(m.registry) >= m.cfg.MaxWorkers {
				return
			}
			id = newWorkerID()
			r := &Record{ID: id, Status: StatusBusy, LastActivity: time.Now(), Created: time.Now()}
			m.registry[id] = r
			m.persist(r)
			reserved = true
		})
		if !reserved {
			result.Skipped += n - i
			goto batchDone
		}

		w := browser.NewWorker(id, m.backend, m, m.log, m.cfg.Worker)
		sessID, err := w.GenerateSessionId(ctx, id)
		if err != nil {
			w.Stop()
			m.exec(func() { delete(m.registry, id) })
			m.removePersisted(id)
			errs = multierror.Append(errs, fmt.Errorf("worker %s: %w", id, err))
			result.Details = append(result.Details, fmt.Sprintf("%s: failed: %v", id, err))
			continue
		}

		m.exec(func() {
			r, ok := m.registry[id]
			if !ok {
				r = &Record{ID: id, Created: time.Now()}
				m.registry[id] = r
			}
			r.Status = StatusIdle
			r.SessionID = sessID
			r.LastActivity = time.Now()
			m.workers[id] = w
			m.persist(r)
		})
		result.Created++
		result.Details = append(result.Details, fmt.Sprintf("%s: created", id))
	}

batchDone:
	if errs.ErrorOrNil() != nil {
		return result, errs
	}
	return result, nil
}

// RemoveWorker tears down a single worker and drops its record.
func (m *Manager) RemoveWorker(ctx context.Context, id string) error {
	var w *browser.Worker
	m.exec(func() {
		w = m.workers[id]
		delete(m.workers, id)
		delete(m.registry, id)
	})
	m.removePersisted(id)
	if w == nil {
		return nil
	}
	err := w.Cleanup(ctx, id)
	w.Stop()
	return err
}

// DeleteAll tears down every worker and clears the registry wholesale.
func (m *Manager) DeleteAll(ctx context.Context) error {
	var ids []string
	m.exec(func() {
		for id := range m.registry {
			ids = append(ids, id)
		}
	})
	var errs *multierror.Error
	for _, id := range ids {
		if err := m.RemoveWorker(ctx, id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := m.redis.Del(context.Background(), registryKey).Err(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Stats is the aggregate pool view per §4.4 "stats surface".
type Stats struct {
	Total      int
	ByStatus   map[string]int
	QueueDepth int
}

func (m *Manager) GetStats() Stats {
	stats := Stats{ByStatus: make(map[string]int)}
	m.exec(func() {
		stats.Total = len(m.registry)
		for _, r := range m.registry {
			stats.ByStatus[r.Status]++
		}
		stats.QueueDepth = len(m.queue)
	})
	for _, status := range []string{StatusIdle, StatusBusy, StatusError, StatusClosed} {
		metrics.PoolWorkers.WithLabelValues(status).Set(float64(stats.ByStatus[status]))
	}
	metrics.PoolQueueDepth.Set(float64(stats.QueueDepth))
	return stats
}

// DetailedRecord extends Record with the inactivity duration derived
// at read time, for GetDetailedStatus.
type DetailedRecord struct {
	Record
	Inactivity time.Duration
	Age        time.Duration
}

func (m *Manager) GetDetailedStatus() []DetailedRecord {
	var out []DetailedRecord
	now := time.Now()
	m.exec(func() {
		for _, r := range m.registry {
			out = append(out, DetailedRecord{
				Record:     *r,
				Inactivity: now.Sub(r.LastActivity),
				Age:        now.Sub(r.Created),
			})
		}
	})
	return out
}

// Worker returns the in-process browser.Worker actor backing a
// registry id, or nil if unknown. Used by the Request Pipeline to
// drive execution after Acquire hands back a worker id.
func (m *Manager) Worker(id string) *browser.Worker {
	var w *browser.Worker
	m.exec(func() { w = m.workers[id] })
	return w
}

// Stop terminates the manager's actor goroutine. Worker actors are not
// stopped — callers that want a full shutdown should call DeleteAll
// first.
func (m *Manager) Stop() { close(m.stop) }
