package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/scoutcore/internal/browser"
)

type fakeBackend struct {
	mu          sync.Mutex
	counter     int
	launchDelay time.Duration
}

func (f *fakeBackend) Launch(ctx context.Context) (string, error) {
	if f.launchDelay > 0 {
		time.Sleep(f.launchDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return fmt.Sprintf("session-%d", f.counter), nil
}

func (f *fakeBackend) Probe(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBackend) Close(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBackend) NewPage(ctx context.Context, sessionID string) (browser.Page, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

func newTestManager(t *testing.T, maxWorkers int, queueMaxWait time.Duration) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := DefaultConfig()
	cfg.MaxWorkers = maxWorkers
	cfg.QueueMaxWait = queueMaxWait
	cfg.BrowserCreationDelay = time.Millisecond

	m := New(rdb, &fakeBackend{}, zerolog.Nop(), cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestAcquire_CreatesUpToCapacity(t *testing.T) {
	m := newTestManager(t, 2, 50*time.Millisecond)
	ctx := context.Background()

	id1, sess1, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, sess1)

	id2, sess2, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id2)
	assert.NotEmpty(t, sess2)
	assert.NotEqual(t, id1, id2)

	stats := m.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[StatusBusy])
}

// TestPoolSaturation_FIFOFulfillmentAndTimeout exercises S4: with
// MaxWorkers=1 and the sole worker busy, two more acquires enqueue;
// the first ReportStatus(idle) fulfills the older waiter, the second
// times out with ErrPoolExhausted.
func TestPoolSaturation_FIFOFulfillmentAndTimeout(t *testing.T) {
	m := newTestManager(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	workerID, _, err := m.Acquire(ctx)
	require.NoError(t, err)

	type result struct {
		workerID string
		err      error
		order    int
	}
	results := make(chan result, 2)

	go func() {
		id, _, err := m.Acquire(ctx)
		results <- result{workerID: id, err: err, order: 1}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		id, _, err := m.Acquire(ctx)
		results <- result{workerID: id, err: err, order: 2}
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, m.ReportStatus(ctx, workerID, StatusIdle, ""))

	first := <-results
	second := <-results

	var fulfilled, timedOut *result
	if first.err == nil {
		fulfilled, timedOut = &first, &second
	} else {
		fulfilled, timedOut = &second, &first
	}

	assert.NoError(t, fulfilled.err)
	assert.Equal(t, workerID, fulfilled.workerID)
	assert.ErrorIs(t, timedOut.err, ErrPoolExhausted)
}

func TestReportStatus_UnknownOpaqueIDIgnored(t *testing.T) {
	m := newTestManager(t, 5, 50*time.Millisecond)
	opaque := ""
	for i := 0; i < 64; i++ {
		opaque += "a"
	}
	require.NoError(t, m.ReportStatus(context.Background(), opaque, StatusIdle, ""))
	stats := m.GetStats()
	assert.Equal(t, 0, stats.Total)
}

func TestReportStatus_UnknownNonOpaqueIDAdmittedUnderCapacity(t *testing.T) {
	m := newTestManager(t, 5, 50*time.Millisecond)
	require.NoError(t, m.ReportStatus(context.Background(), "external-1", StatusIdle, ""))
	stats := m.GetStats()
	assert.Equal(t, 1, stats.Total)
}

func TestGetStats_NeverExceedsMaxWorkers(t *testing.T) {
	m := newTestManager(t, 2, 10*time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Acquire(ctx)
		}()
	}
	wg.Wait()

	stats := m.GetStats()
	assert.LessOrEqual(t, stats.Total, 2)
}

// TestAcquire_ConcurrentCreatesUnderSlowLaunchNeverExceedCapacity widens
// the window between the admission decision and the launch completing,
// so a reservation that only happens after the launch returns would let
// every concurrent Acquire observe room and overshoot MaxWorkers.
func TestAcquire_ConcurrentCreatesUnderSlowLaunchNeverExceedCapacity(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := DefaultConfig()
	cfg.MaxWorkers = 3
	cfg.QueueMaxWait = 500 * time.Millisecond
	backend := &fakeBackend{launchDelay: 100 * time.Millisecond}
	m := New(rdb, backend, zerolog.Nop(), cfg)
	t.Cleanup(m.Stop)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Acquire(context.Background())
		}()
	}
	wg.Wait()

	stats := m.GetStats()
	assert.LessOrEqual(t, stats.Total, 3)
}

func TestCreateBatch_RespectsCapacity(t *testing.T) {
	m := newTestManager(t, 3, 50*time.Millisecond)
	result, err := m.CreateBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 7, result.Skipped)

	stats := m.GetStats()
	assert.Equal(t, 3, stats.Total)
}

func TestDeleteAll_ClearsRegistry(t *testing.T) {
	m := newTestManager(t, 3, 50*time.Millisecond)
	_, err := m.CreateBatch(context.Background(), 2)
	require.NoError(t, err)

	require.NoError(t, m.DeleteAll(context.Background()))
	stats := m.GetStats()
	assert.Equal(t, 0, stats.Total)
}
