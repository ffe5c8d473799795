package browser

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	launchCalls int
	failUntil   int
	closed      []string
	probeErr    error
}

func (f *fakeBackend) Launch(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCalls++
	if f.launchCalls <= f.failUntil {
		return "", fmt.Errorf("transient launch failure")
	}
	return fmt.Sprintf("session-%d", f.launchCalls), nil
}

func (f *fakeBackend) Probe(ctx context.Context, sessionID string) error {
	return f.probeErr
}

func (f *fakeBackend) Close(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeBackend) NewPage(ctx context.Context, sessionID string) (Page, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

type fakeReporter struct {
	mu       sync.Mutex
	statuses map[string]string
	reports  []string
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{statuses: make(map[string]string)}
}

func (r *fakeReporter) ReportStatus(ctx context.Context, workerID, status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[workerID] = status
	r.reports = append(r.reports, status)
	return nil
}

func (r *fakeReporter) GetStatus(ctx context.Context, workerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[workerID], nil
}

func testConfig() Config {
	return Config{
		HealthCheckInterval: time.Hour, // disabled for most tests; driven manually
		RefreshThreshold:    time.Hour,
		PoliteCleanupPoll:   10 * time.Millisecond,
		PoliteCleanupTotal:  100 * time.Millisecond,
	}
}

func TestGenerateSessionId_RetriesOnTransientFailure(t *testing.T) {
	backend := &fakeBackend{failUntil: 2}
	reporter := newFakeReporter()
	w := NewWorker("w1", backend, reporter, zerolog.Nop(), testConfig())
	t.Cleanup(w.Stop)

	id, err := w.GenerateSessionId(context.Background(), "w1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, w.SessionID())
}

func TestGenerateSessionId_ExhaustsRetries(t *testing.T) {
	backend := &fakeBackend{failUntil: 10}
	reporter := newFakeReporter()
	w := NewWorker("w1", backend, reporter, zerolog.Nop(), testConfig())
	t.Cleanup(w.Stop)

	_, err := w.GenerateSessionId(context.Background(), "w1")
	require.Error(t, err)
	assert.Empty(t, w.SessionID())
}

func TestCheckHealth_RefreshesStaleSession(t *testing.T) {
	backend := &fakeBackend{}
	reporter := newFakeReporter()
	cfg := testConfig()
	cfg.RefreshThreshold = 10 * time.Millisecond
	w := NewWorker("w1", backend, reporter, zerolog.Nop(), cfg)
	t.Cleanup(w.Stop)

	_, err := w.GenerateSessionId(context.Background(), "w1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	w.checkHealth(context.Background())

	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()
		return reporter.statuses["w1"] == StatusClosed
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return w.SessionID() == ""
	}, time.Second, 5*time.Millisecond)
}

func TestPoliteCleanup_ClosesAsSoonAsManagerReportsIdle(t *testing.T) {
	backend := &fakeBackend{}
	reporter := newFakeReporter()
	w := NewWorker("w1", backend, reporter, zerolog.Nop(), testConfig())
	t.Cleanup(w.Stop)

	reporter.statuses["w1"] = StatusIdle

	start := time.Now()
	w.PoliteCleanup(context.Background(), "old-session")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 50*time.Millisecond)
	backend.mu.Lock()
	assert.Contains(t, backend.closed, "old-session")
	backend.mu.Unlock()
}

func TestPoliteCleanup_ClosesAnywayOnTimeout(t *testing.T) {
	backend := &fakeBackend{}
	reporter := newFakeReporter()
	reporter.statuses["w1"] = StatusBusy
	w := NewWorker("w1", backend, reporter, zerolog.Nop(), testConfig())
	t.Cleanup(w.Stop)

	w.PoliteCleanup(context.Background(), "old-session")

	backend.mu.Lock()
	assert.Contains(t, backend.closed, "old-session")
	backend.mu.Unlock()
}

func TestCleanup_ClearsSessionState(t *testing.T) {
	backend := &fakeBackend{}
	reporter := newFakeReporter()
	w := NewWorker("w1", backend, reporter, zerolog.Nop(), testConfig())
	t.Cleanup(w.Stop)

	_, err := w.GenerateSessionId(context.Background(), "w1")
	require.NoError(t, err)

	require.NoError(t, w.Cleanup(context.Background(), "w1"))
	assert.Empty(t, w.SessionID())
}
