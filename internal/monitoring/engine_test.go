package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/scoutcore/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenMonitoringStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestEngine_StartRejectsMissingAPIKey(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, zerolog.Nop())
	t.Cleanup(e.Shutdown)

	err := e.Start(Config{BaseURL: "http://localhost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigError)
}

func TestEngine_RunOnce_RecordsResultsAndStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"creditsCost":1}`))
	}))
	t.Cleanup(srv.Close)

	e := NewEngine(newTestStore(t), nil, zerolog.Nop())
	t.Cleanup(e.Shutdown)

	err := e.Start(Config{
		BaseURL:          srv.URL,
		APIKey:           "test-key",
		EnabledEndpoints: []string{"links"},
		IntervalMs:       60_000,
	})
	require.NoError(t, err)

	sess, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sess.EndpointCount)
	assert.Equal(t, 1, sess.SuccessCount)

	results, err := e.Results(context.Background(), ResultsQuery{Endpoint: "links"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(1), results[0].CreditsCost)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].TotalCalls)
	assert.Equal(t, int64(1), stats[0].TotalSuccesses)
}

func TestEngine_RunOnce_RecordsFailureOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	e := NewEngine(newTestStore(t), nil, zerolog.Nop())
	t.Cleanup(e.Shutdown)

	require.NoError(t, e.Start(Config{
		BaseURL:          srv.URL,
		APIKey:           "test-key",
		EnabledEndpoints: []string{"markdown"},
		IntervalMs:       60_000,
	}))

	sess, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sess.FailureCount)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].TotalFailures)
}

func TestEngine_StatusReflectsScheduledAlarm(t *testing.T) {
	e := NewEngine(newTestStore(t), nil, zerolog.Nop())
	t.Cleanup(e.Shutdown)

	require.NoError(t, e.Start(Config{BaseURL: "http://localhost", APIKey: "k", IntervalMs: 60_000}))
	st := e.Status()
	assert.True(t, st.Active)
	require.NotNil(t, st.NextTestAt)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), *st.NextTestAt, 5*time.Second)

	e.Stop()
	st = e.Status()
	assert.False(t, st.Active)
	assert.Nil(t, st.NextTestAt)
}

func TestStore_ConsecutiveFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSession(ctx, TestSession{ID: "s1", StartedAt: time.Now()}))
	base := time.Now()
	for i, ok := range []bool{true, false, false, false} {
		require.NoError(t, s.InsertResult(ctx, TestResult{
			ID: uuidFor(i), SessionID: "s1", Endpoint: "links", Success: ok, Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	streak, err := s.ConsecutiveFailures(ctx, "links")
	require.NoError(t, err)
	assert.Equal(t, 3, streak)
}

func uuidFor(i int) string {
	return []string{"r0", "r1", "r2", "r3"}[i]
}
