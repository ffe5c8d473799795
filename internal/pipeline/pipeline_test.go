package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/scoutcore/internal/browser"
	"github.com/corvidlabs/scoutcore/internal/cache"
	"github.com/corvidlabs/scoutcore/internal/ledger"
	"github.com/corvidlabs/scoutcore/internal/pool"
)

type fakeBackend struct{ counter int }

func (f *fakeBackend) Launch(ctx context.Context) (string, error) {
	f.counter++
	return fmt.Sprintf("session-%d", f.counter), nil
}
func (f *fakeBackend) Probe(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBackend) Close(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBackend) NewPage(ctx context.Context, sessionID string) (browser.Page, error) {
	return &fakePage{}, nil
}

type fakePage struct{}

func (p *fakePage) Context() context.Context { return context.Background() }
func (p *fakePage) Close() error              { return nil }

type jsonCodec struct{}

func (jsonCodec) Encode(data interface{}) ([]byte, string, error) {
	b, err := json.Marshal(data)
	return b, "application/json", err
}
func (jsonCodec) Decode(body []byte) (interface{}, error) {
	var v map[string]interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func newTestPipeline(t *testing.T, balance int64) (*Pipeline, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := ledger.New(db, rdb, zerolog.Nop(), ledger.Config{InitialFreeCredits: 100, InitialProCredits: 1000, MonthlyProRefill: 1000})

	rows := sqlmock.NewRows([]string{"user_id", "plan", "balance", "last_refill"}).
		AddRow("u1", ledger.PlanFree, balance, nil)
	mock.ExpectQuery(`SELECT user_id, plan, balance, last_refill FROM credit_balances`).
		WithArgs("u1").WillReturnRows(rows)

	c := cache.New(rdb, nil, zerolog.Nop(), cache.Config{Bucket: "artifacts"})

	pm := pool.New(rdb, &fakeBackend{}, zerolog.Nop(), pool.DefaultConfig())
	t.Cleanup(pm.Stop)

	cfg := Config{
		Costs:     map[string]int64{"links": 1},
		CacheTTLs: map[string]time.Duration{"links": time.Minute},
	}
	p := New(l, c, pm, nil, zerolog.Nop(), cfg)
	return p, mock
}

func TestRun_CacheMissDeducts_S1(t *testing.T) {
	p, mock := newTestPipeline(t, 1000)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(sqlmock.AnyArg(), "u1", int64(-1), ledger.OpReason("links"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`UPDATE credit_balances SET balance = balance - \$1`).
		WithArgs(int64(1), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(999)))

	resp, err := p.Run(ctx, Request{
		Operation:   "links",
		UserID:      "u1",
		CacheParams: map[string]interface{}{"url": "https://example.com", "includeExternal": false},
		Codec:       jsonCodec{},
		Execute: func(ctx context.Context, page browser.Page) (interface{}, error) {
			return map[string]interface{}{"links": []string{"a", "b", "c"}}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.FromCache)
	assert.Equal(t, int64(1), resp.CreditsCost)
	assert.Equal(t, int64(999), resp.CreditsRemaining)

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRun_InsufficientBalance_S3(t *testing.T) {
	p, _ := newTestPipeline(t, 0)

	resp, err := p.Run(context.Background(), Request{
		Operation:   "links",
		UserID:      "u1",
		CacheParams: map[string]interface{}{"url": "https://example.com"},
		Codec:       jsonCodec{},
		Execute: func(ctx context.Context, page browser.Page) (interface{}, error) {
			t.Fatal("execute must not run when balance is insufficient")
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInsufficientCredits, resp.Error.Code)
	assert.Equal(t, int64(1), resp.CreditsCost)
	assert.Equal(t, int64(0), resp.CreditsRemaining)
}

func TestRun_FailedExecutionNeverCachesOrDeducts(t *testing.T) {
	p, _ := newTestPipeline(t, 1000)

	resp, err := p.Run(context.Background(), Request{
		Operation:   "links",
		UserID:      "u1",
		CacheParams: map[string]interface{}{"url": "https://broken.example.com"},
		Codec:       jsonCodec{},
		Execute: func(ctx context.Context, page browser.Page) (interface{}, error) {
			return nil, fmt.Errorf("navigation timed out")
		},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, int64(1000), resp.CreditsRemaining)

	key := cache.Key("links:u1", map[string]interface{}{"url": "https://broken.example.com"})
	_, hit := p.cache.Get(context.Background(), key)
	assert.False(t, hit, "a failed operation must never populate the cache")
}
