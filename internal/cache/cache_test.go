package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	// No MinIO client wired: Put stores every body inline in Redis,
	// including bodies beyond the inline limit.
	return New(rdb, nil, zerolog.Nop(), Config{Bucket: "artifacts", InlineLimit: DefaultInlineBodyLimit})
}

func TestKey_DeterministicRegardlessOfParamOrder(t *testing.T) {
	k1 := Key("screenshot", map[string]interface{}{"url": "https://example.com", "fullPage": true})
	k2 := Key("screenshot", map[string]interface{}{"fullPage": true, "url": "https://example.com"})
	assert.Equal(t, k1, k2)

	k3 := Key("screenshot", map[string]interface{}{"url": "https://example.com", "fullPage": false})
	assert.NotEqual(t, k1, k3)
}

func TestPutGet_InlineRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key("markdown", map[string]interface{}{"url": "https://example.com"})

	c.Put(ctx, key, []byte("# hello"), "text/markdown", time.Minute, "url:https://example.com")

	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "# hello", string(entry.Body))
	assert.Equal(t, "text/markdown", entry.ContentType)
}

func TestGet_MissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get(context.Background(), "artifact:markdown:does-not-exist")
	assert.False(t, ok)
}

func TestPurgeByTag_RemovesAllTaggedEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	k1 := Key("markdown", map[string]interface{}{"url": "https://example.com/a"})
	k2 := Key("markdown", map[string]interface{}{"url": "https://example.com/b"})
	c.Put(ctx, k1, []byte("a"), "text/markdown", time.Minute, "domain:example.com")
	c.Put(ctx, k2, []byte("b"), "text/markdown", time.Minute, "domain:example.com")

	purged, err := c.PurgeByTag(ctx, "domain:example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, ok := c.Get(ctx, k1)
	assert.False(t, ok)
	_, ok = c.Get(ctx, k2)
	assert.False(t, ok)
}

func TestGet_StaleExpiresAtTreatedAsMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key("markdown", map[string]interface{}{"url": "https://example.com/stale"})

	// A long store TTL but a pointer already past its own recorded
	// expiry: the read-side check must reject it even though the
	// underlying store has not yet evicted the key.
	c.Put(ctx, key, []byte("stale"), "text/markdown", time.Hour)

	raw, err := c.redis.Get(ctx, key).Bytes()
	require.NoError(t, err)
	var p pointer
	require.NoError(t, json.Unmarshal(raw, &p))
	p.ExpiresAt = time.Now().Add(-time.Minute)
	stale, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, c.redis.Set(ctx, key, stale, time.Hour).Err())

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestPurgeByTag_NoEntriesIsNotAnError(t *testing.T) {
	c := newTestCache(t)
	purged, err := c.PurgeByTag(context.Background(), "domain:never-cached.example")
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
}
