// Package cache implements scoutcore's Artifact Cache: a deterministic,
// tag-addressable store for the results of browser operations
// (screenshots, markdown, extracted content) so identical requests
// within an operation's TTL window skip a browser session entirely.
//
// Keys are derived from an operation string and its normalized
// parameters. The Request Pipeline passes the operation name joined
// with the user id as that string, so entries are per user: two users
// requesting the same URL with the same options land on different
// entries. Bodies small enough to live in Redis stay there; larger
// bodies are offloaded to MinIO with only a pointer kept in Redis,
// mirroring the teacher's pattern of treating Redis as a hot,
// size-bounded tier in front of a durable blob store.
//
// Get and Put degrade to a soft failure: a cache read or write error
// is logged and treated as a miss, never propagated to the caller, so
// the Request Pipeline serves correct results with the cache entirely
// unavailable. PurgeByTag returns its errors to the caller.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

// DefaultInlineBodyLimit is the default for Config.InlineLimit, the
// largest artifact body stored directly in Redis; anything larger is
// offloaded to MinIO.
const DefaultInlineBodyLimit = 256 * 1024

// Entry is a cached artifact and the metadata needed to serve it.
type Entry struct {
	Body        []byte
	ContentType string
	CreatedAt   time.Time
}

type pointer struct {
	Inline      []byte    `json:"inline,omitempty"`
	ObjectKey   string    `json:"objectKey,omitempty"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Cache is the Artifact Cache. Safe for concurrent use.
type Cache struct {
	redis       *redis.Client
	minio       *minio.Client
	bucket      string
	log         zerolog.Logger
	inlineLimit int
}

type Config struct {
	Bucket      string
	InlineLimit int
}

func New(rdb *redis.Client, mc *minio.Client, log zerolog.Logger, cfg Config) *Cache {
	limit := cfg.InlineLimit
	if limit <= 0 {
		limit = DefaultInlineBodyLimit
	}
	return &Cache{
		redis:       rdb,
		minio:       mc,
		bucket:      cfg.Bucket,
		log:         log.With().Str("component", "artifact_cache").Logger(),
		inlineLimit: limit,
	}
}

// Key deterministically derives a cache key from an operation name and
// its parameters: params are marshaled with sorted keys so that
// argument order never affects the key, then hashed with SHA-256 and
// truncated to 16 bytes of hex for a compact but collision-resistant
// identifier.
func Key(operation string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, params[k])
	}
	payload, _ := json.Marshal(struct {
		Op     string        `json:"op"`
		Params []interface{} `json:"params"`
	}{Op: operation, Params: ordered})

	sum := sha256.Sum256(payload)
	return "artifact:" + operation + ":" + hex.EncodeToString(sum[:])[:32]
}

// Get returns the cached entry for key, or ok=false on a miss or any
// cache-layer failure. Besides the TTL enforced by the underlying
// store, Get re-checks the entry's own recorded expiry as defense in
// depth against a store that served a stale or mis-expired key.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return Entry{}, false
	}

	var p pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry corrupt")
		return Entry{}, false
	}

	if !p.ExpiresAt.IsZero() && time.Now().After(p.ExpiresAt) {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("stale cache entry delete failed")
		}
		return Entry{}, false
	}

	if p.Inline != nil {
		return Entry{Body: p.Inline, ContentType: p.ContentType, CreatedAt: p.CreatedAt}, true
	}

	if p.ObjectKey == "" || c.minio == nil {
		return Entry{}, false
	}
	obj, err := c.minio.GetObject(ctx, c.bucket, p.ObjectKey, minio.GetObjectOptions{})
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache offload read failed")
		return Entry{}, false
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache offload body read failed")
		return Entry{}, false
	}
	return Entry{Body: body, ContentType: p.ContentType, CreatedAt: p.CreatedAt}, true
}

// Put stores body under key with the given TTL, tagging it with tags
// for later bulk purge. When a MinIO client is configured, bodies above
// the inline limit are offloaded to MinIO and the Redis entry holds only
// the object pointer; without one, every body is stored inline.
func (c *Cache) Put(ctx context.Context, key string, body []byte, contentType string, ttl time.Duration, tags ...string) {
	now := time.Now()
	p := pointer{ContentType: contentType, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	if len(body) <= c.inlineLimit || c.minio == nil {
		p.Inline = body
	} else {
		objectKey := "artifacts/" + key
		_, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache offload write failed")
			return
		}
		p.ObjectKey = objectKey
	}

	raw, err := json.Marshal(p)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry marshal failed")
		return
	}

	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagSetKey(tag), key)
		pipe.Expire(ctx, tagSetKey(tag), ttl+time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// PurgeByTag deletes every cache entry ever written with the given
// tag, regardless of whether it has expired. Used when an underlying
// resource (e.g. a URL known to have changed) must be evicted before
// its TTL.
func (c *Cache) PurgeByTag(ctx context.Context, tag string) (int, error) {
	tagKey := tagSetKey(tag)
	keys, err := c.redis.SMembers(ctx, tagKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: list tagged keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := c.redis.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Del(ctx, tagKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache: purge tagged keys: %w", err)
	}
	return len(keys), nil
}

func tagSetKey(tag string) string { return "artifact-tags:" + tag }
