// Package cache is a TTL cache for expensive, slow-changing reads, stored
// as compressed CBOR payloads in the blob store.
//
// Expiry is evaluated lazily on every read: an entry whose age has reached
// the TTL is a miss and is deleted in the background. CleanupExpired sweeps
// stale entries in bulk so unread entries do not accumulate.
//
// Writes never fail the caller. Errors from Set and from background
// population are logged and counted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/blob"
	"github.com/ChuLiYu/fleetbatch/internal/clock"
	"github.com/ChuLiYu/fleetbatch/internal/codec"
	"github.com/ChuLiYu/fleetbatch/internal/metrics"
)

// DefaultTTL is the entry lifetime when Config.TTL is zero.
const DefaultTTL = 24 * time.Hour

const (
	metaCreatedAt   = "createdAt"
	metaCompression = "compression"
	metaRawSize     = "rawSize"

	backgroundTimeout = 30 * time.Second
)

// Config controls entry lifetime and storage.
type Config struct {
	TTL         time.Duration
	Compression Compression
}

// Entry is a cache hit.
type Entry struct {
	Payload   []byte
	CreatedAt time.Time
	Age       time.Duration
}

// Result is returned by WithCache.
type Result[T any] struct {
	Data        T
	CacheHit    bool
	CacheExpiry time.Time
}

// Cache stores entries in a blob store.
type Cache struct {
	blobs   blob.Store
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Collector

	wg sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for ages.
func WithClock(c clock.Clock) Option { return func(ca *Cache) { ca.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(ca *Cache) { ca.log = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(ca *Cache) { ca.metrics = m } }

// New creates a cache over blobs.
func New(blobs blob.Store, cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionZstd
	}
	c := &Cache{
		blobs: blobs,
		cfg:   cfg,
		clock: clock.Real(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "cache")
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.cfg.TTL }

// Get returns the entry stored under key. Missing, unreadable and stale
// entries are misses; stale entries are deleted in the background.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	obj, err := c.blobs.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			c.log.Warn("cache read failed", "key", key, "error", err)
		}
		c.metrics.RecordCacheMiss()
		return Entry{}, false
	}

	created := c.createdAt(obj.ObjectInfo)
	age := c.clock.Now().Sub(created)
	if age >= c.cfg.TTL {
		c.metrics.RecordCacheMiss()
		c.background(ctx, func(ctx context.Context) {
			c.deleteStale(ctx, key, created)
		})
		return Entry{}, false
	}

	payload, err := c.decode(obj)
	if err != nil {
		c.log.Warn("unreadable cache entry", "key", key, "error", err)
		c.metrics.RecordCacheMiss()
		return Entry{}, false
	}

	c.metrics.RecordCacheHit()
	return Entry{Payload: payload, CreatedAt: created, Age: age}, true
}

// deleteStale deletes key only if it still holds the entry created at
// created. An entry rewritten since the stale read is kept.
func (c *Cache) deleteStale(ctx context.Context, key string, created time.Time) {
	obj, err := c.blobs.Get(ctx, key)
	if err != nil {
		return
	}
	if !c.createdAt(obj.ObjectInfo).Equal(created) {
		return
	}
	if err := c.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		c.log.Warn("failed to delete stale cache entry", "key", key, "error", err)
	}
}

func (c *Cache) decode(obj *blob.Object) ([]byte, error) {
	comp := Compression(obj.Metadata[metaCompression])
	if comp == "" {
		comp = CompressionNone
	}
	rawSize := len(obj.Data)
	if raw, ok := obj.Metadata[metaRawSize]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("bad raw size %q: %w", raw, err)
		}
		rawSize = n
	}
	return decompress(obj.Data, comp, rawSize)
}

// createdAt prefers the creation time recorded by Set over the backend's
// write time.
func (c *Cache) createdAt(info blob.ObjectInfo) time.Time {
	if raw, ok := info.Metadata[metaCreatedAt]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return info.CreatedAt
}

// Set compresses and stores payload. Failures are logged, never returned.
func (c *Cache) Set(ctx context.Context, key string, payload []byte) {
	if err := c.set(ctx, key, payload); err != nil {
		c.metrics.RecordCacheWriteError()
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) set(ctx context.Context, key string, payload []byte) error {
	stored, used, err := compress(payload, c.cfg.Compression)
	if err != nil {
		return err
	}
	return c.blobs.Put(ctx, key, stored, map[string]string{
		metaCreatedAt:   c.clock.Now().UTC().Format(time.RFC3339Nano),
		metaCompression: string(used),
		metaRawSize:     strconv.Itoa(len(payload)),
	})
}

// background runs fn detached from the caller's cancellation. Wait drains it.
func (c *Cache) background(ctx context.Context, fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("cache background task panicked", "panic", r)
			}
		}()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		fn(bctx)
	}()
}

// Wait blocks until background writes and deletions finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// WithCache returns the cached result of operation(params) or computes it.
//
// On a miss compute runs in the caller's goroutine, its result is returned
// immediately and the cache is populated in the background. Compute errors
// are returned and nothing is cached.
func WithCache[T any](ctx context.Context, c *Cache, operation string, params any, compute func(context.Context) (T, error)) (Result[T], error) {
	key, err := GenerateKey(operation, params)
	if err != nil {
		var zero T
		return Result[T]{Data: zero}, err
	}

	if entry, ok := c.Get(ctx, key); ok {
		var data T
		decErr := codec.Unmarshal(entry.Payload, &data)
		if decErr == nil {
			return Result[T]{
				Data:        data,
				CacheHit:    true,
				CacheExpiry: entry.CreatedAt.Add(c.cfg.TTL),
			}, nil
		}
		c.log.Warn("cached payload does not decode, recomputing", "key", key, "error", decErr)
	}

	data, err := compute(ctx)
	if err != nil {
		return Result[T]{Data: data}, err
	}

	expiry := c.clock.Now().Add(c.cfg.TTL)
	payload, err := codec.Marshal(data)
	if err != nil {
		c.metrics.RecordCacheWriteError()
		c.log.Warn("result cannot be cached", "operation", operation, "error", err)
		return Result[T]{Data: data, CacheExpiry: expiry}, nil
	}
	c.background(ctx, func(ctx context.Context) {
		c.Set(ctx, key, payload)
	})
	return Result[T]{Data: data, CacheExpiry: expiry}, nil
}

// InvalidateByPrefix deletes every entry of operation, or every entry when
// operation is empty.
func (c *Cache) InvalidateByPrefix(ctx context.Context, operation string) (int, error) {
	objects, err := c.blobs.List(ctx, operationPrefix(operation))
	if err != nil {
		return 0, fmt.Errorf("failed to list cache entries: %w", err)
	}
	deleted := 0
	for _, obj := range objects {
		if err := c.blobs.Delete(ctx, obj.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return deleted, fmt.Errorf("failed to delete %s: %w", obj.Key, err)
		}
		deleted++
	}
	c.log.Info("cache invalidated", "operation", operation, "deleted", deleted)
	return deleted, nil
}

// CleanupExpired deletes every stale entry.
func (c *Cache) CleanupExpired(ctx context.Context) (int, error) {
	objects, err := c.blobs.List(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache entries: %w", err)
	}

	now := c.clock.Now()
	deleted := 0
	for _, obj := range objects {
		if now.Sub(c.createdAt(obj)) < c.cfg.TTL {
			continue
		}
		if err := c.blobs.Delete(ctx, obj.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return deleted, fmt.Errorf("failed to delete %s: %w", obj.Key, err)
		}
		deleted++
	}
	c.metrics.RecordCleanup("cache", deleted)
	c.log.Info("expired cache entries swept", "deleted", deleted, "scanned", len(objects))
	return deleted, nil
}
