// Package synccache mediates outbound calls with a scoped read-through cache
// and bounded retry of transient failures.
package synccache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the validity window of an entry.
const DefaultTTL = 5 * time.Minute

// Options configure a Cache.
type Options struct {
	TTL     time.Duration
	Retry   RetryOptions
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Cache is a read-through cache with retrying loaders.
type Cache struct {
	store   Store
	ttl     time.Duration
	retry   RetryOptions
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// New constructs a Cache on top of store. A nil store uses memory.
func New(store Store, opts Options) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		store:   store,
		ttl:     opts.TTL,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	onRetry := opts.Retry.OnRetry
	c.retry.OnRetry = func(op string, attempt int, err error) {
		c.metrics.retry(op)
		c.logger.Warn("retrying transient failure", slog.String("op", op), slog.Int("attempt", attempt), slog.Any("error", err))
		if onRetry != nil {
			onRetry(op, attempt, err)
		}
	}
	return c
}

// TTL returns the validity window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the payload stored under key while it is younger than the TTL.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool) {
	entry, ok, err := c.store.Get(ctx, key.String())
	if err != nil {
		c.logger.Warn("cache read failed", slog.String("key", key.String()), slog.Any("error", err))
		return nil, false
	}
	if !ok || c.now().Sub(entry.Timestamp) >= c.ttl {
		return nil, false
	}
	return entry.Payload, true
}

// Set stores value as JSON stamped with the current time.
func (c *Cache) Set(ctx context.Context, key Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.setRaw(ctx, key, raw)
}

func (c *Cache) setRaw(ctx context.Context, key Key, raw []byte) error {
	return c.store.Put(ctx, Entry{
		Key:       key.String(),
		Scopes:    key.Scopes(),
		Payload:   raw,
		Timestamp: c.now(),
	}, c.ttl)
}

// Invalidate drops every entry tagged with scope.
func (c *Cache) Invalidate(ctx context.Context, scope string) error {
	if scope == "" {
		return errors.New("synccache: scope required")
	}
	removed, err := c.store.InvalidateScope(ctx, scope)
	if err != nil {
		return err
	}
	c.metrics.invalidated(scope)
	c.logger.Debug("cache scope invalidated", slog.String("scope", scope), slog.Int("removed", removed))
	return nil
}

// Call runs fn with the cache retry policy.
func (c *Cache) Call(ctx context.Context, op string, fn func(context.Context) error) error {
	return CallWithRetry(ctx, op, fn, c.retry)
}

// Fetch decodes the cached value of key into dest, loading and storing it on a miss.
// Concurrent misses on the same key share one loader call.
func (c *Cache) Fetch(ctx context.Context, key Key, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("synccache: loader required")
	}
	if raw, ok := c.Get(ctx, key); ok {
		if err := json.Unmarshal(raw, dest); err == nil {
			c.metrics.hit(key.Op)
			return nil
		}
	}
	c.metrics.miss(key.Op)

	resultCh := c.group.DoChan(key.String(), func() (any, error) {
		value, err := Do(ctx, key.Op, loader, c.retry)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.setRaw(ctx, key, raw); err != nil {
			c.logger.Warn("cache write failed", slog.String("key", key.String()), slog.Any("error", err))
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	}
}
