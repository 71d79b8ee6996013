// Package cache implements a two-tier TTL cache: a bounded in-process LRU in
// front of a persistent Store. Entries expire a fixed TTL after creation,
// regardless of how often they are read.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/web3-frozen/yield-loops/internal/metrics"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMemorySize = 4096
	writeTimeout      = 5 * time.Second
	produceTimeout    = 2 * time.Minute
)

// Options configures a Layered cache namespace.
type Options struct {
	TTL        time.Duration
	MemorySize int
	// Store is the persistent tier. Nil keeps the namespace memory-only.
	Store  Store
	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type entry struct {
	created time.Time
	value   any
}

// envelope is the persisted form of an entry.
type envelope struct {
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Layered is one cache namespace.
type Layered struct {
	name    string
	ttl     time.Duration
	memory  *lru.Cache[string, entry]
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
	pending sync.WaitGroup
}

// New creates the namespace called name.
func New(name string, opts Options) (*Layered, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MemorySize <= 0 {
		opts.MemorySize = DefaultMemorySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	memory, err := lru.New[string, entry](opts.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}
	return &Layered{
		name:   name,
		ttl:    opts.TTL,
		memory: memory,
		store:  opts.Store,
		logger: opts.Logger.With("cache", name),
		now:    opts.Now,
	}, nil
}

// Name returns the namespace name.
func (c *Layered) Name() string { return c.name }

// TTL returns the entry lifetime.
func (c *Layered) TTL() time.Duration { return c.ttl }

// Wait blocks until every pending write to the persistent tier finished.
func (c *Layered) Wait() { c.pending.Wait() }

// Get returns the cached value for key, or runs produce on a miss and caches
// its result. It fails only when produce fails or ctx is done. Returned
// values are shared snapshots and must not be mutated.
func Get[T any](ctx context.Context, c *Layered, key string, produce func(context.Context) (T, error)) (T, error) {
	if Forced(ctx) {
		metrics.CacheRequests.WithLabelValues(c.name, "forced").Inc()
	} else {
		if v, ok := lookupMemory[T](c, key); ok {
			metrics.CacheRequests.WithLabelValues(c.name, "memory_hit").Inc()
			return v, nil
		}
		if v, ok := lookupStore[T](ctx, c, key); ok {
			metrics.CacheRequests.WithLabelValues(c.name, "store_hit").Inc()
			return v, nil
		}
		metrics.CacheRequests.WithLabelValues(c.name, "miss").Inc()
	}

	// The shared producer outlives any one caller: it keeps the context's
	// values but not its cancellation, and each caller stops waiting on its
	// own ctx.
	ch := c.group.DoChan(key, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), produceTimeout)
		defer cancel()
		v, err := produce(pctx)
		if err != nil {
			return nil, err
		}
		c.write(key, v)
		return v, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		metrics.CacheProducerErrors.WithLabelValues(c.name).Inc()
		var zero T
		return zero, res.Err
	}
	if v, ok := res.Val.(T); ok {
		return v, nil
	}
	// Another caller used the same key with a different type.
	return produce(ctx)
}

func (c *Layered) fresh(created time.Time) bool {
	return c.now().Sub(created) < c.ttl
}

func lookupMemory[T any](c *Layered, key string) (T, bool) {
	var zero T
	e, ok := c.memory.Get(key)
	if !ok || !c.fresh(e.created) {
		return zero, false
	}
	v, ok := e.value.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

func lookupStore[T any](ctx context.Context, c *Layered, key string) (T, bool) {
	var zero T
	if c.store == nil {
		return zero, false
	}
	raw, err := c.store.Get(ctx, c.storeKey(key))
	if err != nil {
		if err != ErrMiss {
			c.logger.Warn("persistent cache read failed", "key", key, "error", err)
		}
		return zero, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug("unparseable cache entry", "key", key, "error", err)
		return zero, false
	}
	created := time.UnixMilli(env.Timestamp)
	if !c.fresh(created) {
		return zero, false
	}
	var v T
	if err := Unmarshal(env.Data, &v); err != nil {
		c.logger.Debug("undecodable cache entry", "key", key, "error", err)
		return zero, false
	}
	// Promote with the original timestamp so expiry stays anchored to creation.
	c.memory.Add(key, entry{created: created, value: v})
	return v, true
}

// write stores v in memory synchronously and hands the persistent write to a
// goroutine the caller never waits on. Failures there are logged only.
func (c *Layered) write(key string, v any) {
	created := c.now()
	c.memory.Add(key, entry{created: created, value: v})
	if c.store == nil {
		return
	}

	data, err := Marshal(v)
	if err != nil {
		c.logger.Warn("encode cache entry failed", "key", key, "error", err)
		return
	}
	raw, err := json.Marshal(envelope{Timestamp: created.UnixMilli(), Data: data})
	if err != nil {
		c.logger.Warn("encode cache envelope failed", "key", key, "error", err)
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.store.Set(ctx, c.storeKey(key), raw, c.ttl); err != nil {
			metrics.CacheStoreWriteFailures.WithLabelValues(c.name).Inc()
			c.logger.Warn("persistent cache write failed", "key", key, "error", err)
		}
	}()
}

func (c *Layered) storeKey(key string) string {
	return c.name + ":" + key
}
