// Package dedup keeps replicas sharing one Redis from repeating the same
// scheduled work.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator claims work keys for a limited time.
type Deduplicator struct {
	rdb    *redis.Client
	prefix string
}

// New creates a Deduplicator backed by Redis. Keys are stored under prefix.
func New(redisURL, password, prefix string) (*Deduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Deduplicator{rdb: rdb, prefix: prefix}, nil
}

// Close shuts down the Redis connection.
func (d *Deduplicator) Close() error {
	return d.rdb.Close()
}

// Claim returns true if no one else claimed key within ttl. The claim
// expires on its own.
func (d *Deduplicator) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, d.prefix+key, time.Now().Unix(), ttl).Result()
}

// Release drops a claim early so the work can run again.
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, d.prefix+key).Err()
}
