// Package ratelimit throttles user authentication attempts per client IP
// with a fixed 60 second window. The Redis limiter shares state across
// server processes; the memory limiter covers single-process deployments.
// Limiter backend failures allow the request: a broken Redis must not lock
// every user out.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const window = 60 * time.Second

// Limiter gates one attempt per call. A false return means the key is over
// its budget for the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// RedisLimiter counts attempts in Redis with INCR + EXPIRE.
type RedisLimiter struct {
	client *redis.Client
	max    int
}

// NewRedisLimiter connects to redisURL (redis://...) and allows max
// attempts per key per window.
func NewRedisLimiter(redisURL string, max int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLimiter{client: redis.NewClient(opts), max: max}, nil
}

// NewRedisLimiterFromClient wraps an existing client, mostly for tests.
func NewRedisLimiterFromClient(client *redis.Client, max int) *RedisLimiter {
	return &RedisLimiter{client: client, max: max}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	redisKey := "rate_limit:" + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing", "key", key, "err", err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
			slog.Warn("rate limiter expire failed", "key", key, "err", err)
		}
	}
	return count <= int64(l.max)
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// MemoryLimiter is the in-process fixed-window fallback used when no Redis
// URL is configured.
type MemoryLimiter struct {
	max int

	mu      sync.Mutex
	windows map[string]*memWindow
}

type memWindow struct {
	start time.Time
	count int
}

func NewMemoryLimiter(max int) *MemoryLimiter {
	return &MemoryLimiter{max: max, windows: make(map[string]*memWindow)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= window {
		l.windows[key] = &memWindow{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= l.max
}
