// Package ratelimit throttles API clients. MemoryLimiter keeps one token
// bucket per client in process; RedisLimiter shares a fixed window counter
// across instances.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	DefaultPerMinute = 60
	defaultIdleTTL   = 10 * time.Minute
	window           = time.Minute
)

// Limiter decides whether key may make another request. When it may not,
// retryAfter says how long until it can.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter allows perMinute requests per key with a burst of the same
// size. Keys idle for longer than the idle TTL are forgotten.
type MemoryLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	if perMinute < 1 {
		perMinute = DefaultPerMinute
	}
	return &MemoryLimiter{
		clients: make(map[string]*client),
		limit:   rate.Every(window / time.Duration(perMinute)),
		burst:   perMinute,
		idleTTL: defaultIdleTTL,
		now:     time.Now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	c, ok := m.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.clients[key] = c
	}
	c.lastSeen = now

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, window, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Len reports how many clients are currently tracked.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.idleTTL {
		return
	}
	m.lastSweep = now
	for key, c := range m.clients {
		if now.Sub(c.lastSeen) > m.idleTTL {
			delete(m.clients, key)
		}
	}
}

// RedisCounter is the subset of the redis client RedisLimiter needs.
type RedisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiter counts requests per key in one-minute windows, so every
// instance behind a load balancer enforces the same budget.
type RedisLimiter struct {
	client    RedisCounter
	perMinute int64
	prefix    string
}

func NewRedisLimiter(client RedisCounter, perMinute int) *RedisLimiter {
	if perMinute < 1 {
		perMinute = DefaultPerMinute
	}
	return &RedisLimiter{
		client:    client,
		perMinute: int64(perMinute),
		prefix:    "ratelimit:search:",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := l.prefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate window: %w", err)
		}
	}
	if count <= l.perMinute {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to read rate window: %w", err)
	}
	if ttl <= 0 {
		// The window key lost its expiry; start a fresh one.
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate window: %w", err)
		}
		ttl = window
	}
	return false, ttl, nil
}
