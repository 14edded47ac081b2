package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goMFA/internal"
)

// Budget is a fixed-window allowance such as "10/5m".
type Budget struct {
	Max    int
	Window time.Duration
}

// ParseBudget parses "N/duration". A bare "N" means N per minute.
func ParseBudget(s string) (Budget, error) {
	s = strings.TrimSpace(s)
	count, window, hasWindow := strings.Cut(s, "/")
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n < 0 {
		return Budget{}, fmt.Errorf("%w: %q", ErrInvalidBudget, s)
	}
	b := Budget{Max: n, Window: time.Minute}
	if hasWindow {
		d, err := time.ParseDuration(strings.TrimSpace(window))
		if err != nil || d <= 0 {
			return Budget{}, fmt.Errorf("%w: %q", ErrInvalidBudget, s)
		}
		b.Window = d
	}
	return b, nil
}

// Counter is a fixed-window counter keyed by an opaque string.
type Counter interface {
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter enforces auth_max_fail and auth_max_success budgets per user.
type Limiter struct {
	counter Counter
}

// New creates a Limiter over counter.
func New(counter Counter) *Limiter {
	return &Limiter{counter: counter}
}

// Distributed reports whether counts are shared through Redis.
func (l *Limiter) Distributed() bool {
	_, ok := l.counter.(*RedisCounter)
	return ok
}

// Check returns ErrRateLimited when the user has already used up b for kind.
func (l *Limiter) Check(ctx context.Context, kind, user string, b Budget) error {
	if b.Max <= 0 && b.Window <= 0 {
		return nil
	}
	n, err := l.counter.Count(ctx, key(kind, user))
	if err != nil {
		return err
	}
	if n >= int64(b.Max) {
		return ErrRateLimited
	}
	return nil
}

// Record counts one event of kind for the user.
func (l *Limiter) Record(ctx context.Context, kind, user string, b Budget) error {
	if b.Window <= 0 {
		return nil
	}
	_, err := l.counter.Increment(ctx, key(kind, user), b.Window)
	return err
}

func key(kind, user string) string {
	return kind + ":" + internal.HashKeyPart(user)
}

// RedisCounter stores counters in Redis with INCR and a first-hit EXPIRE.
type RedisCounter struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisCounter returns a Redis-backed Counter.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "mfa:rate"
	}
	return &RedisCounter{redis: client, prefix: prefix}
}

func (c *RedisCounter) Count(ctx context.Context, k string) (int64, error) {
	n, err := c.redis.Get(ctx, c.prefix+":"+k).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

func (c *RedisCounter) Increment(ctx context.Context, k string, window time.Duration) (int64, error) {
	full := c.prefix + ":" + k
	n, err := c.redis.Incr(ctx, full).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	// Fixed-window semantics: set TTL only for the first hit in the window.
	if n == 1 {
		if err := c.redis.Expire(ctx, full, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return n, nil
}

// MemoryCounter is an in-process Counter for single-node deployments.
type MemoryCounter struct {
	mu    sync.Mutex
	now   func() time.Time
	slots map[string]memorySlot
}

type memorySlot struct {
	n       int64
	expires time.Time
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, slots: map[string]memorySlot{}}
}

func (c *MemoryCounter) Count(_ context.Context, k string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[k]
	if !ok || !c.now().Before(s.expires) {
		return 0, nil
	}
	return s.n, nil
}

func (c *MemoryCounter) Increment(_ context.Context, k string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s, ok := c.slots[k]
	if !ok || !now.Before(s.expires) {
		s = memorySlot{expires: now.Add(window)}
	}
	s.n++
	c.slots[k] = s
	return s.n, nil
}
