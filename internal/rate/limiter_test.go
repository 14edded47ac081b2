package rate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestParseBudget(t *testing.T) {
	cases := map[string]Budget{
		"10/5m": {Max: 10, Window: 5 * time.Minute},
		"3":     {Max: 3, Window: time.Minute},
		" 2/1h": {Max: 2, Window: time.Hour},
	}
	for in, want := range cases {
		got, err := ParseBudget(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %+v want %+v", in, got, want)
		}
	}
	for _, bad := range []string{"", "x/5m", "3/never", "-1/1m", "3/0s"} {
		if _, err := ParseBudget(bad); !errors.Is(err, ErrInvalidBudget) {
			t.Fatalf("%q: expected ErrInvalidBudget, got %v", bad, err)
		}
	}
}

func TestLimiterRedisWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := New(NewRedisCounter(rdb, "test"))
	ctx := context.Background()
	b := Budget{Max: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if err := l.Check(ctx, "fail", "u1", b); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if err := l.Record(ctx, "fail", "u1", b); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := l.Check(ctx, "fail", "u1", b); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.Check(ctx, "fail", "u2", b); err != nil {
		t.Fatalf("other user: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := l.Check(ctx, "fail", "u1", b); err != nil {
		t.Fatalf("expected window reset, got %v", err)
	}
}

func TestLimiterRedisUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := New(NewRedisCounter(rdb, ""))
	mr.Close()
	err := l.Check(context.Background(), "fail", "u1", Budget{Max: 1, Window: time.Minute})
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestMemoryCounterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemoryCounter()
	c.now = func() time.Time { return now }
	l := New(c)
	ctx := context.Background()
	b := Budget{Max: 1, Window: time.Minute}

	if err := l.Record(ctx, "success", "u", b); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Check(ctx, "success", "u", b); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limited, got %v", err)
	}
	now = now.Add(time.Minute)
	if err := l.Check(ctx, "success", "u", b); err != nil {
		t.Fatalf("expected reset, got %v", err)
	}
}

func TestRedisKeysHideLogins(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := New(NewRedisCounter(rdb, "authz"))
	if !l.Distributed() {
		t.Fatal("redis limiter should report distributed counts")
	}
	if err := l.Record(context.Background(), "fail", "alice@corp", Budget{Max: 3, Window: time.Minute}); err != nil {
		t.Fatalf("record: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %v", keys)
	}
	if strings.Contains(keys[0], "alice") {
		t.Fatalf("login leaked into key %q", keys[0])
	}
	if New(NewMemoryCounter()).Distributed() {
		t.Fatal("memory limiter should not report distributed counts")
	}
}
