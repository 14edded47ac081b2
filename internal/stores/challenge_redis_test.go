package stores

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goMFA/challenge"
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

func TestRedisChallengeStoreConsumeOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now().UTC()

	for _, serial := range []string{"PISM2", "PISM1"} {
		if err := s.Create(ctx, &challenge.Record{TransactionID: "tx1", Serial: serial, Payload: "12", CreatedAt: now, ExpiresAt: now.Add(2 * time.Minute)}); err != nil {
			t.Fatalf("create %s: %v", serial, err)
		}
	}
	if err := s.Create(ctx, &challenge.Record{TransactionID: "tx1", Serial: "PISM1", CreatedAt: now, ExpiresAt: now}); !errors.Is(err, challenge.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if ttl := mr.TTL("mfa:ch:tx1"); ttl <= 2*time.Minute {
		t.Fatalf("expected TTL beyond expiry, got %v", ttl)
	}

	got, err := s.Consume(ctx, "tx1", now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(got) != 2 || got[0].Serial != "PISM1" || got[1].Payload != "12" || !got[0].Consumed {
		t.Fatalf("unexpected claim: %+v", got)
	}
	if _, err := s.Consume(ctx, "tx1", now); !errors.Is(err, challenge.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n, err := s.Sweep(ctx, now); n != 0 || err != nil {
		t.Fatalf("sweep should be a no-op: %d %v", n, err)
	}
}

func TestRedisChallengeStoreExpired(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewRedisChallengeStore(rdb, "t")
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Create(ctx, &challenge.Record{TransactionID: "tx", Serial: "OATH1", CreatedAt: now, ExpiresAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Consume(ctx, "tx", now.Add(time.Minute)); !errors.Is(err, challenge.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRedisChallengeStoreTTLFollowsRecordClock(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisChallengeStore(rdb, "")
	ctx := context.Background()
	issued := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.Create(ctx, &challenge.Record{TransactionID: "old", Serial: "PISM1", CreatedAt: issued, ExpiresAt: issued.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := mr.TTL("mfa:ch:old"); ttl != 2*time.Minute+challengeTTLGrace {
		t.Fatalf("expected TTL from record validity, got %v", ttl)
	}

	later := issued.Add(30 * time.Second)
	if err := s.Create(ctx, &challenge.Record{TransactionID: "old", Serial: "PISM2", CreatedAt: later, ExpiresAt: later.Add(5 * time.Minute)}); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if ttl := mr.TTL("mfa:ch:old"); ttl != 5*time.Minute+challengeTTLGrace {
		t.Fatalf("expected TTL to cover the later record, got %v", ttl)
	}

	mr.FastForward(5 * time.Minute)
	got, err := s.Consume(ctx, "old", later.Add(time.Minute))
	if err != nil || len(got) != 2 {
		t.Fatalf("expected both records still stored, got %d %v", len(got), err)
	}
}

func TestRedisChallengeStoreSingleWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewRedisChallengeStore(rdb, "")
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.Create(ctx, &challenge.Record{TransactionID: "race", Serial: "OATH1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "race", now); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestRedisChallengeStoreBackendDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisChallengeStore(rdb, "")
	mr.Close()
	_, err := s.Consume(context.Background(), "tx", time.Now())
	if !errors.Is(err, challenge.ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func TestDecodeChallengesRejectsBadVersion(t *testing.T) {
	if _, err := decodeChallenges([]byte{9, 0, 0}, "tx"); err == nil {
		t.Fatalf("expected version error")
	}
}
