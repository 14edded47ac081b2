package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/otp"
)

const userPIN = "4711"

type userState struct {
	login   string
	serial  string
	secret  []byte
	counter int64
	mu      sync.Mutex
}

func main() {
	var (
		users       = flag.Int("users", 1000, "number of users to enroll with one HOTP token each")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (accept + reject)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		useSQL      = flag.Bool("sql", false, "keep tokens and policies in a temporary sqlite database")
		pinMemory   = flag.Uint("pin-memory", 8*1024, "argon2id memory in KiB for PIN hashes")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "key generation failed: %v\n", err)
		os.Exit(1)
	}
	cfg := goMFA.DefaultConfig()
	cfg.Secrets.Key = hex.EncodeToString(key)
	cfg.PIN.Memory = uint32(*pinMemory)
	cfg.PIN.Time = 1
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true

	builder := goMFA.New().WithConfig(cfg).WithRedis(client)
	if *useSQL {
		dir, err := os.MkdirTemp("", "gomfa-loadtest")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp dir failed: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		cfg.Database.DSN = "file:" + filepath.Join(dir, "gomfa.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		builder = builder.WithConfig(cfg).WithSQLDatabase()
		fmt.Printf("using sqlite at %s\n", dir)
	}
	engine, err := builder.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]userState, *users)
	fmt.Printf("enrolling %d tokens...\n", *users)
	startSeed := time.Now()
	for i := 0; i < *users; i++ {
		secret := make([]byte, 20)
		if _, err := rand.Read(secret); err != nil {
			fmt.Fprintf(os.Stderr, "secret generation failed: %v\n", err)
			os.Exit(1)
		}
		login := fmt.Sprintf("user-%d", i)
		enr, err := engine.Enroll(ctx, goMFA.EnrollInput{
			Type:   "hotp",
			User:   login,
			Realm:  "load",
			PIN:    userPIN,
			Secret: secret,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enroll failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = userState{login: login, serial: enr.Serial, secret: secret}
	}
	fmt.Printf("enrolled in %s\n", time.Since(startSeed).Round(time.Millisecond))

	acceptStats := runAcceptPhase(ctx, engine, states, *ops, *concurrency)
	rejectStats := runRejectPhase(ctx, engine, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("accept", acceptStats)
	printStats("reject", rejectStats)
	snap := engine.MetricsSnapshot()
	fmt.Printf("engine: check_success=%d check_failure=%d\n",
		snap.Counters[goMFA.MetricCheckSuccess], snap.Counters[goMFA.MetricCheckFailure])
}

// runAcceptPhase answers with the next valid value of a random user's
// token. The per-user lock keeps the expected counter in step with the
// store.
func runAcceptPhase(ctx context.Context, engine *goMFA.Engine, states []userState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]

				state.mu.Lock()
				code, err := otp.HOTP(state.secret, state.counter, 6, otp.SHA1)
				if err != nil {
					state.mu.Unlock()
					atomic.AddInt64(&failures, 1)
					continue
				}
				t0 := time.Now()
				res, err := engine.Check(ctx, goMFA.CheckInput{User: state.login, Realm: "load", Pass: userPIN + code})
				d := time.Since(t0)
				if err == nil && res.Accepted() {
					state.counter++
				} else {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

// runRejectPhase replays the last accepted value so every call walks the
// full reject path. Each failure is followed by a reset so tokens never
// lock.
func runRejectPhase(ctx context.Context, engine *goMFA.Engine, states []userState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]

				state.mu.Lock()
				replay := "000000"
				if state.counter > 0 {
					replay, _ = otp.HOTP(state.secret, state.counter-1, 6, otp.SHA1)
				}
				t0 := time.Now()
				res, _ := engine.Check(ctx, goMFA.CheckInput{User: state.login, Realm: "load", Pass: userPIN + replay})
				d := time.Since(t0)
				if res.Accepted() {
					atomic.AddInt64(&failures, 1)
				}
				_ = engine.ResetFailCount(ctx, state.serial)
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
