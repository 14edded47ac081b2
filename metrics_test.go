package goMFA

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricCheckSuccess)

	if got := m.Value(MetricCheckSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if snap := m.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("disabled snapshot should be empty, got %v", snap.Counters)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricCheckFailure)
	m.Inc(MetricCheckFailure)
	m.Add(MetricChallengeSwept, 5)

	if got := m.Value(MetricCheckFailure); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := m.Value(MetricChallengeSwept); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricChallengeCreated)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricChallengeCreated); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricCheckLatency, d)
	}
	m.Observe(MetricCheckSuccess, time.Millisecond)

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricCheckLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
	if _, ok := snap.Histograms[MetricCheckSuccess]; ok {
		t.Fatal("only the check latency keeps a histogram")
	}
}

func TestMetricsLatencyNeedsHistogramsEnabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricCheckLatency, time.Millisecond)
	if _, ok := m.Snapshot().Histograms[MetricCheckLatency]; ok {
		t.Fatal("histogram should be absent when latency histograms are off")
	}
}

func TestEngineCountsRejectedChecks(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.Metrics.EnableLatencyHistograms = true })
	enrollHOTP(t, e, "alice", "1234")

	_, err := e.Check(context.Background(), CheckInput{User: "alice", Realm: "corp", Pass: "1234000000"})
	if err == nil {
		t.Fatal("expected rejection")
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[MetricCheckFailure] != 1 || snap.Counters[MetricCheckSuccess] != 0 {
		t.Fatalf("unexpected counters: %v", snap.Counters)
	}
	var observed uint64
	for _, v := range snap.Histograms[MetricCheckLatency] {
		observed += v
	}
	if observed != 1 {
		t.Fatalf("expected one latency observation, got %d", observed)
	}
}
