package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	goMFA "github.com/MrEthical07/goMFA"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot goMFA.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() goMFA.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := goMFA.MetricsSnapshot{
		Counters:   make(map[goMFA.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[goMFA.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		out.Histograms[k] = append([]uint64(nil), buckets...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func sumValue(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if len(data.DataPoints) > 0 {
					return data.DataPoints[0].Value, true
				}
			case metricdata.Gauge[int64]:
				if len(data.DataPoints) > 0 {
					var max int64
					for _, dp := range data.DataPoints {
						if dp.Value > max {
							max = dp.Value
						}
					}
					return max, true
				}
			}
		}
	}
	return 0, false
}

func TestExporterCollectsCounters(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{
		snapshot: goMFA.MetricsSnapshot{
			Counters: map[goMFA.MetricID]uint64{goMFA.MetricCheckSuccess: 3},
			Histograms: map[goMFA.MetricID][]uint64{
				goMFA.MetricCheckLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 1,
	}

	exp, err := NewOTelExporterFromSource(provider.Meter("gomfa-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	v, ok := sumValue(rm, "gomfa_check_success_total")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	v, ok = sumValue(rm, "gomfa_audit_dropped_total")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	v, ok = sumValue(rm, "gomfa_check_latency_seconds_count")
	require.True(t, ok)
	assert.Equal(t, int64(8), v)

	v, ok = sumValue(rm, "gomfa_check_latency_seconds_bucket")
	require.True(t, ok)
	assert.Equal(t, int64(8), v)
}

func TestExporterRejectsNilInputs(t *testing.T) {
	_, provider := newMeter()
	_, err := NewOTelExporterFromSource(provider.Meter("gomfa-test"), nil)
	assert.ErrorIs(t, err, ErrNilSource)
	_, err = NewOTelExporterFromSource(nil, &fakeSource{})
	assert.ErrorIs(t, err, ErrNilMeter)
}

func TestExporterConcurrentCollect(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{
		snapshot: goMFA.MetricsSnapshot{
			Counters:   map[goMFA.MetricID]uint64{goMFA.MetricCheckFailure: 1},
			Histograms: map[goMFA.MetricID][]uint64{},
		},
	}
	exp, err := NewOTelExporterFromSource(provider.Meter("gomfa-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[goMFA.MetricCheckFailure] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
