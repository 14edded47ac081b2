package goMFA

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricCheckSuccess counts accepted token checks.
	MetricCheckSuccess MetricID = iota
	// MetricCheckFailure counts rejected token checks.
	MetricCheckFailure
	// MetricTokenLocked counts checks refused by the fail counter.
	MetricTokenLocked
	// MetricReplayRejected counts values refused because their counter was spent.
	MetricReplayRejected
	// MetricChallengeCreated counts challenge transactions opened.
	MetricChallengeCreated
	// MetricChallengeAnswered counts correct challenge answers.
	MetricChallengeAnswered
	// MetricChallengeExpired counts answers that arrived after expiry.
	MetricChallengeExpired
	// MetricDeliveryFailure counts failed SMS/email deliveries.
	MetricDeliveryFailure
	// MetricResyncSuccess counts successful administrative resyncs.
	MetricResyncSuccess
	// MetricResyncFailure counts failed administrative resyncs.
	MetricResyncFailure
	// MetricTokenEnrolled counts tokens reaching the enrolled state.
	MetricTokenEnrolled
	// MetricAttestationRejected counts refused WebAuthn registrations.
	MetricAttestationRejected
	// MetricPolicyDenied counts requests refused by admin/user scope policy.
	MetricPolicyDenied
	// MetricPolicyConflict counts requests failing on a policy conflict.
	MetricPolicyConflict
	// MetricRateLimited counts checks refused by auth_max_fail/auth_max_success.
	MetricRateLimited
	// MetricCredentialIssued counts issued webui credentials.
	MetricCredentialIssued
	// MetricChallengeSwept counts challenge rows removed by the janitor.
	MetricChallengeSwept
	// MetricCheckLatency is the check latency histogram.
	MetricCheckLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free engine counters and the check latency histogram.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns a Metrics set configured by cfg. A disabled set ignores
// every update.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

// Add adds n to id.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records d in the histogram of id. Only MetricCheckLatency keeps a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricCheckLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value returns the current count of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. A disabled set yields empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricCheckLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricCheckLatency].buckets[i])
		}
		s.Histograms[MetricCheckLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
