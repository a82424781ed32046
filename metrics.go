package stepauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter (or histogram) tracked by [Metrics].
//
// MetricID values are stable within a process but not across releases; export
// snapshots by name, not by raw id.
type MetricID uint16

const (
	// MetricLoginSuccess counts password logins that issued a session directly.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts logins rejected for bad credentials.
	MetricLoginFailure
	// MetricMFARequired counts logins that produced a pending challenge.
	MetricMFARequired
	// MetricMFASetupRequired counts logins by accounts that have not enrolled.
	MetricMFASetupRequired
	// MetricMFASuccess counts completed challenge verifications.
	MetricMFASuccess
	// MetricMFAFailure counts rejected verification codes.
	MetricMFAFailure
	// MetricMFALockout counts challenges destroyed by the attempt ceiling.
	MetricMFALockout
	// MetricTrustHit counts logins that skipped the challenge via device trust.
	MetricTrustHit
	// MetricTrustExpired counts trust records found expired and purged.
	MetricTrustExpired
	// MetricTrustIssued counts remember-device grants.
	MetricTrustIssued
	// MetricTrustRevoked counts explicit trust revocations.
	MetricTrustRevoked
	// MetricEnrollStarted counts SetupMFA calls that produced a secret.
	MetricEnrollStarted
	// MetricEnrollCompleted counts successful EnableMFA transitions.
	MetricEnrollCompleted
	// MetricSSOSuccess counts SSO logins that reached a terminal result.
	MetricSSOSuccess
	// MetricSSOFailure counts failed provider exchanges.
	MetricSSOFailure
	// MetricSessionCreated counts issued sessions across all flows.
	MetricSessionCreated
	// MetricSessionInvalidated counts sessions removed for any reason.
	MetricSessionInvalidated
	// MetricLogout counts explicit logouts.
	MetricLogout
	// MetricValidateLatency is the histogram id for Validate call latency.
	MetricValidateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// paddedCounter keeps each counter on its own cache line so concurrent
// increments of different metrics do not contend.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed-size, allocation-free counter set. All methods are safe
// for concurrent use; a nil *Metrics is a valid no-op receiver.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters, returned by
// [Metrics.Snapshot].
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a Metrics set from cfg. When cfg.Enabled is false every
// method is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the Validate latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter for id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into the latency histogram for id. Only
// MetricValidateLatency carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current counter value for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter into fresh maps. The snapshot is not atomic
// across counters; individual loads are.
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
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
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
