package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID defines a public type used by authcore APIs.
type MetricID uint16

const (
	// MetricLoginSuccess is an exported constant or variable used by the account engine.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure is an exported constant or variable used by the account engine.
	MetricLoginFailure
	// MetricLoginLocked is an exported constant or variable used by the account engine.
	MetricLoginLocked
	// MetricLockoutTriggered is an exported constant or variable used by the account engine.
	MetricLockoutTriggered
	// MetricRefreshSuccess is an exported constant or variable used by the account engine.
	MetricRefreshSuccess
	// MetricRefreshFailure is an exported constant or variable used by the account engine.
	MetricRefreshFailure
	// MetricRefreshReuseDetected is an exported constant or variable used by the account engine.
	MetricRefreshReuseDetected
	// MetricTOTPRequired is an exported constant or variable used by the account engine.
	MetricTOTPRequired
	// MetricTOTPSuccess is an exported constant or variable used by the account engine.
	MetricTOTPSuccess
	// MetricTOTPFailure is an exported constant or variable used by the account engine.
	MetricTOTPFailure
	// MetricBackupCodeUsed is an exported constant or variable used by the account engine.
	MetricBackupCodeUsed
	// MetricBackupCodeFailed is an exported constant or variable used by the account engine.
	MetricBackupCodeFailed
	// MetricDeviceRegistered is an exported constant or variable used by the account engine.
	MetricDeviceRegistered
	// MetricDeviceVerified is an exported constant or variable used by the account engine.
	MetricDeviceVerified
	// MetricDeviceRevoked is an exported constant or variable used by the account engine.
	MetricDeviceRevoked
	// MetricDeviceVerificationRequired is an exported constant or variable used by the account engine.
	MetricDeviceVerificationRequired
	// MetricSessionCreated is an exported constant or variable used by the account engine.
	MetricSessionCreated
	// MetricSessionRevoked is an exported constant or variable used by the account engine.
	MetricSessionRevoked
	// MetricLogout is an exported constant or variable used by the account engine.
	MetricLogout
	// MetricLogoutAll is an exported constant or variable used by the account engine.
	MetricLogoutAll
	// MetricAccountCreated is an exported constant or variable used by the account engine.
	MetricAccountCreated
	// MetricAccountDuplicate is an exported constant or variable used by the account engine.
	MetricAccountDuplicate
	// MetricEmailVerified is an exported constant or variable used by the account engine.
	MetricEmailVerified
	// MetricPasswordChanged is an exported constant or variable used by the account engine.
	MetricPasswordChanged
	// MetricPasswordResetRequested is an exported constant or variable used by the account engine.
	MetricPasswordResetRequested
	// MetricPasswordResetCompleted is an exported constant or variable used by the account engine.
	MetricPasswordResetCompleted
	// MetricSuspiciousActivity is an exported constant or variable used by the account engine.
	MetricSuspiciousActivity
	// MetricValidateLatency is an exported constant or variable used by the account engine.
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

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed-slot atomic counter set. Counters are padded to a
// cache line each so hot-path increments from different flows do not
// false-share.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot defines a public type used by authcore APIs.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics describes the newmetrics operation and its observable behavior.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counting is active.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc increments a counter. No-op when metrics are disabled.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a validate-path latency sample.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current counter value.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot returns a point-in-time copy of all counters and histograms.
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
