package quota

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexiloop/nexiloop/pkg/models"
)

// Metrics contains Prometheus collectors for the ledger. A nil *Metrics
// records nothing.
type Metrics struct {
	checks        *prometheus.CounterVec
	increments    *prometheus.CounterVec
	rollovers     *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
}

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexiloop_quota_checks_total",
				Help: "Total number of quota checks by class and result",
			},
			[]string{"class", "result"},
		),
		increments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexiloop_quota_increments_total",
				Help: "Total number of counter increments by class",
			},
			[]string{"class"},
		),
		rollovers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexiloop_quota_rollovers_total",
				Help: "Total number of daily window resets by class",
			},
			[]string{"class"},
		),
		storageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexiloop_quota_storage_errors_total",
				Help: "Total number of store failures by operation",
			},
			[]string{"op"},
		),
		opDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexiloop_quota_op_duration_seconds",
				Help:    "Duration of ledger operations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to 1.6s
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) recordCheck(class models.QuotaClass, result string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(string(class), result).Inc()
}

func (m *Metrics) recordIncrement(class models.QuotaClass) {
	if m == nil {
		return
	}
	m.increments.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) recordRollover(class models.QuotaClass) {
	if m == nil {
		return
	}
	m.rollovers.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) recordStorageError(op string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
