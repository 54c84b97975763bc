package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector named in §4.7. It is owned by a single
// Core instance and registered into a private registry (never the global
// prometheus.DefaultRegisterer) so multiple Core instances — one per test,
// for example — never collide on metric names.
type Metrics struct {
	EnrollSuccessTotal prometheus.Counter
	EnrollFailureTotal prometheus.Counter

	VerifySuccessTotal prometheus.Counter
	VerifyFailureTotal prometheus.Counter

	LivenessPassTotal *prometheus.CounterVec
	LivenessFailTotal *prometheus.CounterVec

	RPCCallsTotal   *prometheus.CounterVec
	RPCLatencyMs    *prometheus.HistogramVec

	ChannelPoolActive *prometheus.GaugeVec
	ChannelPoolIdle   *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec

	DeletionRequestCreatedTotal   prometheus.Counter
	DeletionRequestApprovedTotal  prometheus.Counter
	DeletionRequestDeclinedTotal  prometheus.Counter
	DeletionRequestCompletedTotal prometheus.Counter

	BulkOperationStartedTotal   prometheus.Counter
	BulkOperationCompletedTotal prometheus.Counter
	BulkOperationFailedTotal    prometheus.Counter
	BulkOperationCancelledTotal prometheus.Counter

	TemplateUpgradedTotal prometheus.Counter
}

// NewMetrics constructs the full collector set, namespaced "bioengine".
func NewMetrics() *Metrics {
	return &Metrics{
		EnrollSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "enroll", Name: "success_total",
			Help: "Total number of successful enrollments.",
		}),
		EnrollFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "enroll", Name: "failure_total",
			Help: "Total number of failed enrollments.",
		}),
		VerifySuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "verify", Name: "success_total",
			Help: "Total number of successful verifications.",
		}),
		VerifyFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "verify", Name: "failure_total",
			Help: "Total number of failed verifications.",
		}),
		LivenessPassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "liveness", Name: "pass_total",
			Help: "Total number of passed liveness checks, by mode.",
		}, []string{"mode"}),
		LivenessFailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "liveness", Name: "fail_total",
			Help: "Total number of failed liveness checks, by mode.",
		}, []string{"mode"}),
		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "rpc", Name: "calls_total",
			Help: "Total number of BWS RPC calls by operation and result.",
		}, []string{"op", "result"}),
		RPCLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bioengine", Subsystem: "rpc", Name: "latency_ms",
			Help:    "BWS RPC call latency in milliseconds, by operation.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"op"}),
		ChannelPoolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bioengine", Subsystem: "channel_pool", Name: "active",
			Help: "Number of channels currently checked out, by region.",
		}, []string{"region"}),
		ChannelPoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bioengine", Subsystem: "channel_pool", Name: "idle",
			Help: "Number of idle channels available, by region.",
		}, []string{"region"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bioengine", Subsystem: "circuit_breaker", Name: "state",
			Help: "Circuit breaker state by operation (0=closed, 1=half_open, 2=open).",
		}, []string{"op"}),
		DeletionRequestCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "deletion_request", Name: "created_total",
			Help: "Total number of deletion requests created.",
		}),
		DeletionRequestApprovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "deletion_request", Name: "approved_total",
			Help: "Total number of deletion requests approved.",
		}),
		DeletionRequestDeclinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "deletion_request", Name: "declined_total",
			Help: "Total number of deletion requests declined.",
		}),
		DeletionRequestCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "deletion_request", Name: "completed_total",
			Help: "Total number of deletion requests completed.",
		}),
		BulkOperationStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "bulk_operation", Name: "started_total",
			Help: "Total number of bulk operations started.",
		}),
		BulkOperationCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "bulk_operation", Name: "completed_total",
			Help: "Total number of bulk operations completed (including partial success).",
		}),
		BulkOperationFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "bulk_operation", Name: "failed_total",
			Help: "Total number of bulk operations that failed entirely.",
		}),
		BulkOperationCancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "bulk_operation", Name: "cancelled_total",
			Help: "Total number of bulk operations cancelled.",
		}),
		TemplateUpgradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioengine", Subsystem: "template", Name: "upgraded_total",
			Help: "Total number of templates re-enrolled from stored thumbnails via upgrade.",
		}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EnrollSuccessTotal, m.EnrollFailureTotal,
		m.VerifySuccessTotal, m.VerifyFailureTotal,
		m.LivenessPassTotal, m.LivenessFailTotal,
		m.RPCCallsTotal, m.RPCLatencyMs,
		m.ChannelPoolActive, m.ChannelPoolIdle, m.CircuitBreakerState,
		m.DeletionRequestCreatedTotal, m.DeletionRequestApprovedTotal,
		m.DeletionRequestDeclinedTotal, m.DeletionRequestCompletedTotal,
		m.BulkOperationStartedTotal, m.BulkOperationCompletedTotal,
		m.BulkOperationFailedTotal, m.BulkOperationCancelledTotal,
		m.TemplateUpgradedTotal,
	}
}

// NewRegistry builds a private registry and registers every given collector
// set (normally just one *Metrics' Collectors()).
func NewRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
