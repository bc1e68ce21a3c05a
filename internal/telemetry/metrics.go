package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 8, 12, 20, 40, 60}

// DispatchOutcomes counts terminal router outcomes.
var DispatchOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_outcomes_total",
		Help: "Terminal dispatch outcomes by tier and state",
	},
	[]string{"tier", "state", "fallback"},
)

// DispatchDurations is the wall-clock time of a whole dispatch, retries included.
var DispatchDurations = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Seconds spent dispatching an inference request",
		Buckets: durationBuckets,
	},
	[]string{"tier"},
)

// BackendAttempts counts single backend invocations; code is "ok" on success.
var BackendAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backend_attempts_total",
		Help: "Backend invocations by model and result code",
	},
	[]string{"model", "code"},
)

var GateRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_rejections_total",
		Help: "Requests rejected by the access gate",
	},
	[]string{"reason"},
)

var TenantLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tenant_lookups_total",
		Help: "Tenant lookups by the layer that answered",
	},
	[]string{"layer"},
)

// UsageWrites counts usage persistence results: written, skipped, dropped.
var UsageWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usage_writes_total",
		Help: "Usage record persistence results",
	},
	[]string{"result"},
)

// RegisterMetrics registers every dispatcher collector with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		DispatchOutcomes,
		DispatchDurations,
		BackendAttempts,
		GateRejections,
		TenantLookups,
		UsageWrites,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
