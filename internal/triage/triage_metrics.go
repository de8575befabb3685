package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	RolloutPathTotal  *prometheus.CounterVec
	InferenceTotal    *prometheus.CounterVec
	InferenceLatency  prometheus.Histogram
	DispatchTotal     *prometheus.CounterVec
	DuplicatesTotal   prometheus.Counter
	TriageDuration    *prometheus.HistogramVec
	LedgerErrorsTotal prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_decisions_total",
			Help: "Total triage decisions by action status and source.",
		}, []string{"action_status", "source"}),
		RolloutPathTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_rollout_path_total",
			Help: "Total requests by assigned treatment path.",
		}, []string{"path"}),
		InferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_inference_calls_total",
			Help: "Total inference attempt sequences by outcome.",
		}, []string{"outcome"}),
		InferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sieve_inference_latency_seconds",
			Help:    "Latency of the whole inference attempt sequence.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_archive_dispatch_total",
			Help: "Total archive dispatch attempts by outcome.",
		}, []string{"outcome"}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sieve_duplicates_skipped_total",
			Help: "Total requests short-circuited by the idempotency ledger.",
		}),
		TriageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sieve_triage_duration_seconds",
			Help:    "End-to-end triage duration by action status.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}, []string{"action_status"}),
		LedgerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sieve_ledger_errors_total",
			Help: "Total idempotency ledger failures (each fails a request closed).",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.RolloutPathTotal,
		m.InferenceTotal,
		m.InferenceLatency,
		m.DispatchTotal,
		m.DuplicatesTotal,
		m.TriageDuration,
		m.LedgerErrorsTotal,
	)

	return m
}
