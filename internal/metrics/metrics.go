package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the pipeline. Reason labels come
// from the closed schema.Reason set so cardinality stays bounded.
type Registry struct {
	RowsIngested    *prometheus.CounterVec
	DQViolations    *prometheus.CounterVec
	FeaturesEmitted *prometheus.CounterVec

	SignalsEmitted   *prometheus.CounterVec // labels: symbol, decision_code
	SignalsConfirmed *prometheus.CounterVec

	PrecheckDecisions *prometheus.CounterVec   // labels: symbol, reason
	OrdersSubmitted   *prometheus.CounterVec   // labels: symbol, reason
	OrderLatency      *prometheus.HistogramVec // labels: symbol
	ThrottleRate      prometheus.Gauge         // one throttler per strategy process

	SinkRowsWritten *prometheus.CounterVec // labels: sink, record_type
	SinkRotations   *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec

	ShadowParity   prometheus.Gauge
	WorkerRestarts *prometheus.CounterVec
	WorkerUp       *prometheus.GaugeVec

	reg *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates and registers the full metric set.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.RowsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_rows_ingested_total",
		Help: "Canonical rows ingested by the harvester",
	}, []string{"symbol", "kind"})

	r.DQViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_dq_violations_total",
		Help: "Data-quality gate violations by reason",
	}, []string{"reason"})

	r.FeaturesEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_features_emitted_total",
		Help: "Feature rows produced by the feature pipe",
	}, []string{"symbol"})

	r.SignalsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_signals_emitted_total",
		Help: "Signal records emitted by decision code",
	}, []string{"symbol", "decision_code"})

	r.SignalsConfirmed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_signals_confirmed_total",
		Help: "Confirmed signals by type",
	}, []string{"symbol", "signal_type"})

	r.PrecheckDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_precheck_decisions_total",
		Help: "Risk precheck outcomes by symbol and reason ('allow' for passes)",
	}, []string{"symbol", "reason"})

	r.OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_orders_submitted_total",
		Help: "Orders dispatched to an executor by outcome reason",
	}, []string{"symbol", "reason"})

	r.OrderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "of_order_latency_ms",
		Help:    "Submit-to-ack latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"symbol"})

	r.ThrottleRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "of_throttle_rate_limit",
		Help: "Current adaptive throttler rate limit (req/s)",
	})

	r.SinkRowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_sink_rows_written_total",
		Help: "Rows written per sink and record type",
	}, []string{"sink", "record_type"})

	r.SinkRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_sink_rotations_total",
		Help: "Spool-to-ready publishes per sink",
	}, []string{"sink", "record_type"})

	r.SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_sink_errors_total",
		Help: "Sink write/rotate errors by reason",
	}, []string{"sink", "reason"})

	r.ShadowParity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "of_shadow_parity_ratio",
		Help: "Rolling main-vs-shadow executor agreement ratio",
	})

	r.WorkerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "of_worker_restarts_total",
		Help: "Supervisor restarts per worker",
	}, []string{"worker"})

	r.WorkerUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "of_worker_up",
		Help: "Worker health: 1 healthy, 0 not",
	}, []string{"worker"})

	r.reg.MustRegister(
		r.RowsIngested, r.DQViolations, r.FeaturesEmitted,
		r.SignalsEmitted, r.SignalsConfirmed,
		r.PrecheckDecisions, r.OrdersSubmitted, r.OrderLatency, r.ThrottleRate,
		r.SinkRowsWritten, r.SinkRotations, r.SinkErrors,
		r.ShadowParity, r.WorkerRestarts, r.WorkerUp,
	)
	return r
}

// Handler exposes the registry for the orchestrator's /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
