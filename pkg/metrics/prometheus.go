package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes pipeline metrics to Prometheus.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	forecastsIssued    *prometheus.CounterVec
	modelFailures      *prometheus.CounterVec
	modelLatency       *prometheus.HistogramVec
	forecastsResolved  *prometheus.CounterVec
	forecastsStale     *prometheus.GaugeVec
	modelMAPE          *prometheus.GaugeVec
	observationsStored *prometheus.CounterVec
}

// New creates a recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates a recorder on a custom registry (tests, embedding).
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)

	return &Recorder{
		gatherer: gatherer,
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copperwatch_runs_total",
				Help: "Pipeline runs by operation and result",
			},
			[]string{"operation", "result"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copperwatch_run_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		forecastsIssued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copperwatch_forecasts_issued_total",
				Help: "Forecast rows written",
			},
			[]string{"instrument", "model"},
		),
		modelFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copperwatch_model_failures_total",
				Help: "Adapters excluded from an issuance",
			},
			[]string{"model", "reason"},
		),
		modelLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copperwatch_model_inference_seconds",
				Help:    "Adapter inference latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		forecastsResolved: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copperwatch_forecasts_resolved_total",
				Help: "Forecasts resolved against realized prices",
			},
			[]string{"instrument"},
		),
		forecastsStale: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "copperwatch_forecasts_stale",
				Help: "Unresolved forecasts past target date without a realized price",
			},
			[]string{"instrument"},
		),
		modelMAPE: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "copperwatch_model_mape_percent",
				Help: "Latest rolling MAPE per model and horizon",
			},
			[]string{"instrument", "model", "horizon"},
		),
		observationsStored: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copperwatch_observations_stored_total",
				Help: "Price observations upserted from the feed",
			},
			[]string{"instrument"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// RecordRun records one pipeline run.
func (r *Recorder) RecordRun(operation string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	r.runsTotal.WithLabelValues(operation, result).Inc()
	r.runDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordIssued records forecast rows written for one model.
func (r *Recorder) RecordIssued(instrument, model string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.forecastsIssued.WithLabelValues(instrument, model).Add(float64(n))
}

// RecordModelFailure records an adapter excluded from an issuance.
func (r *Recorder) RecordModelFailure(model, reason string) {
	if r == nil {
		return
	}
	r.modelFailures.WithLabelValues(model, reason).Inc()
}

// RecordModelLatency records one adapter call.
func (r *Recorder) RecordModelLatency(model string, d time.Duration) {
	if r == nil {
		return
	}
	r.modelLatency.WithLabelValues(model).Observe(d.Seconds())
}

// RecordReconciliation records one reconciliation pass for an instrument.
func (r *Recorder) RecordReconciliation(instrument string, resolved, stale int) {
	if r == nil {
		return
	}
	r.forecastsResolved.WithLabelValues(instrument).Add(float64(resolved))
	r.forecastsStale.WithLabelValues(instrument).Set(float64(stale))
}

// RecordMAPE records the latest MAPE snapshot.
func (r *Recorder) RecordMAPE(instrument, model string, horizon int, mape float64) {
	if r == nil {
		return
	}
	r.modelMAPE.WithLabelValues(instrument, model, strconv.Itoa(horizon)).Set(mape)
}

// RecordObservations records observations stored for an instrument.
func (r *Recorder) RecordObservations(instrument string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.observationsStored.WithLabelValues(instrument).Add(float64(n))
}
