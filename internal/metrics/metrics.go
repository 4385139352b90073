// Package metrics holds the Prometheus instruments of the arena. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains every instrument, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	StakesTotal       *prometheus.CounterVec
	RoundsStarted     *prometheus.CounterVec
	RoundsSettled     *prometheus.CounterVec
	JobRuns           *prometheus.CounterVec
	SettlementLatency *prometheus.HistogramVec
	PriceAgeSeconds   prometheus.Gauge
	PriceFetchErrors  prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		StakesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_stakes_total",
			Help: "Stake submissions by result",
		}, []string{"mode", "result"}),

		RoundsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_rounds_started_total",
			Help: "Rounds started by mode",
		}, []string{"mode"}),

		RoundsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_rounds_settled_total",
			Help: "Rounds resolved or cancelled, by mode and outcome",
		}, []string{"mode", "outcome"}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_scheduler_job_runs_total",
			Help: "Scheduler job executions by job and result",
		}, []string{"job", "result"}),

		SettlementLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_settlement_call_seconds",
			Help:    "Latency of external settlement calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "result"}),

		PriceAgeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_price_age_seconds",
			Help: "Age of the last observed reference price",
		}),

		PriceFetchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_price_fetch_errors_total",
			Help: "Failed price polls after retries",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordStake(mode, result string) {
	if m == nil {
		return
	}
	m.StakesTotal.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) RecordRoundStarted(mode string) {
	if m == nil {
		return
	}
	m.RoundsStarted.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordRoundSettled(mode, outcome string) {
	if m == nil {
		return
	}
	m.RoundsSettled.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) RecordJob(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) ObserveSettlementCall(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SettlementLatency.WithLabelValues(op, result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetPriceAge(age time.Duration) {
	if m == nil {
		return
	}
	m.PriceAgeSeconds.Set(age.Seconds())
}

func (m *Metrics) RecordPriceFetchError() {
	if m == nil {
		return
	}
	m.PriceFetchErrors.Inc()
}
