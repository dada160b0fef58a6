// Package observability exposes scheduler internals: a Prometheus metrics
// collector and the debug HTTP server that serves it next to pprof.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the scheduler's Prometheus registry. All recording helpers
// are nil-safe so callers can run without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	batchTotal    *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	runTotal      *prometheus.CounterVec
	rateDelay     *prometheus.GaugeVec
	inCooldown    *prometheus.GaugeVec
	passPending   *prometheus.GaugeVec
}

func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts by interval and outcome (success or failure kind).",
		}, []string{"interval", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tickerd",
			Name:      "fetch_duration_seconds",
			Help:      "Latency distribution of provider fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"interval"}),
		batchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "batches_total",
			Help:      "Executed batches by strategy.",
		}, []string{"strategy"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tickerd",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of batches, including rate-limit waits.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"interval"}),
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "runs_total",
			Help:      "Completed runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		rateDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickerd",
			Name:      "rate_limit_delay_seconds",
			Help:      "Current adaptive delay per interval class.",
		}, []string{"interval"}),
		inCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickerd",
			Name:      "entities_in_cooldown",
			Help:      "Entities currently excluded by cooldown, per interval.",
		}, []string{"interval"}),
		passPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickerd",
			Name:      "pass_pending_items",
			Help:      "Work items still pending in the active pass, per interval.",
		}, []string{"interval"}),
	}

	for _, c := range []prometheus.Collector{
		m.fetchTotal, m.fetchDuration, m.batchTotal, m.batchDuration,
		m.runTotal, m.rateDelay, m.inCooldown, m.passPending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry for the debug server's /metrics route.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(interval, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(interval, outcome).Inc()
	m.fetchDuration.WithLabelValues(interval).Observe(d.Seconds())
}

func (m *Metrics) ObserveBatch(strategy, interval string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchTotal.WithLabelValues(strategy).Inc()
	m.batchDuration.WithLabelValues(interval).Observe(d.Seconds())
}

func (m *Metrics) RunFinished(strategy string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.runTotal.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) SetRateDelay(interval string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateDelay.WithLabelValues(interval).Set(d.Seconds())
}

func (m *Metrics) SetCooldownCount(interval string, n int) {
	if m == nil {
		return
	}
	m.inCooldown.WithLabelValues(interval).Set(float64(n))
}

func (m *Metrics) SetPassPending(interval string, n int) {
	if m == nil {
		return
	}
	m.passPending.WithLabelValues(interval).Set(float64(n))
}
