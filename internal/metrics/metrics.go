// Package metrics exposes the pipeline's read-only counters for an
// external scraper. Nothing here pushes; the registry is served over
// /metrics and polled.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/router"
)

// Metrics owns the registry and collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	notifications *prometheus.CounterVec
	confirmed     prometheus.Counter
	rejected      prometheus.Counter
}

// New builds the registry with the static collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "priceslash",
			Name:      "notifications_total",
			Help:      "Channel send attempts by outcome.",
		}, []string{"channel", "outcome"}),
		confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "priceslash",
			Name:      "glitches_confirmed_total",
			Help:      "Detections the validator confirmed.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "priceslash",
			Name:      "glitches_rejected_total",
			Help:      "Detections the validator rejected.",
		}),
	}
	m.registry.MustRegister(m.notifications, m.confirmed, m.rejected)
	return m
}

// ObserveSend counts one channel attempt.
func (m *Metrics) ObserveSend(channel string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// ObserveVerdict counts a validator decision.
func (m *Metrics) ObserveVerdict(confirmed bool) {
	if confirmed {
		m.confirmed.Inc()
		return
	}
	m.rejected.Inc()
}

// WatchRouter surfaces router state as gauges computed at scrape time.
func (m *Metrics) WatchRouter(r *router.Router) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "priceslash",
			Name:      "router_sota_calls",
			Help:      "Premium-tier completion calls this process.",
		}, func() float64 {
			return float64(r.Stats().SotaCalls)
		}),
	)

	m.registry.MustRegister(&routerCollector{router: r})
}

// WatchDeadLetters surfaces DLQ depth per stream at scrape time.
func (m *Metrics) WatchDeadLetters(store broker.Broker, streams ...string) {
	for _, stream := range streams {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "priceslash",
			Name:        "dead_letter_depth",
			Help:        "Entries parked in the dead-letter queue.",
			ConstLabels: prometheus.Labels{"stream": stream},
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := store.DeadLetterLen(ctx, stream)
			if err != nil {
				return -1
			}
			return float64(n)
		}))
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// routerCollector reports per-model call and error counts from router
// stats snapshots.
type routerCollector struct {
	router *router.Router
}

var (
	callsDesc = prometheus.NewDesc(
		"priceslash_model_calls_total",
		"Completion calls per model this process.",
		[]string{"model"}, nil,
	)
	errorsDesc = prometheus.NewDesc(
		"priceslash_model_errors",
		"Decayed error count per model.",
		[]string{"model"}, nil,
	)
)

func (c *routerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- callsDesc
	ch <- errorsDesc
}

func (c *routerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.router.Stats()
	for model, calls := range stats.Calls {
		ch <- prometheus.MustNewConstMetric(callsDesc, prometheus.CounterValue, float64(calls), model)
	}
	for model, errs := range stats.Errors {
		ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.GaugeValue, float64(errs), model)
	}
}
