// Package telemetry exposes the core's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the counters and histograms recorded by the hosting
// application around the forecasting facade.
type Metrics struct {
	registry *prometheus.Registry

	ObservationsTotal *prometheus.CounterVec
	ForecastsTotal    *prometheus.CounterVec
	RetrainsTotal     *prometheus.CounterVec
	IngestDuration    prometheus.Histogram
	ForecastDuration  prometheus.Histogram
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ObservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "observations_total",
			Help: "Observations ingested, by result.",
		}, []string{"result"}),
		ForecastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forecasts_total",
			Help: "Forecasts generated, by result.",
		}, []string{"result"}),
		RetrainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retrains_total",
			Help: "Full model retrains, by outcome.",
		}, []string{"outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingest_duration_seconds",
			Help:    "Wall time of one ingest call.",
			Buckets: prometheus.DefBuckets,
		}),
		ForecastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "forecast_duration_seconds",
			Help:    "Wall time of one forecast call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.ObservationsTotal, m.ForecastsTotal, m.RetrainsTotal,
		m.IngestDuration, m.ForecastDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
