// Package metrics exposes prometheus counters for inbox processing, remote
// fetches and outbound delivery. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	Activities    *prometheus.CounterVec
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Deliveries    *prometheus.CounterVec
	Notifications prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedgraph",
			Name:      "inbox_activities_total",
			Help:      "Inbound activities by verb and outcome.",
		}, []string{"verb", "outcome"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedgraph",
			Name:      "remote_fetches_total",
			Help:      "Remote object fetches by result.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fedgraph",
			Name:      "remote_fetch_duration_seconds",
			Help:      "Latency of remote object fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedgraph",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries by result.",
		}, []string{"result"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedgraph",
			Name:      "notifications_total",
			Help:      "Notifications created.",
		}),
	}
	m.Registry.MustRegister(
		m.Activities, m.Fetches, m.FetchDuration, m.Deliveries, m.Notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveActivity(verb, outcome string) {
	if m != nil {
		m.Activities.WithLabelValues(verb, outcome).Inc()
	}
}

func (m *Metrics) ObserveFetch(result string, took time.Duration) {
	if m != nil {
		m.Fetches.WithLabelValues(result).Inc()
		m.FetchDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveDelivery(result string) {
	if m != nil {
		m.Deliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncNotifications() {
	if m != nil {
		m.Notifications.Inc()
	}
}
