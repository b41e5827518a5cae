package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "reposcout"

// Metrics owns the service's Prometheus registry. It doubles as the stats
// sink of the channel hub, the search orchestrator, the dispatcher and the
// result receiver.
type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.HistogramVec
	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	dispatched     prometheus.Counter
	emits          *prometheus.CounterVec
	connections    prometheus.Gauge
	results        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "searches_total",
			Help:      "Repository searches by outcome.",
		}, []string{"status"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "search_duration_seconds",
			Help:      "Time to fetch all pages of a search.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_messages_published_total",
			Help:      "Messages accepted by the broker.",
		}),
		emits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_emits_total",
			Help:      "Push events by event name and outcome.",
		}, []string{"event", "outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channel_bound_identities",
			Help:      "Identities with a live push connection on this instance.",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "analysis_results_total",
			Help:      "Analysis results received from the worker by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.searches, m.searchDuration, m.dispatched, m.emits, m.connections, m.results,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) Delivered(event string) { m.emits.WithLabelValues(event, "delivered").Inc() }
func (m *Metrics) Dropped(event string)   { m.emits.WithLabelValues(event, "dropped").Inc() }
func (m *Metrics) Bound(delta int)        { m.connections.Add(float64(delta)) }

func (m *Metrics) SearchCompleted(status string, elapsed time.Duration) {
	m.searches.WithLabelValues(status).Inc()
	m.searchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) MessagesPublished(n int) {
	m.dispatched.Add(float64(n))
}

func (m *Metrics) ResultReceived(stored bool) {
	outcome := "stored"
	if !stored {
		outcome = "failed"
	}
	m.results.WithLabelValues(outcome).Inc()
}
