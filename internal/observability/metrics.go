package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Submissions       *prometheus.CounterVec
	SubmitLatency     prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of connections currently marked connected.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Answer submissions by outcome.",
		}, []string{"outcome"}),
		SubmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_latency_ms",
			Help:      "Submission processing latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
