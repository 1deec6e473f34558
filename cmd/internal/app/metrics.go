package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus instrumentation. It also satisfies
// realtime.Metrics so the broadcast engine reports deliveries through it.
type Metrics struct {
	registry *prometheus.Registry

	MessagesIn       prometheus.Counter
	DeliveriesOK     prometheus.Counter
	DeliveriesFailed *prometheus.CounterVec
	AppendDuration   prometheus.Histogram
}

// NewMetrics constructs and registers the server metric set. connCount feeds
// the open-connections gauge; pass nil when no registry exists yet.
func NewMetrics(connCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	if connCount != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "ws_connections_open",
			Help:      "Currently open websocket connections.",
		}, func() float64 { return float64(connCount()) })
	}

	return &Metrics{
		registry: reg,
		MessagesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_appended_total",
			Help:      "Messages durably appended to room logs.",
		}),
		DeliveriesOK: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_total",
			Help:      "Frames successfully queued to subscribers.",
		}),
		DeliveriesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_failed_total",
			Help:      "Frames that could not be queued, by reason.",
		}, []string{"reason"}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "append_duration_seconds",
			Help:      "Latency of durable message appends.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler exposes the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageDelivered implements realtime.Metrics.
func (m *Metrics) MessageDelivered() { m.DeliveriesOK.Inc() }

// MessageDropped implements realtime.Metrics.
func (m *Metrics) MessageDropped(reason string) {
	m.DeliveriesFailed.WithLabelValues(reason).Inc()
}

// ObserveAppend records one append latency sample.
func (m *Metrics) ObserveAppend(d time.Duration) {
	m.MessagesIn.Inc()
	m.AppendDuration.Observe(d.Seconds())
}
