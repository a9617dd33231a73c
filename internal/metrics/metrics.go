// Package metrics exposes Prometheus instrumentation for the status stream.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the stream server reports into.
type Metrics struct {
	registry *prometheus.Registry

	Subscribers         prometheus.Gauge
	FramesSent          *prometheus.CounterVec
	SlowDisconnects     prometheus.Counter
	SubscribeRejections prometheus.Counter
	BusEvents           prometheus.Counter
	StageIngest         *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "statusd_stream_subscribers",
			Help: "Currently connected stream subscribers.",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statusd_stream_frames_sent_total",
			Help: "Frames queued for delivery to subscribers, by frame type.",
		}, []string{"type"}),
		SlowDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "statusd_stream_slow_disconnects_total",
			Help: "Subscribers disconnected because their send buffer filled.",
		}),
		SubscribeRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "statusd_stream_subscribe_rejections_total",
			Help: "Subscriptions rejected due to capacity limits.",
		}),
		BusEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "statusd_bus_events_total",
			Help: "Stage-completion deltas received from the event bus.",
		}),
		StageIngest: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statusd_stage_ingest_total",
			Help: "Stage completions ingested from pipeline workers, by stage.",
		}, []string{"stage"}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
