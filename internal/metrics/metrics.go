// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RoomsCreated     prometheus.Counter
	RoomsLocked      prometheus.Counter
	RoomsPurged      prometheus.Counter
	MessagesCreated  prometheus.Counter
	UploadBytes      prometheus.Counter
	PushConnections  prometheus.Gauge
	PushFramesSent   *prometheus.CounterVec
	PushFramesDrop   prometheus.Counter
	RateLimited      *prometheus.CounterVec
	WebhookDelivered *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workroom", Name: "rooms_created_total", Help: "Rooms created.",
		}),
		RoomsLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workroom", Name: "rooms_locked_total", Help: "Rooms finalised by both participants.",
		}),
		RoomsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workroom", Name: "rooms_purged_total", Help: "Finalised rooms removed by retention.",
		}),
		MessagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workroom", Name: "messages_created_total", Help: "Messages stored.",
		}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workroom", Name: "upload_bytes_total", Help: "Attachment bytes written to disk.",
		}),
		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workroom", Name: "push_connections", Help: "Open websocket push connections.",
		}),
		PushFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workroom", Name: "push_frames_sent_total", Help: "Push frames queued to connections.",
		}, []string{"type"}),
		PushFramesDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workroom", Name: "push_frames_dropped_total", Help: "Push frames dropped because a connection queue was full.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workroom", Name: "rate_limited_total", Help: "Requests or frames rejected by a rate limiter.",
		}, []string{"kind"}),
		WebhookDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workroom", Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(
		m.RoomsCreated, m.RoomsLocked, m.RoomsPurged, m.MessagesCreated, m.UploadBytes,
		m.PushConnections, m.PushFramesSent, m.PushFramesDrop, m.RateLimited, m.WebhookDelivered,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RoomCreated() {
	if m != nil {
		m.RoomsCreated.Inc()
	}
}

func (m *Metrics) RoomLocked() {
	if m != nil {
		m.RoomsLocked.Inc()
	}
}

func (m *Metrics) RoomPurged() {
	if m != nil {
		m.RoomsPurged.Inc()
	}
}

func (m *Metrics) MessageCreated(uploadBytes int64) {
	if m == nil {
		return
	}
	m.MessagesCreated.Inc()
	if uploadBytes > 0 {
		m.UploadBytes.Add(float64(uploadBytes))
	}
}

func (m *Metrics) PushOpened() {
	if m != nil {
		m.PushConnections.Inc()
	}
}

func (m *Metrics) PushClosed() {
	if m != nil {
		m.PushConnections.Dec()
	}
}

func (m *Metrics) FrameSent(frameType string) {
	if m != nil {
		m.PushFramesSent.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.PushFramesDrop.Inc()
	}
}

func (m *Metrics) Limited(kind string) {
	if m != nil {
		m.RateLimited.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Webhook(outcome string) {
	if m != nil {
		m.WebhookDelivered.WithLabelValues(outcome).Inc()
	}
}
