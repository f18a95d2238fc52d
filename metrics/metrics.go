package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send results recorded on MessagesSent.
const (
	ResultConfirmed = "confirmed"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
	ResultLimited   = "rate_limited"
)

// Fan-out kinds recorded on FanoutDeliveries.
const (
	KindNewMessage   = "new_message"
	KindReadReceipt  = "message_read"
	KindTyping       = "typing"
	KindOnlineStatus = "online_status"
)

// Metrics holds the collectors for one server instance.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	MessagesSent     *prometheus.CounterVec
	ReadReceipts     prometheus.Counter
	FanoutDeliveries *prometheus.CounterVec
	PersistDuration  prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry() so runs do not collide.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gigchat_sessions_active",
			Help: "Live websocket sessions on this instance",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gigchat_messages_sent_total",
			Help: "Send attempts by result",
		}, []string{"result"}),
		ReadReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gigchat_read_receipts_total",
			Help: "Messages transitioned to read",
		}),
		FanoutDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gigchat_fanout_deliveries_total",
			Help: "Events enqueued on live sessions by kind",
		}, []string{"kind"}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gigchat_persist_duration_seconds",
			Help:    "Latency of message store writes",
			Buckets: prometheus.DefBuckets,
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.SessionsActive,
		m.MessagesSent,
		m.ReadReceipts,
		m.FanoutDeliveries,
		m.PersistDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Delivered records n fan-out deliveries of kind.
func (m *Metrics) Delivered(kind string, n int) {
	if n > 0 {
		m.FanoutDeliveries.WithLabelValues(kind).Add(float64(n))
	}
}
