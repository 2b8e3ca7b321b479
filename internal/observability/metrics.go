package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the notification layer's Prometheus series.
//
// All methods are safe on a nil *Metrics so components can run without metrics in tests.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.FrameBroadcast(types.EventNewMessage, 3)
type Metrics struct {
	// Connections is the number of live transports.
	Connections prometheus.Gauge

	// Groups is the number of non-empty groups seen by the last presence scan.
	Groups prometheus.Gauge

	// FramesBroadcast counts frames queued to members.
	// Labels: event
	FramesBroadcast *prometheus.CounterVec

	// DeliveryFailures counts members skipped during a broadcast.
	// Labels: event
	DeliveryFailures *prometheus.CounterVec

	// Admissions counts join attempts.
	// Labels: result (fast_path|admitted|event_not_found|lookup_failed)
	Admissions *prometheus.CounterVec

	// ChangeEvents counts change events dispatched by the feed.
	// Labels: kind
	ChangeEvents *prometheus.CounterVec

	// PresenceScanDuration measures one presence refresh pass in seconds.
	PresenceScanDuration prometheus.Histogram

	// ClientEventsDropped counts inbound client events refused by the rate limiter.
	ClientEventsDropped prometheus.Counter
}

// NewMetrics registers every series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "litepost",
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		Groups: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "litepost",
			Name:      "groups",
			Help:      "Non-empty event groups at the last presence scan.",
		}),
		FramesBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "litepost",
			Name:      "frames_broadcast_total",
			Help:      "Frames queued to group members.",
		}, []string{"event"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "litepost",
			Name:      "delivery_failures_total",
			Help:      "Members skipped because their queue was full or closed.",
		}, []string{"event"}),
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "litepost",
			Name:      "admissions_total",
			Help:      "Join attempts by outcome.",
		}, []string{"result"}),
		ChangeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "litepost",
			Name:      "change_events_total",
			Help:      "Change events dispatched by the feed.",
		}, []string{"kind"}),
		PresenceScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "litepost",
			Name:      "presence_scan_seconds",
			Help:      "Duration of one presence refresh pass.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		ClientEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "litepost",
			Name:      "client_events_dropped_total",
			Help:      "Client events dropped by the per-connection rate limit.",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

// FrameBroadcast records one broadcast of event to delivered members.
func (m *Metrics) FrameBroadcast(event string, delivered int) {
	if m != nil && delivered > 0 {
		m.FramesBroadcast.WithLabelValues(event).Add(float64(delivered))
	}
}

func (m *Metrics) DeliveryFailed(event string) {
	if m != nil {
		m.DeliveryFailures.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Admission(result string) {
	if m != nil {
		m.Admissions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ChangeEvent(kind string) {
	if m != nil {
		m.ChangeEvents.WithLabelValues(kind).Inc()
	}
}

// PresenceScan records a finished scan over groups groups.
func (m *Metrics) PresenceScan(groups int, seconds float64) {
	if m != nil {
		m.Groups.Set(float64(groups))
		m.PresenceScanDuration.Observe(seconds)
	}
}

func (m *Metrics) ClientEventDropped() {
	if m != nil {
		m.ClientEventsDropped.Inc()
	}
}
