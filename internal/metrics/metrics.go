package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Client metrics
	ClientConnected()
	ClientDisconnected()
	ClientRateLimited()

	// Room metrics
	RoomOpened(roomID string)
	RoomClosed(roomID string)
	ParticipantJoined(roomID, role string)
	ParticipantLeft(roomID string)
	ChatMessage(roomID string)

	// Signaling metrics
	MessageReceived(messageType string, sizeBytes int)
	MessageSent(messageType string, sizeBytes int)
	MessageError(messageType, errorType string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	activeClients prometheus.Gauge
	rateLimited   prometheus.Counter

	activeRooms  prometheus.Gauge
	roomViewers  *prometheus.GaugeVec
	joins        *prometheus.CounterVec
	chatMessages *prometheus.CounterVec

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	messageErrors    *prometheus.CounterVec
	messageSize      *prometheus.HistogramVec
}

// NewPrometheusCollector registers the collectors with reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		gatherer: reg,

		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveroom_active_clients",
			Help: "Number of active WebSocket clients",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveroom_rate_limited_frames_total",
			Help: "Total number of frames rejected by the per-client rate limiter",
		}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveroom_active_rooms",
			Help: "Number of rooms with at least one participant",
		}),
		roomViewers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "liveroom_room_participants",
				Help: "Distinct participants currently joined per room",
			},
			[]string{"room_id"},
		),
		joins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveroom_joins_total",
				Help: "Total number of distinct room joins",
			},
			[]string{"role"},
		),
		chatMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveroom_chat_messages_total",
				Help: "Total number of chat messages fanned out",
			},
			[]string{"room_id"},
		),

		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveroom_messages_received_total",
				Help: "Total number of signaling messages received",
			},
			[]string{"message_type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveroom_messages_sent_total",
				Help: "Total number of signaling messages sent",
			},
			[]string{"message_type"},
		),
		messageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveroom_message_errors_total",
				Help: "Total number of signaling message errors",
			},
			[]string{"message_type", "error_type"},
		),
		messageSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "liveroom_message_size_bytes",
				Help:    "Size of signaling messages in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64B to 32KB
			},
			[]string{"message_type", "direction"},
		),
	}
}

// ClientConnected records a client connection
func (c *PrometheusCollector) ClientConnected() {
	c.activeClients.Inc()
}

// ClientDisconnected records a client disconnection
func (c *PrometheusCollector) ClientDisconnected() {
	c.activeClients.Dec()
}

func (c *PrometheusCollector) ClientRateLimited() {
	c.rateLimited.Inc()
}

func (c *PrometheusCollector) RoomOpened(roomID string) {
	c.activeRooms.Inc()
}

func (c *PrometheusCollector) RoomClosed(roomID string) {
	c.activeRooms.Dec()
	c.roomViewers.DeleteLabelValues(roomID)
	c.chatMessages.DeleteLabelValues(roomID)
}

func (c *PrometheusCollector) ParticipantJoined(roomID, role string) {
	c.joins.WithLabelValues(role).Inc()
	c.roomViewers.WithLabelValues(roomID).Inc()
}

func (c *PrometheusCollector) ParticipantLeft(roomID string) {
	c.roomViewers.WithLabelValues(roomID).Dec()
}

func (c *PrometheusCollector) ChatMessage(roomID string) {
	c.chatMessages.WithLabelValues(roomID).Inc()
}

// MessageReceived records a received message
func (c *PrometheusCollector) MessageReceived(messageType string, sizeBytes int) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues(messageType, "received").Observe(float64(sizeBytes))
}

// MessageSent records a sent message
func (c *PrometheusCollector) MessageSent(messageType string, sizeBytes int) {
	c.messagesSent.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues(messageType, "sent").Observe(float64(sizeBytes))
}

// MessageError records a message error
func (c *PrometheusCollector) MessageError(messageType, errorType string) {
	c.messageErrors.WithLabelValues(messageType, errorType).Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) ClientConnected()                 {}
func (Nop) ClientDisconnected()              {}
func (Nop) ClientRateLimited()               {}
func (Nop) RoomOpened(string)                {}
func (Nop) RoomClosed(string)                {}
func (Nop) ParticipantJoined(string, string) {}
func (Nop) ParticipantLeft(string)           {}
func (Nop) ChatMessage(string)               {}
func (Nop) MessageReceived(string, int)      {}
func (Nop) MessageSent(string, int)          {}
func (Nop) MessageError(string, string)      {}
func (Nop) Handler() http.Handler            { return http.NotFoundHandler() }
