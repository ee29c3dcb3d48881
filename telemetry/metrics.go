// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	DanmakuReceived     *prometheus.CounterVec // by source
	DanmakuDelivered    *prometheus.CounterVec // by source
	DeliveryFailures    prometheus.Counter
	DeliveryDropped     prometheus.Counter
	RoomOperations      *prometheus.CounterVec // by op: join, leave, reconnect
	ConversationAnswers *prometheus.CounterVec // by state, outcome
	ScheduledActions    *prometheus.CounterVec // by action, outcome
	SourceConnects      *prometheus.CounterVec // by source, outcome

	// Histograms (seconds)
	DeliveryDuration prometheus.Observer

	// Gauges
	RoomsOpen       prometheus.Gauge
	RoomSubscribers prometheus.Gauge
	ChatsRegistered prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DanmakuReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmaku_received_total", Help: "Danmaku events received from feed sources"}, []string{"source"})
		DanmakuDelivered = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmaku_delivered_total", Help: "Danmaku messages delivered to chats"}, []string{"source"})
		DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "danmaku_delivery_failures_total", Help: "Danmaku deliveries that failed at the transport"})
		DeliveryDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "danmaku_delivery_dropped_total", Help: "Danmaku deliveries dropped because a chat queue was full"})
		RoomOperations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "room_operations_total", Help: "Feed adapter room operations issued"}, []string{"op"})
		ConversationAnswers = promauto.NewCounterVec(prometheus.CounterOpts{Name: "conversation_answers_total", Help: "Conversation answers handled"}, []string{"state", "outcome"})
		ScheduledActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scheduled_actions_total", Help: "Scheduled chat actions executed"}, []string{"action", "outcome"})
		SourceConnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmaku_source_connects_total", Help: "Feed source connection attempts"}, []string{"source", "outcome"})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "danmaku_delivery_duration_seconds", Help: "Transport send duration seconds", Buckets: prometheus.DefBuckets})
		RoomsOpen = promauto.NewGauge(prometheus.GaugeOpts{Name: "rooms_open", Help: "Rooms with at least one subscribed chat"})
		RoomSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "room_subscribers", Help: "Chats subscribed to a room"})
		ChatsRegistered = promauto.NewGauge(prometheus.GaugeOpts{Name: "chats_registered", Help: "Chats with a stored configuration"})
	})
}

// SetRoomStats records the subscription table size.
func SetRoomStats(open, subscribers int) {
	if RoomsOpen != nil {
		RoomsOpen.Set(float64(open))
	}
	if RoomSubscribers != nil {
		RoomSubscribers.Set(float64(subscribers))
	}
}

// IncRoomOperation counts an adapter room operation.
func IncRoomOperation(op string) {
	if RoomOperations != nil {
		RoomOperations.WithLabelValues(op).Inc()
	}
}

// IncReceived counts an inbound danmaku event.
func IncReceived(source string) {
	if DanmakuReceived != nil {
		DanmakuReceived.WithLabelValues(source).Inc()
	}
}

// IncDelivered counts a successful delivery.
func IncDelivered(source string) {
	if DanmakuDelivered != nil {
		DanmakuDelivered.WithLabelValues(source).Inc()
	}
}

// IncDeliveryFailure counts a failed delivery.
func IncDeliveryFailure() {
	if DeliveryFailures != nil {
		DeliveryFailures.Inc()
	}
}

// IncDeliveryDropped counts a delivery dropped on queue overflow.
func IncDeliveryDropped() {
	if DeliveryDropped != nil {
		DeliveryDropped.Inc()
	}
}

// IncConversationAnswer counts a conversation answer by state and outcome (applied, rejected).
func IncConversationAnswer(state, outcome string) {
	if ConversationAnswers != nil {
		ConversationAnswers.WithLabelValues(state, outcome).Inc()
	}
}

// IncScheduledAction counts a scheduled action run by outcome (ok, error).
func IncScheduledAction(action, outcome string) {
	if ScheduledActions != nil {
		ScheduledActions.WithLabelValues(action, outcome).Inc()
	}
}

// IncSourceConnect counts a feed source connection attempt.
func IncSourceConnect(source, outcome string) {
	if SourceConnects != nil {
		SourceConnects.WithLabelValues(source, outcome).Inc()
	}
}

// SetChatsRegistered records the number of stored chat configurations.
func SetChatsRegistered(n int) {
	if ChatsRegistered != nil {
		ChatsRegistered.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
