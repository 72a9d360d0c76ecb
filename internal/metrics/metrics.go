package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat service metrics for production monitoring
var (
	// Provider metrics
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_provider_requests_total",
			Help: "Total number of provider API requests",
		},
		[]string{"provider", "mode", "status"}, // mode: batch/stream, status: success or error kind
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_chat_provider_request_duration_seconds",
			Help:    "Provider request duration in seconds (time to result or first chunk)",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "mode"},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_tokens_total",
			Help: "Total number of tokens attributed to conversations",
		},
		[]string{"provider", "type", "source"}, // type: prompt/completion, source: exact/estimated
	)

	// Generation metrics
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_generations_total",
			Help: "Total number of generation attempts by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: completed/cancelled/failed
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_chat_generation_duration_seconds",
			Help:    "Generation duration from prompt acceptance to persistence",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"provider", "streaming"},
	)

	GenerationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_chat_generations_in_flight",
			Help: "Number of conversations currently outside the idle state",
		},
	)

	PromptsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_prompts_rejected_total",
			Help: "Prompts rejected before a generation started",
		},
		[]string{"kind"},
	)

	// Gateway metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_chat_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction", "type"}, // direction: inbound/outbound
	)

	WebSocketDroppedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_websocket_dropped_sessions_total",
			Help: "Sessions disconnected because their outbound queue was full",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_chat_active_rooms",
			Help: "Number of conversation rooms with at least one member",
		},
	)

	// Storage metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_chat_store_operation_duration_seconds",
			Help:    "Conversation store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "code"},
	)

	// Client metrics
	ClientReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_chat_client_reconnects_total",
			Help: "Reconnection attempts made by the reconnecting client",
		},
		[]string{"result"}, // success/failure
	)
)
