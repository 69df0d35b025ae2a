package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values shared by the counters below.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
	ResultRetry   = "retry"
	ResultDead    = "dead_letter"
	ResultOpen    = "breaker_open"
)

var (
	// Producer
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasky_events_published_total",
			Help: "Todo domain events handed to the broker by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Consumer
	DeliveriesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasky_deliveries_total",
			Help: "Broker deliveries processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasky_delivery_duration_seconds",
			Help:    "Time spent handling one broker delivery",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	ConsumerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasky_consumer_state",
			Help: "Current consumer state (1 for the active state, 0 otherwise)",
		},
		[]string{"queue", "state"},
	)

	// Materializer
	NotificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasky_notifications_created_total",
			Help: "Notification rows written by type and whether the row was new",
		},
		[]string{"type", "new"},
	)

	// Hub
	HubConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasky_hub_connections",
			Help: "Live realtime hub connections on this instance",
		},
	)

	HubPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasky_hub_pushes_total",
			Help: "Hub push attempts by target and result",
		},
		[]string{"target", "result"},
	)

	// Reminders
	RemindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasky_reminders_sent_total",
			Help: "Email reminders handed to the sender by result",
		},
		[]string{"result"},
	)

	RemindersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasky_reminders_pending",
			Help: "Reminders waiting in the due index as of the last poll",
		},
	)

	// HTTP
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasky_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		},
		[]string{"route", "method", "status"},
	)
)

// Registry holds every tasky collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		EventsPublished,
		DeliveriesHandled,
		DeliveryDuration,
		ConsumerState,
		NotificationsCreated,
		HubConnections,
		HubPushes,
		RemindersSent,
		RemindersPending,
		HTTPRequests,
	)
}

// Handler returns the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
