package chat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently connected clients",
	})

	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Number of rooms currently held by the registry",
	})

	RoomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_rooms_created_total",
		Help: "Total rooms constructed by the registry",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total inbound frames processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time for a room to process each event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	DroppedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_lines_total",
		Help: "Outbound lines dropped because a client buffer was full or closed",
	})

	FileTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_file_transfers_total",
		Help: "File transfer operations by operation and result",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(ActiveRooms)
	prometheus.MustRegister(RoomsCreated)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(DroppedLines)
	prometheus.MustRegister(FileTransfers)
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func observeTransfer(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	FileTransfers.WithLabelValues(op, result).Inc()
}
