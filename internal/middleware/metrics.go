package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yagpt_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"chat_type"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yagpt_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// Quota metrics
	quotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yagpt_bot_quota_decisions_total",
		Help: "Quota checks by usage kind and result",
	}, []string{"kind", "result"})

	// Model metrics
	modelRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yagpt_bot_model_request_duration_seconds",
		Help:    "Duration of remote model requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	modelRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yagpt_bot_model_requests_total",
		Help: "Total number of remote model requests",
	}, []string{"model", "status"})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yagpt_bot_rate_limit_exceeded_total",
		Help: "Total number of flood limiter rejections",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yagpt_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"backend", "operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yagpt_bot_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	adminActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yagpt_bot_admin_actions_total",
		Help: "Admin panel actions by name",
	}, []string{"action"})

	knownChats = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yagpt_bot_known_chats",
		Help: "Number of chats with stored state",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(chatType string) {
	messagesReceived.WithLabelValues(chatType).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordQuotaDecision records one CheckAndConsume outcome.
// result is one of allowed, denied, unlimited or error.
func (m *Metrics) RecordQuotaDecision(kind, result string) {
	quotaDecisions.WithLabelValues(kind, result).Inc()
}

// RecordModelRequest records an LLM or image request
func (m *Metrics) RecordModelRequest(model, status string, duration time.Duration) {
	modelRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	modelRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordRateLimitExceeded records a flood limiter rejection
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(backend, operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(backend, operation, status).Inc()
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordAdminAction(action string) {
	adminActions.WithLabelValues(action).Inc()
}

// SetKnownChats sets the number of chats with stored state
func (m *Metrics) SetKnownChats(count float64) {
	knownChats.Set(count)
}

// NewRouter serves the metrics at path plus a /health probe.
func NewRouter(path string) *mux.Router {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}

// NewMetricsServer builds the metrics HTTP server. The caller owns
// ListenAndServe and Shutdown.
func NewMetricsServer(port int, path string) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewRouter(path),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
