package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BroadcastsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_broadcasts_enqueued_total", Help: "Broadcast jobs admitted to the queue"})
	BroadcastsDone     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_broadcasts_completed_total", Help: "Broadcast jobs completed"})
	BroadcastsRetried  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_broadcasts_retried_total", Help: "Broadcast jobs scheduled for retry"})
	BroadcastsDead     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_broadcasts_dead_letter_total", Help: "Broadcast jobs moved to the DLQ"})
	MessagesSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_messages_sent_total", Help: "Individual messages sent"})
	MessagesFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_messages_failed_total", Help: "Individual messages that failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_rate_limit_rejects_total", Help: "Operations rejected by tenant quotas"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fleet_queue_depth", Help: "Ready queue depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fleet_inflight", Help: "Broadcast jobs currently leased"})
	SessionsHeld       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fleet_sessions_held", Help: "Live session handles on this worker"})
	ReconcileDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "fleet_reconcile_seconds", Help: "Device reconciliation pass duration", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BroadcastsEnqueued,
			BroadcastsDone,
			BroadcastsRetried,
			BroadcastsDead,
			MessagesSent,
			MessagesFailed,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			SessionsHeld,
			ReconcileDuration,
		)
	})
	return promhttp.Handler()
}
