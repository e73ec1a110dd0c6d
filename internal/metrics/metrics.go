package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AlertsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_created_total",
			Help: "Total number of price alerts created",
		},
	)
	AlertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_triggered_total",
			Help: "Total number of price alerts that fired",
		},
		[]string{"symbol", "direction"},
	)
	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_persistence_failures_total",
			Help: "Total number of failed alert store loads and saves",
		},
		[]string{"op"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of notification deliveries by sink and result",
		},
		[]string{"sink", "result"},
	)
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Total number of notifications dropped because the queue was full",
		},
	)
	KVHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_hits_total",
			Help: "Total number of key-value store hits",
		},
		[]string{"backend"},
	)
	KVMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_misses_total",
			Help: "Total number of key-value store misses",
		},
		[]string{"backend"},
	)
	TicksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticks_processed_total",
			Help: "Total number of price ticks handed to the evaluator",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		AlertsCreated,
		AlertsTriggered,
		PersistenceFailures,
		Notifications,
		NotificationsDropped,
		KVHits,
		KVMisses,
		TicksProcessed,
	)
}
