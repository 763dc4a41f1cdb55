// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentTasksDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_dispatched_total",
		Help: "Total number of agent invocation tasks dispatched to workers",
	}, []string{"agent_id", "queue"})

	AgentTasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_completed_total",
		Help: "Total number of agent invocation tasks that completed successfully",
	}, []string{"agent_id"})

	AgentTasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_failed_total",
		Help: "Total number of agent invocation tasks that failed",
	}, []string{"agent_id", "kind"})

	AgentTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_task_duration_seconds",
		Help:    "Histogram of agent invocation durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent_id"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of pending tasks per asynq queue",
	}, []string{"queue"})

	QuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_rejections_total",
		Help: "Total number of requests rejected by the quota engine",
	}, []string{"tenant_id", "kind"})

	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts",
	}, []string{"status"})

	WebhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_duration_seconds",
		Help:    "Histogram of webhook delivery round-trip durations",
		Buckets: prometheus.DefBuckets,
	})

	FlowNodesPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flow_nodes_promoted_total",
		Help: "Total number of flow nodes promoted from waiting to runnable",
	})

	FlowNodesCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flow_nodes_cancelled_total",
		Help: "Total number of flow nodes cancelled due to a sibling failure",
	})
)

func init() {
	prometheus.MustRegister(
		AgentTasksDispatched, AgentTasksCompleted, AgentTasksFailed, AgentTaskDuration,
		QueueDepth, QuotaRejections, WebhookDeliveriesTotal, WebhookDeliveryDuration,
		FlowNodesPromoted, FlowNodesCancelled,
	)
}

// Serve starts a standalone /metrics HTTP server on addr and returns it
// for controlled shutdown by the caller.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
