package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth   *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	taskTotal    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	leaseReclaim prometheus.Counter

	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	providerCooldown  *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	eventsPublished  *prometheus.CounterVec
	broadcastErrors  prometheus.Counter
	streamSubscriber prometheus.Gauge

	webhookAttempts *prometheus.CounterVec
	webhookDuration prometheus.Histogram

	rateLimited *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentjobs_queue_depth",
					Help: "Pending durable tasks by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_enqueue_total",
					Help: "Total tasks enqueued by lane.",
				},
				[]string{"lane"},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_task_total",
					Help: "Task attempts by lane and outcome (done, retry, dead).",
				},
				[]string{"lane", "outcome"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentjobs_task_duration_seconds",
					Help:    "Task attempt duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			leaseReclaim: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentjobs_task_lease_reclaimed_total",
					Help: "Tasks returned to pending after their lease expired.",
				},
			),
			jobsSubmitted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_jobs_submitted_total",
					Help: "Jobs submitted by agent.",
				},
				[]string{"agent"},
			),
			jobsCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_jobs_completed_total",
					Help: "Jobs reaching a terminal status by agent and status.",
				},
				[]string{"agent", "status"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentjobs_job_duration_seconds",
					Help:    "Job execution duration in seconds by agent.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"agent"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_model_call_total",
					Help: "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentjobs_model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentjobs_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_tool_execution_total",
					Help: "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentjobs_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			eventsPublished: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_events_published_total",
					Help: "Step events persisted by step and status.",
				},
				[]string{"step", "status"},
			),
			broadcastErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentjobs_broadcast_errors_total",
					Help: "Live broadcasts that failed after the event was stored.",
				},
			),
			streamSubscriber: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentjobs_stream_subscribers",
					Help: "Currently connected job event stream subscribers.",
				},
			),
			webhookAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_webhook_attempts_total",
					Help: "Webhook delivery attempts by event type and outcome.",
				},
				[]string{"event_type", "outcome"},
			),
			webhookDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentjobs_webhook_duration_seconds",
					Help:    "Webhook POST duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			rateLimited: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentjobs_rate_limited_total",
					Help: "Submissions rejected by the rate limiter by scope.",
				},
				[]string{"scope"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.taskTotal,
			m.taskDuration,
			m.leaseReclaim,
			m.jobsSubmitted,
			m.jobsCompleted,
			m.jobDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.providerCooldown,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.eventsPublished,
			m.broadcastErrors,
			m.streamSubscriber,
			m.webhookAttempts,
			m.webhookDuration,
			m.rateLimited,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string) {
	getMetrics().enqueueTotal.WithLabelValues(lane).Inc()
}

func SetQueueDepth(lane string, depth int) {
	getMetrics().queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordTaskAttempt records one handler invocation; outcome is done, retry or dead.
func RecordTaskAttempt(lane, outcome string, duration time.Duration) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(lane, outcome).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

func RecordLeaseReclaim(count int) {
	getMetrics().leaseReclaim.Add(float64(count))
}

func RecordJobSubmitted(agent string) {
	getMetrics().jobsSubmitted.WithLabelValues(agent).Inc()
}

func RecordJobCompleted(agent, status string, duration time.Duration) {
	m := getMetrics()
	m.jobsCompleted.WithLabelValues(agent, status).Inc()
	m.jobDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordEventPublished(step, status string) {
	getMetrics().eventsPublished.WithLabelValues(step, status).Inc()
}

func RecordBroadcastError() {
	getMetrics().broadcastErrors.Inc()
}

func AddStreamSubscribers(delta int) {
	getMetrics().streamSubscriber.Add(float64(delta))
}

// RecordWebhookAttempt records one delivery POST; outcome is sent, retrying or failed.
func RecordWebhookAttempt(eventType, outcome string, duration time.Duration) {
	m := getMetrics()
	m.webhookAttempts.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.Observe(duration.Seconds())
}

func RecordRateLimited(scope string) {
	getMetrics().rateLimited.WithLabelValues(scope).Inc()
}
