package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task lifecycle metrics
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"type"},
	)

	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_claimed_total",
			Help: "Total number of tasks claimed by workers",
		},
		[]string{"type"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"type", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_task_duration_seconds",
			Help:    "Task computation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"type"},
	)

	TasksReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_reclaimed_total",
			Help: "Total number of in-progress tasks reclaimed after an expired lease",
		},
		[]string{"type"},
	)

	TasksDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_dead_lettered_total",
			Help: "Total number of tasks that exhausted max_attempts and were moved to the dead-letter set",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_queue_depth",
			Help: "Current number of pending tasks",
		},
	)

	InFlightTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_inflight_tasks",
			Help: "Current number of claimed, not-yet-resolved tasks",
		},
	)

	DeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_dead_letter_depth",
			Help: "Current number of tasks parked in the dead-letter set",
		},
	)

	QueueLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_queue_latency_seconds",
			Help:    "Time a task spent pending before being claimed",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"type"},
	)

	// Worker metrics
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_active_workers",
			Help: "Current number of workers with a recent heartbeat",
		},
	)

	WorkerHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_worker_heartbeats_total",
			Help: "Total number of heartbeats received from workers",
		},
		[]string{"worker_id"},
	)

	WorkersMarkedDead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_workers_marked_dead_total",
			Help: "Total number of workers marked dead by the liveness monitor",
		},
	)

	// Checkpoint metrics
	CheckpointsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_checkpoints_saved_total",
			Help: "Total number of application-level checkpoints written",
		},
		[]string{"method"},
	)

	CheckpointsResumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_checkpoints_resumed_total",
			Help: "Total number of tasks that resumed from a checkpoint instead of starting fresh",
		},
		[]string{"method"},
	)

	// Outbound cache metrics
	CacheEntriesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_outbox_entries_saved_total",
			Help: "Total number of results stashed to the worker's outbound cache",
		},
	)

	CacheReplaysSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_outbox_replays_succeeded_total",
			Help: "Total number of cached results successfully resubmitted to the dispatcher",
		},
	)

	CacheReplaysFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_outbox_replays_failed_total",
			Help: "Total number of cached-result resubmission attempts that failed",
		},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_store_operation_duration_seconds",
			Help:    "Redis store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_store_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"operation"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_websocket_connections",
			Help: "Current number of live event-feed WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_websocket_messages_total",
			Help: "Total number of WebSocket event messages sent",
		},
		[]string{"type"},
	)
)

func RecordTaskSubmission(taskType string) {
	TasksSubmitted.WithLabelValues(taskType).Inc()
}

func RecordTaskClaim(taskType string) {
	TasksClaimed.WithLabelValues(taskType).Inc()
}

func RecordTaskCompletion(taskType, status string, duration float64) {
	TasksCompleted.WithLabelValues(taskType, status).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(duration)
}

func RecordTaskReclaimed(taskType string) {
	TasksReclaimed.WithLabelValues(taskType).Inc()
}

func RecordTaskDeadLettered() {
	TasksDeadLettered.Inc()
}

func SetQueueDepth(depth float64) {
	QueueDepth.Set(depth)
}

func SetInFlightTasks(count float64) {
	InFlightTasks.Set(count)
}

func SetDeadLetterDepth(depth float64) {
	DeadLetterDepth.Set(depth)
}

func RecordQueueLatency(taskType string, latency float64) {
	QueueLatency.WithLabelValues(taskType).Observe(latency)
}

func SetActiveWorkers(count float64) {
	ActiveWorkers.Set(count)
}

func RecordWorkerHeartbeat(workerID string) {
	WorkerHeartbeats.WithLabelValues(workerID).Inc()
}

func RecordWorkerMarkedDead() {
	WorkersMarkedDead.Inc()
}

func RecordCheckpointSaved(method string) {
	CheckpointsSaved.WithLabelValues(method).Inc()
}

func RecordCheckpointResumed(method string) {
	CheckpointsResumed.WithLabelValues(method).Inc()
}

func RecordCacheEntrySaved() {
	CacheEntriesSaved.Inc()
}

func RecordCacheReplaySucceeded() {
	CacheReplaysSucceeded.Inc()
}

func RecordCacheReplayFailed() {
	CacheReplaysFailed.Inc()
}

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

func RecordStoreOperation(operation string, duration float64) {
	StoreOperationDuration.WithLabelValues(operation).Observe(duration)
}

func RecordStoreError(operation string) {
	StoreErrors.WithLabelValues(operation).Inc()
}

func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

func RecordWebSocketMessage(msgType string) {
	WebSocketMessages.WithLabelValues(msgType).Inc()
}
