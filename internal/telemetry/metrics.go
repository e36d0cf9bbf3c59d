package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "imports_enqueued_total", Help: "Import jobs admitted to the queue"}, []string{"source_kind"})
	AdmissionRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "imports_admission_violations_total", Help: "Security violations found at admission"}, []string{"code"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	JobsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "imports_finished_total", Help: "Import jobs reaching a terminal state"}, []string{"state"})
	JobsRunning       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_running", Help: "Import jobs currently executing"})
	QueueDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_queue_depth", Help: "Pending import jobs"})
	LockContention    = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_lock_contention_total", Help: "Dispatch attempts that found the resource locked"})
	LocksReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_locks_reclaimed_total", Help: "Expired resource locks reclaimed by the sweeper"})
	OverdueJobs       = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_overdue_total", Help: "Jobs that exceeded their soft time budget"})
	RecordsProcessed  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "imports_records_total", Help: "Records handled by workers"}, []string{"status"})
	ChunkDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "imports_chunk_duration_seconds", Help: "Time to validate and stage one chunk", Buckets: prometheus.DefBuckets})
	JobDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "imports_job_duration_seconds", Help: "Wall time from dispatch to terminal state", Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)}, []string{"state"})
	Throughput        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_last_job_records_per_second", Help: "Throughput of the most recently finished job"})
	HeapInUse         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_heap_inuse_bytes", Help: "Sampled heap in use"})
	MemoryAvailable   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_memory_available_bytes", Help: "Memory budget left for chunk buffers"})
	Rollbacks         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "imports_rollbacks_total", Help: "Rollback attempts by result"}, []string{"result"})
	ScheduledTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "imports_schedule_triggers_total", Help: "Scheduled import occurrences by outcome"}, []string{"outcome"})
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "imports_notifications_total", Help: "Notification deliveries by sink and result"}, []string{"sink", "result"})
	TransientRetries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_transient_retries_total", Help: "Store operations retried after a transient error"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			AdmissionRejects,
			RateLimitRejects,
			JobsFinished,
			JobsRunning,
			QueueDepth,
			LockContention,
			LocksReclaimed,
			OverdueJobs,
			RecordsProcessed,
			ChunkDuration,
			JobDuration,
			Throughput,
			HeapInUse,
			MemoryAvailable,
			Rollbacks,
			ScheduledTriggers,
			NotificationsSent,
			TransientRetries,
		)
	})
}
