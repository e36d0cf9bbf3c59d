package telemetry

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Monitor samples process memory against a configured budget and meters job throughput.
type Monitor struct {
	budget  int64
	sampler func() uint64
	heap    atomic.Uint64
	logger  *zap.Logger
}

// NewMonitor creates a monitor for the given memory budget in bytes.
func NewMonitor(budgetBytes int64, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{budget: budgetBytes, sampler: HeapInUseBytes, logger: logger}
}

// HeapInUseBytes reads the current heap in use from the runtime.
func HeapInUseBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Sample reads the heap once and updates the gauges.
func (m *Monitor) Sample() uint64 {
	h := m.sampler()
	m.heap.Store(h)
	HeapInUse.Set(float64(h))
	MemoryAvailable.Set(float64(m.available(h)))
	return h
}

// AvailableMemory is the budget minus the last sampled heap, never negative.
func (m *Monitor) AvailableMemory() int64 {
	h := m.heap.Load()
	if h == 0 {
		h = m.Sample()
	}
	return m.available(h)
}

func (m *Monitor) available(heap uint64) int64 {
	left := m.budget - int64(heap)
	if left < 0 {
		return 0
	}
	return left
}

// Run samples memory every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Sample()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// JobMeter accumulates record counts for one running job.
type JobMeter struct {
	jobID   string
	start   time.Time
	records atomic.Int64
	logger  *zap.Logger
}

// StartJob begins metering a job and bumps the running gauge.
func (m *Monitor) StartJob(jobID string) *JobMeter {
	JobsRunning.Inc()
	return &JobMeter{jobID: jobID, start: time.Now(), logger: m.logger}
}

// Add counts n processed records.
func (j *JobMeter) Add(n int) {
	j.records.Add(int64(n))
}

func (j *JobMeter) Records() int64 {
	return j.records.Load()
}

// Finish records duration and throughput for the terminal state.
func (j *JobMeter) Finish(state string) {
	JobsRunning.Dec()
	JobsFinished.WithLabelValues(state).Inc()
	elapsed := time.Since(j.start)
	JobDuration.WithLabelValues(state).Observe(elapsed.Seconds())
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(j.records.Load()) / secs
	}
	Throughput.Set(rate)
	j.logger.Info("job finished",
		zap.String("job_id", j.jobID),
		zap.String("state", state),
		zap.Int64("records", j.records.Load()),
		zap.Duration("elapsed", elapsed),
		zap.Float64("records_per_sec", rate),
	)
}
