package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestMonitorAvailableMemory(t *testing.T) {
	m := NewMonitor(1000, zaptest.NewLogger(t))
	m.sampler = func() uint64 { return 400 }
	assert.Equal(t, int64(600), m.AvailableMemory())
	assert.Equal(t, float64(600), testutil.ToFloat64(MemoryAvailable))

	m.sampler = func() uint64 { return 5000 }
	m.Sample()
	assert.Equal(t, int64(0), m.AvailableMemory(), "over budget clamps to zero")
}

func TestJobMeterFinish(t *testing.T) {
	m := NewMonitor(1<<20, zaptest.NewLogger(t))
	before := testutil.ToFloat64(JobsFinished.WithLabelValues("completed"))
	running := testutil.ToFloat64(JobsRunning)

	meter := m.StartJob("job-1")
	assert.Equal(t, running+1, testutil.ToFloat64(JobsRunning))
	meter.Add(250)
	meter.Add(750)
	assert.Equal(t, int64(1000), meter.Records())
	meter.Finish("completed")

	assert.Equal(t, running, testutil.ToFloat64(JobsRunning))
	assert.Equal(t, before+1, testutil.ToFloat64(JobsFinished.WithLabelValues("completed")))
}

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
		_ = Handler()
	})
}
