package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"import-orchestrator/internal/config"
)

func TestChunkSize_Bounds(t *testing.T) {
	b := ChunkBounds{Min: 100, Max: 10000, RecordBytes: 1024}

	assert.Equal(t, 100, b.Size(1_000_000, 0, 8), "no memory falls back to the minimum")
	assert.Equal(t, 10000, b.Size(10, 1<<30, 1), "small input with plenty of memory hits the maximum")
	assert.Equal(t, 100, b.Size(10_000_000, 1<<20, 64))
	assert.Equal(t, b.Size(500, 1<<24, 0), b.Size(500, 1<<24, 1), "cores below one count as one")
}

func TestChunkSize_Monotonic(t *testing.T) {
	b := ChunkBounds{Min: 10, Max: 1_000_000, RecordBytes: 512}

	prev := 0
	for _, mem := range []int64{1 << 16, 1 << 20, 1 << 24, 1 << 28} {
		got := b.Size(200_000, mem, 4)
		assert.GreaterOrEqual(t, got, prev, "more memory must not shrink chunks (mem=%d)", mem)
		prev = got
	}

	prev = 0
	for _, records := range []int{10_000_000, 1_000_000, 100_000, 10_000} {
		got := b.Size(records, 1<<26, 4)
		assert.GreaterOrEqual(t, got, prev, "fewer records must not shrink chunks (records=%d)", records)
		prev = got
	}

	assert.Greater(t, b.Size(0, 1<<26, 2), b.Size(0, 1<<26, 16), "more cores split memory further")
}

func TestChunkSize_Default(t *testing.T) {
	got := ChunkSize(8000, 64<<20, 4)
	assert.GreaterOrEqual(t, got, DefaultChunkBounds.Min)
	assert.LessOrEqual(t, got, DefaultChunkBounds.Max)
}

func TestBoundsFromConfig(t *testing.T) {
	b := BoundsFromConfig(config.Config{ChunkSizeMin: 50, ChunkSizeMax: 500})
	assert.Equal(t, 50, b.Min)
	assert.Equal(t, 500, b.Max)

	b = BoundsFromConfig(config.Config{ChunkSizeMin: 500, ChunkSizeMax: 50})
	assert.Equal(t, 500, b.Min)
	assert.Equal(t, DefaultChunkBounds.Max, b.Max)
}
