package worker

import "import-orchestrator/internal/config"

// ChunkBounds limits adaptive chunk sizes. RecordBytes is the assumed in-memory
// footprint of one parsed record.
type ChunkBounds struct {
	Min         int
	Max         int
	RecordBytes int64
}

var DefaultChunkBounds = ChunkBounds{Min: 100, Max: 10000, RecordBytes: 1024}

func BoundsFromConfig(cfg config.Config) ChunkBounds {
	b := DefaultChunkBounds
	if cfg.ChunkSizeMin > 0 {
		b.Min = cfg.ChunkSizeMin
	}
	if cfg.ChunkSizeMax >= b.Min {
		b.Max = cfg.ChunkSizeMax
	}
	return b
}

// ChunkSize picks a chunk size with the default bounds.
func ChunkSize(totalRecords int, availableMemory int64, cores int) int {
	return DefaultChunkBounds.Size(totalRecords, availableMemory, cores)
}

// Size splits available memory across cores and shrinks the share when the
// whole input would not fit in memory. More memory or fewer records never gives
// a smaller chunk. totalRecords <= 0 means unknown.
func (b ChunkBounds) Size(totalRecords int, availableMemory int64, cores int) int {
	if cores < 1 {
		cores = 1
	}
	if availableMemory <= 0 || b.RecordBytes <= 0 {
		return b.Min
	}
	perWorker := float64(availableMemory) / float64(cores) / float64(b.RecordBytes)
	if totalRecords > 0 {
		footprint := float64(totalRecords) * float64(b.RecordBytes)
		if fit := float64(availableMemory) / footprint; fit < 1 {
			perWorker *= fit
		}
	}

	size := b.Max
	if perWorker < float64(b.Max) {
		size = int(perWorker)
	}
	return max(size, b.Min)
}
