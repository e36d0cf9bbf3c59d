// Package parser reads import payloads incrementally and hands them out in
// fixed-size chunks. Only one chunk is held in memory at a time.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"go.uber.org/zap"

	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/telemetry"
)

var (
	ErrInvalidHeader    = errors.New("invalid header")
	ErrSyntax           = errors.New("malformed payload stream")
	ErrTooManyMalformed = errors.New("too many malformed records")
	ErrRecordLimit      = errors.New("record limit exceeded")
	ErrMemoryBudget     = errors.New("memory budget exceeded")
)

// Record is one well-formed input record. Seq is 1-based and global to the job.
type Record struct {
	Seq    int
	Line   int
	Fields map[string]any
}

// Chunk is a batch of consecutive records.
type Chunk struct {
	Index     int
	Records   []Record
	Malformed int
	Warnings  []string
}

// Progress is emitted once per chunk.
type Progress struct {
	Chunk     int   `json:"chunk"`
	Records   int   `json:"records"`
	Malformed int   `json:"malformed"`
	BytesRead int64 `json:"bytes_read"`
	Percent   int   `json:"percent"`
}

// Options configures a Reader. A zero MaxMalformedFraction tolerates no malformed records.
type Options struct {
	ChunkSize            int
	MaxRecords           int
	MaxMalformedFraction float64
	RequiredColumns      []string
	Delimiter            rune
	TotalBytes           int64
	ReclaimEvery         int
	MaxHeapBytes         uint64
	MemSampler           func() uint64
	Progress             chan<- Progress
	Logger               *zap.Logger
}

const defaultChunkSize = 1000

// rowSource yields records from one wire format. A *malformedError means the
// record was skipped and reading can continue.
type rowSource interface {
	next() (map[string]any, int, error)
	offset() int64
}

type malformedError struct {
	line   int
	reason string
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("record at %d skipped: %s", e.line, e.reason)
}

// Reader is a pull-based chunk iterator.
type Reader struct {
	src       rowSource
	opts      Options
	logger    *zap.Logger
	seq       int
	malformed int
	chunks    int
	done      bool
}

// New validates the payload preamble (header row or array opener) and returns a Reader.
func New(kind models.SourceKind, in io.Reader, opts Options) (*Reader, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MemSampler == nil {
		opts.MemSampler = telemetry.HeapInUseBytes
	}

	var (
		src rowSource
		err error
	)
	switch kind {
	case models.SourceDelimited:
		src, err = newDelimitedSource(in, opts.Delimiter, opts.RequiredColumns)
	case models.SourceRecords:
		src, err = newRecordSource(in)
	default:
		err = fmt.Errorf("unsupported source kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, opts: opts, logger: logger.OrNop(opts.Logger)}, nil
}

// Next returns the next chunk, or io.EOF once the input is exhausted.
func (r *Reader) Next(ctx context.Context) (Chunk, error) {
	if r.done {
		return Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}

	var chunk Chunk
	for len(chunk.Records) < r.opts.ChunkSize {
		fields, line, err := r.src.next()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		var mf *malformedError
		if errors.As(err, &mf) {
			r.malformed++
			chunk.Malformed++
			chunk.Warnings = append(chunk.Warnings, mf.Error())
			r.logger.Warn("skipping malformed record", zap.Int("line", mf.line), zap.String("reason", mf.reason))
			continue
		}
		if err != nil {
			return Chunk{}, err
		}
		r.seq++
		if r.opts.MaxRecords > 0 && r.seq > r.opts.MaxRecords {
			return Chunk{}, fmt.Errorf("%w: more than %d records", ErrRecordLimit, r.opts.MaxRecords)
		}
		chunk.Records = append(chunk.Records, Record{Seq: r.seq, Line: line, Fields: fields})
	}

	if err := r.checkMalformed(); err != nil {
		return Chunk{}, err
	}
	if len(chunk.Records) == 0 && chunk.Malformed == 0 {
		return Chunk{}, io.EOF
	}

	r.chunks++
	chunk.Index = r.chunks
	if err := r.checkMemory(); err != nil {
		return Chunk{}, err
	}
	if err := r.emit(ctx); err != nil {
		return Chunk{}, err
	}
	return chunk, nil
}

// Stats returns the totals read so far.
func (r *Reader) Stats() (records, malformed int) {
	return r.seq, r.malformed
}

func (r *Reader) checkMalformed() error {
	if r.malformed == 0 {
		return nil
	}
	total := r.seq + r.malformed
	if float64(r.malformed)/float64(total) > r.opts.MaxMalformedFraction {
		return fmt.Errorf("%w: %d of %d", ErrTooManyMalformed, r.malformed, total)
	}
	return nil
}

func (r *Reader) checkMemory() error {
	if r.opts.ReclaimEvery > 0 && r.chunks%r.opts.ReclaimEvery == 0 {
		debug.FreeOSMemory()
	}
	if r.opts.MaxHeapBytes == 0 {
		return nil
	}
	if heap := r.opts.MemSampler(); heap > r.opts.MaxHeapBytes {
		return fmt.Errorf("%w: heap %d > %d after chunk %d", ErrMemoryBudget, heap, r.opts.MaxHeapBytes, r.chunks)
	}
	return nil
}

func (r *Reader) emit(ctx context.Context) error {
	if r.opts.Progress == nil {
		return nil
	}
	read := r.src.offset()
	percent := 0
	switch {
	case r.done:
		percent = 100
	case r.opts.TotalBytes > 0:
		percent = int(read * 100 / r.opts.TotalBytes)
		if percent > 100 {
			percent = 100
		}
	}
	p := Progress{Chunk: r.chunks, Records: r.seq, Malformed: r.malformed, BytesRead: read, Percent: percent}
	select {
	case r.opts.Progress <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
