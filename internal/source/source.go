// Package source opens job payloads: inline uploads kept with the job, files in
// the drop directory, S3 objects and HTTP downloads.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"import-orchestrator/internal/models"
)

var (
	ErrTooLarge          = errors.New("payload exceeds size limit")
	ErrUnsupportedScheme = errors.New("unsupported source location")
	ErrNotConfigured     = errors.New("source backend not configured")
)

// PayloadLoader returns the inline payload stored with a job.
type PayloadLoader interface {
	LoadPayload(ctx context.Context, jobID string) ([]byte, error)
}

// Resolver routes a job's source location to the matching backend.
type Resolver struct {
	payloads PayloadLoader
	files    *FileOpener
	s3       *S3Opener
	http     *HTTPOpener
	maxBytes func(models.SourceKind) int64
}

type Option func(*Resolver)

func WithFiles(f *FileOpener) Option { return func(r *Resolver) { r.files = f } }

func WithS3(s *S3Opener) Option { return func(r *Resolver) { r.s3 = s } }

func WithHTTP(h *HTTPOpener) Option { return func(r *Resolver) { r.http = h } }

// WithLimits caps how many bytes are read per source kind.
func WithLimits(fn func(models.SourceKind) int64) Option {
	return func(r *Resolver) { r.maxBytes = fn }
}

func NewResolver(payloads PayloadLoader, opts ...Option) *Resolver {
	r := &Resolver{payloads: payloads}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open returns the job's payload stream and its size, -1 when unknown.
func (r *Resolver) Open(ctx context.Context, job models.Job) (io.ReadCloser, int64, error) {
	if job.Source.Location == "" {
		data, err := r.payloads.LoadPayload(ctx, job.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("load inline payload: %w", err)
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}

	var (
		body io.ReadCloser
		size int64
		err  error
	)
	loc := job.Source.Location
	switch {
	case strings.HasPrefix(loc, "file://"):
		if r.files == nil {
			return nil, 0, fmt.Errorf("%w: file", ErrNotConfigured)
		}
		body, size, err = r.files.Open(strings.TrimPrefix(loc, "file://"))
	case strings.HasPrefix(loc, "s3://"):
		if r.s3 == nil {
			return nil, 0, fmt.Errorf("%w: s3", ErrNotConfigured)
		}
		body, size, err = r.s3.Open(ctx, loc)
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		if r.http == nil {
			return nil, 0, fmt.Errorf("%w: http", ErrNotConfigured)
		}
		body, size, err = r.http.Open(ctx, loc)
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, loc)
	}
	if err != nil {
		return nil, 0, err
	}
	if r.maxBytes != nil {
		if limit := r.maxBytes(job.Source.Kind); limit > 0 {
			if size > limit {
				body.Close()
				return nil, 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, limit)
			}
			body = &limitedBody{ReadCloser: body, remaining: limit}
		}
	}
	return body, size, nil
}

// Stat reports the size of a location without reading it, -1 when unknown.
func (r *Resolver) Stat(ctx context.Context, loc string) (int64, error) {
	switch {
	case strings.HasPrefix(loc, "file://"):
		if r.files == nil {
			return 0, fmt.Errorf("%w: file", ErrNotConfigured)
		}
		return r.files.Stat(strings.TrimPrefix(loc, "file://"))
	case strings.HasPrefix(loc, "s3://"):
		if r.s3 == nil {
			return 0, fmt.Errorf("%w: s3", ErrNotConfigured)
		}
		return r.s3.Stat(ctx, loc)
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		if r.http == nil {
			return 0, fmt.Errorf("%w: http", ErrNotConfigured)
		}
		return r.http.Stat(ctx, loc)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, loc)
}

// limitedBody fails the read that crosses the limit instead of truncating silently.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
