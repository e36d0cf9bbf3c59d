package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"import-orchestrator/internal/config"
	"import-orchestrator/internal/events"
	"import-orchestrator/internal/ledger"
	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/notify"
	"import-orchestrator/internal/parser"
	"import-orchestrator/internal/schema"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
)

const promoteBatch = 500

var (
	errLockLost   = errors.New("resource lock lost")
	errNotRunning = errors.New("job is no longer running")
)

// Opener yields a job's payload stream and its size, -1 when unknown.
type Opener interface {
	Open(ctx context.Context, job models.Job) (io.ReadCloser, int64, error)
}

// TemplateSource opens an allow-listed template by name.
type TemplateSource func(name string) (io.ReadCloser, error)

// Signals carries out-of-band stop requests for one run. A nil channel never fires.
type Signals struct {
	Cancel   <-chan struct{}
	LockLost <-chan struct{}
}

// Processor executes one running import job end to end: parse, validate, stage,
// promote. The scheduler owns the lock and the running -> * transition happens here.
type Processor struct {
	cfg       config.Config
	store     store.Store
	opener    Opener
	schemas   *schema.Registry
	ledger    *ledger.Ledger
	bus       events.Bus
	monitor   *telemetry.Monitor
	notifier  notify.Notifier
	templates TemplateSource
	bounds    ChunkBounds
	cores     int
	logger    *zap.Logger
}

type Option func(*Processor)

func WithNotifier(n notify.Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

func WithMonitor(m *telemetry.Monitor) Option {
	return func(p *Processor) { p.monitor = m }
}

func WithTemplates(t TemplateSource) Option {
	return func(p *Processor) { p.templates = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = logger.OrNop(l) }
}

func NewProcessor(cfg config.Config, st store.Store, opener Opener, schemas *schema.Registry, led *ledger.Ledger, bus events.Bus, opts ...Option) *Processor {
	p := &Processor{
		cfg:      cfg,
		store:    st,
		opener:   opener,
		schemas:  schemas,
		ledger:   led,
		bus:      bus,
		notifier: notify.Nop{},
		bounds:   BoundsFromConfig(cfg),
		cores:    runtime.NumCPU(),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.monitor == nil {
		p.monitor = telemetry.NewMonitor(cfg.MemoryBudgetBytes, p.logger)
	}
	return p
}

// run is the mutable state of one execution. Chunk workers update it concurrently.
type run struct {
	job    models.Job
	entity *schema.Entity
	meter  *telemetry.JobMeter

	mu       sync.Mutex
	counts   store.Counts
	warnings []string
	dropped  int
}

func (r *run) add(c store.Counts, warnings []string, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Total += c.Total
	r.counts.Staged += c.Staged
	r.counts.Rejected += c.Rejected
	for _, w := range warnings {
		if limit > 0 && len(r.warnings) >= limit {
			r.dropped++
			continue
		}
		r.warnings = append(r.warnings, w)
	}
}

func (r *run) snapshot() (store.Counts, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := append([]string(nil), r.warnings...)
	if r.dropped > 0 {
		w = append(w, fmt.Sprintf("%d more warnings suppressed", r.dropped))
	}
	return r.counts, w
}

// Process runs job to a terminal state and returns it. When ctx ends first the
// job is left running for orphan recovery and StateRunning is returned.
func (p *Processor) Process(ctx context.Context, job models.Job, sig Signals) models.JobState {
	r := &run{job: job, meter: p.monitor.StartJob(job.ID)}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("entity", job.EntityType))

	state, cause := p.execute(ctx, r, sig)
	if ctx.Err() != nil && state == models.StateRunning {
		log.Warn("job interrupted by shutdown")
		r.meter.Finish("interrupted")
		return state
	}

	if cause != nil {
		log.Warn("job did not complete", zap.String("state", string(state)), zap.Error(cause))
	} else {
		log.Info("job completed")
	}
	r.meter.Finish(string(state))
	p.finished(ctx, job.ID, state)
	return state
}

func (p *Processor) execute(ctx context.Context, r *run, sig Signals) (models.JobState, error) {
	entity, ok := p.schemas.Entity(r.job.EntityType)
	if !ok {
		return p.fail(ctx, r, fmt.Errorf("unknown entity type %q", r.job.EntityType), false)
	}
	r.entity = entity

	body, size, err := p.opener.Open(ctx, r.job)
	if err != nil {
		return p.fail(ctx, r, fmt.Errorf("open source: %w", err), false)
	}
	defer body.Close()

	required, err := p.requiredColumns(r)
	if err != nil {
		return p.fail(ctx, r, err, false)
	}

	progress := make(chan parser.Progress, 1)
	reader, err := parser.New(r.job.Source.Kind, body, parser.Options{
		ChunkSize:            p.chunkSize(r.job, size),
		MaxRecords:           p.cfg.MaxRecords,
		MaxMalformedFraction: p.cfg.MaxMalformedFraction,
		RequiredColumns:      required,
		Delimiter:            delimiterOf(r.job.Source.Delimiter),
		TotalBytes:           size,
		ReclaimEvery:         p.cfg.ReclaimEveryChunks,
		MaxHeapBytes:         uint64(max(p.cfg.MemoryBudgetBytes, 0)),
		Progress:             progress,
		Logger:               p.logger,
	})
	if err != nil {
		return p.fail(ctx, r, fmt.Errorf("parse: %w", err), false)
	}

	reported := make(chan struct{})
	go func() {
		defer close(reported)
		p.reportProgress(ctx, r, progress)
	}()

	stopped, stageErr := p.stage(ctx, r, reader, sig)
	close(progress)
	<-reported

	if ctx.Err() != nil {
		return models.StateRunning, ctx.Err()
	}
	switch {
	case errors.Is(stopped, errLockLost):
		return p.fail(ctx, r, stopped, false)
	case stopped != nil:
		return p.cancel(ctx, r)
	case stageErr != nil:
		return p.fail(ctx, r, stageErr, false)
	}

	_, malformed := reader.Stats()
	counts, _ := r.snapshot()
	if rate := errorRate(counts, malformed); rate > p.cfg.MaxErrorRate {
		return p.fail(ctx, r, fmt.Errorf("error rate %.4f exceeds limit %.4f", rate, p.cfg.MaxErrorRate), false)
	}
	if closed(sig.LockLost) {
		return p.fail(ctx, r, errLockLost, false)
	}

	if err := p.promote(ctx, r); err != nil {
		if ctx.Err() != nil {
			return models.StateRunning, err
		}
		if errors.Is(err, errNotRunning) {
			current, gerr := p.store.GetJob(ctx, r.job.ID)
			if gerr != nil {
				return models.StateFailed, err
			}
			return current.State, err
		}
		return p.fail(ctx, r, fmt.Errorf("promotion: %w", err), true)
	}
	return models.StateCompleted, nil
}

// stage reads chunks and hands them to a bounded pool for validation and
// staging. Stop requests are honored only between chunks. It returns the stop
// reason, if any, separately from a processing error.
func (p *Processor) stage(ctx context.Context, r *run, reader *parser.Reader, sig Signals) (stopped, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.ChunkWorkers, 1))

	for {
		if closed(sig.LockLost) {
			stopped = errLockLost
			break
		}
		if closed(sig.Cancel) || p.cancelRequested(gctx, r.job.ID) {
			stopped = context.Canceled
			break
		}
		chunk, nerr := reader.Next(gctx)
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			err = fmt.Errorf("parse: %w", nerr)
			break
		}
		g.Go(func() error {
			return p.stageChunk(gctx, r, chunk)
		})
	}

	if werr := g.Wait(); werr != nil {
		return stopped, werr
	}
	return stopped, err
}

func (p *Processor) stageChunk(ctx context.Context, r *run, chunk parser.Chunk) error {
	start := time.Now()
	recs := make([]models.StagedRecord, 0, len(chunk.Records))
	warnings := append([]string(nil), chunk.Warnings...)
	var c store.Counts

	for _, rec := range chunk.Records {
		staged := models.StagedRecord{
			JobID:      r.job.ID,
			EntityType: r.entity.Name,
			Seq:        rec.Seq,
			Status:     models.RecordValid,
		}
		key, payload, err := r.entity.Validate(rec.Fields)
		if err != nil {
			c.Rejected++
			warnings = append(warnings, fmt.Sprintf("record %d (line %d): %v", rec.Seq, rec.Line, err))
			staged.Status = models.RecordRejected
			staged.RecordKey = fmt.Sprint(rec.Fields[r.entity.Key])
			payload, err = json.Marshal(rec.Fields)
			if err != nil {
				payload = json.RawMessage(`{}`)
			}
		} else {
			c.Staged++
			staged.RecordKey = key
		}
		staged.Payload = payload
		recs = append(recs, staged)
	}
	c.Total = len(chunk.Records)

	if err := p.retry(ctx, "stage records", func(ctx context.Context) error {
		return p.store.StageRecords(ctx, recs)
	}); err != nil {
		return fmt.Errorf("stage chunk %d: %w", chunk.Index, err)
	}

	r.add(c, warnings, p.cfg.MaxWarnings)
	r.meter.Add(len(chunk.Records))
	telemetry.RecordsProcessed.WithLabelValues("staged").Add(float64(c.Staged))
	telemetry.RecordsProcessed.WithLabelValues("rejected").Add(float64(c.Rejected))
	telemetry.RecordsProcessed.WithLabelValues("malformed").Add(float64(chunk.Malformed))
	telemetry.ChunkDuration.Observe(time.Since(start).Seconds())
	return nil
}

// reportProgress drains parser progress until the channel closes. Percent stays
// below 100 until promotion commits.
func (p *Processor) reportProgress(ctx context.Context, r *run, progress <-chan parser.Progress) {
	for pr := range progress {
		percent := min(pr.Percent, 99)
		counts, _ := r.snapshot()
		if err := p.store.UpdateProgress(ctx, r.job.ID, percent, counts); err != nil {
			p.logger.Debug("progress update failed", zap.String("job_id", r.job.ID), zap.Error(err))
		}
		_ = p.bus.Publish(ctx, events.Event{
			Kind:        events.KindJobProgress,
			JobID:       r.job.ID,
			ResourceKey: r.job.ResourceKey(),
			State:       models.StateRunning,
			Percent:     percent,
			Records:     pr.Records,
			At:          time.Now().UTC(),
		})
	}
}

// promote moves valid staged records into the target table, writes the audit
// trail, completes the job and clears staging in one transaction.
func (p *Processor) promote(ctx context.Context, r *run) error {
	counts, warnings := r.snapshot()
	return p.retry(ctx, "promote", func(ctx context.Context) error {
		return p.store.WithTx(ctx, func(tx store.Tx) error {
			at := p.ledger.Now()
			promoted, after := 0, 0
			for {
				batch, err := tx.ListStaged(ctx, r.job.ID, after, promoteBatch)
				if err != nil {
					return err
				}
				if len(batch) == 0 {
					break
				}
				entries := make([]models.AuditEntry, 0, len(batch))
				for _, rec := range batch {
					after = rec.Seq
					if rec.Status != models.RecordValid {
						continue
					}
					entry, err := p.ledger.Apply(ctx, tx, rec, r.job.Principal, at)
					if err != nil {
						return fmt.Errorf("apply %s/%s: %w", rec.EntityType, rec.RecordKey, err)
					}
					entries = append(entries, entry)
				}
				if len(entries) > 0 {
					if err := p.ledger.Record(ctx, tx, entries); err != nil {
						return err
					}
				}
				promoted += len(entries)
			}

			final := counts
			final.Promoted = promoted
			ok, err := tx.TransitionJob(ctx, r.job.ID, models.StateRunning, models.StateCompleted,
				store.WithCounts(final), store.WithWarnings(warnings), store.WithProgress(100))
			if err != nil {
				return err
			}
			if !ok {
				return errNotRunning
			}
			if err := tx.AppendEvent(ctx, models.JobEvent{
				JobID:  r.job.ID,
				Event:  models.EventCompleted,
				Actor:  r.job.Principal,
				Detail: fmt.Sprintf("promoted=%d rejected=%d warnings=%d", promoted, final.Rejected, len(warnings)),
			}); err != nil {
				return err
			}
			_, err = tx.DeleteStaged(ctx, r.job.ID)
			return err
		})
	})
}

func (p *Processor) fail(ctx context.Context, r *run, cause error, keepStaging bool) (models.JobState, error) {
	counts, warnings := r.snapshot()
	msg := cause.Error()
	var moved bool
	err := p.retry(ctx, "fail job", func(ctx context.Context) error {
		var err error
		moved, err = p.store.TransitionJob(ctx, r.job.ID, models.StateRunning, models.StateFailed,
			store.WithError(msg), store.WithCounts(counts), store.WithWarnings(warnings))
		return err
	})
	if err != nil {
		p.logger.Error("failed to record job failure", zap.String("job_id", r.job.ID), zap.Error(err))
		return models.StateRunning, cause
	}
	if !moved {
		return p.currentState(ctx, r.job.ID), cause
	}
	_ = p.store.AppendEvent(ctx, models.JobEvent{JobID: r.job.ID, Event: models.EventFailed, Detail: msg})
	if !keepStaging {
		p.discardStaging(ctx, r.job.ID)
	}
	return models.StateFailed, cause
}

func (p *Processor) cancel(ctx context.Context, r *run) (models.JobState, error) {
	counts, warnings := r.snapshot()
	moved, err := p.store.TransitionJob(ctx, r.job.ID, models.StateRunning, models.StateCancelled,
		store.WithCounts(counts), store.WithWarnings(warnings))
	if err != nil {
		return models.StateRunning, err
	}
	if !moved {
		return p.currentState(ctx, r.job.ID), errNotRunning
	}
	_ = p.store.AppendEvent(ctx, models.JobEvent{
		JobID:  r.job.ID,
		Event:  models.EventCancelled,
		Detail: fmt.Sprintf("stopped after %d records", counts.Total),
	})
	p.discardStaging(ctx, r.job.ID)
	return models.StateCancelled, context.Canceled
}

func (p *Processor) discardStaging(ctx context.Context, jobID string) {
	if _, err := p.store.DeleteStaged(ctx, jobID); err != nil {
		p.logger.Warn("failed to discard staged records", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Processor) currentState(ctx context.Context, jobID string) models.JobState {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return models.StateRunning
	}
	return job.State
}

func (p *Processor) cancelRequested(ctx context.Context, jobID string) bool {
	job, err := p.store.GetJob(ctx, jobID)
	return err == nil && job.CancelRequested
}

// finished publishes the terminal state and notifies external sinks.
func (p *Processor) finished(ctx context.Context, jobID string, state models.JobState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Warn("load finished job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	_ = p.bus.Publish(ctx, events.Event{
		Kind:        events.KindJobFinished,
		JobID:       jobID,
		ResourceKey: job.ResourceKey(),
		State:       state,
		Percent:     job.Progress,
		Records:     job.RecordsTotal,
		At:          time.Now().UTC(),
	})
	if !state.Terminal() {
		return
	}
	if err := p.notifier.Notify(ctx, notify.FromJob(job)); err != nil {
		p.logger.Warn("notification failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Processor) requiredColumns(r *run) ([]string, error) {
	required := r.entity.RequiredColumns()
	if r.job.Source.Kind != models.SourceDelimited || r.job.Source.Template == "" || p.templates == nil {
		return required, nil
	}
	rc, err := p.templates(r.job.Source.Template)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	defer rc.Close()
	cols, err := parser.Header(rc, delimiterOf(r.job.Source.Delimiter))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", r.job.Source.Template, err)
	}
	for _, c := range cols {
		if !slices.Contains(required, c) {
			required = append(required, c)
		}
	}
	return required, nil
}

func (p *Processor) chunkSize(job models.Job, size int64) int {
	if job.ChunkSize > 0 {
		return job.ChunkSize
	}
	cores := p.cores
	if job.Concurrency > 0 {
		cores = job.Concurrency
	}
	estimate := job.Source.ItemCount
	if estimate == 0 && size > 0 && p.bounds.RecordBytes > 0 {
		estimate = int(size / p.bounds.RecordBytes)
	}
	return p.bounds.Size(estimate, p.monitor.AvailableMemory(), cores)
}

// retry runs fn until it succeeds, fails permanently or attempts run out.
func (p *Processor) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := max(p.cfg.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !store.IsTransient(err) || attempt >= attempts {
			return err
		}
		wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)
		telemetry.TransientRetries.Inc()
		p.logger.Warn("transient store error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func errorRate(c store.Counts, malformed int) float64 {
	total := c.Total + malformed
	if total == 0 {
		return 0
	}
	return float64(c.Rejected+malformed) / float64(total)
}

func delimiterOf(s string) rune {
	switch s {
	case "":
		return 0
	case `\t`, "tab":
		return '\t'
	}
	return []rune(s)[0]
}

func closed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
