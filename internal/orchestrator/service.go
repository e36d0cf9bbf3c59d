// Package orchestrator is the entry point for import operations. It admits jobs,
// answers status queries and forwards cancel and rollback requests. Execution
// itself belongs to the scheduler and the workers it dispatches.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"import-orchestrator/internal/config"
	"import-orchestrator/internal/events"
	"import-orchestrator/internal/ledger"
	"import-orchestrator/internal/lock"
	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/notify"
	"import-orchestrator/internal/ratelimit"
	"import-orchestrator/internal/scheduler"
	"import-orchestrator/internal/schema"
	"import-orchestrator/internal/security"
	"import-orchestrator/internal/source"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
)

var (
	ErrUnknownEntity  = errors.New("unknown entity type")
	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("enqueue rate limit exceeded")
	ErrNotCancellable = errors.New("job already finished")
)

// RateLimitError carries the wait before the principal's next token.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Limiter throttles enqueue requests per principal.
type Limiter interface {
	Allow(ctx context.Context, principal string, cost int) (ratelimit.Decision, error)
}

// Sizer reports the size of a remote source location.
type Sizer interface {
	Stat(ctx context.Context, loc string) (int64, error)
}

type Service struct {
	cfg       config.Config
	store     store.Store
	validator *security.Validator
	schemas   *schema.Registry
	ledger    *ledger.Ledger
	locks     *lock.Manager
	bus       events.Bus
	limiter   Limiter
	sources   Sizer
	notifier  notify.Notifier
	templates *source.FileOpener
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLimiter(l Limiter) Option { return func(s *Service) { s.limiter = l } }

func WithSources(sz Sizer) Option { return func(s *Service) { s.sources = sz } }

// WithNotifier sets the sink told about pending jobs cancelled here.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = logger.OrNop(l) } }

func New(cfg config.Config, st store.Store, v *security.Validator, schemas *schema.Registry,
	led *ledger.Ledger, locks *lock.Manager, bus events.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     st,
		validator: v,
		schemas:   schemas,
		ledger:    led,
		locks:     locks,
		bus:       bus,
		notifier:  notify.Nop{},
		templates: source.NewFileOpener(cfg.TemplateDir),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnqueueRequest is one import submission. Payload holds an inline upload;
// Location names a remote source instead.
type EnqueueRequest struct {
	Principal   string
	EntityType  string
	SourceKind  models.SourceKind
	Priority    models.Priority
	Filename    string
	ContentType string
	Template    string
	Delimiter   string
	Location    string
	Payload     []byte
	ChunkSize   int
	Concurrency int
}

// EnqueueImport admits req and persists it as a pending job. Nothing is written
// when any check fails.
func (s *Service) EnqueueImport(ctx context.Context, req EnqueueRequest) (models.Job, error) {
	log := s.logger.With(zap.String("principal", req.Principal), zap.String("entity_type", req.EntityType))

	entity, ok := s.schemas.Entity(req.EntityType)
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownEntity, req.EntityType)
	}
	if req.SourceKind != models.SourceRecords && req.SourceKind != models.SourceDelimited {
		return models.Job{}, fmt.Errorf("%w: unknown source kind %q", ErrInvalidRequest, req.SourceKind)
	}
	if req.Location == "" && len(req.Payload) == 0 {
		return models.Job{}, fmt.Errorf("%w: empty payload", ErrInvalidRequest)
	}
	if req.ChunkSize < 0 || req.Concurrency < 0 {
		return models.Job{}, fmt.Errorf("%w: chunk size and concurrency must not be negative", ErrInvalidRequest)
	}

	if err := s.checkRate(ctx, req.Principal); err != nil {
		return models.Job{}, err
	}

	src := models.Source{
		Kind:        req.SourceKind,
		Location:    req.Location,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Template:    req.Template,
		Delimiter:   req.Delimiter,
	}
	if req.Location != "" {
		if src.Filename == "" {
			src.Filename = path.Base(req.Location)
		}
		if err := s.validator.AdmitLocation(req.Principal, req.Location); err != nil {
			return models.Job{}, err
		}
		size, err := s.stat(ctx, req.Location)
		if err != nil {
			return models.Job{}, err
		}
		src.SizeBytes = size
	} else {
		src.SizeBytes = int64(len(req.Payload))
		src.Inline = req.Payload
		if req.SourceKind == models.SourceRecords {
			src.ItemCount = countItems(req.Payload, s.cfg.MaxBatchItems)
		}
	}
	if src.Delimiter == "" && strings.EqualFold(filepath.Ext(src.Filename), ".tsv") {
		src.Delimiter = "\t"
	}

	err := s.validator.Admit(security.Request{
		Principal:    req.Principal,
		SourceKind:   src.Kind,
		SizeBytes:    src.SizeBytes,
		Filename:     src.Filename,
		ContentType:  src.ContentType,
		TemplatePath: src.Template,
		Location:     src.Location,
		ItemCount:    src.ItemCount,
	})
	if err != nil {
		return models.Job{}, err
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		EntityType:  entity.Name,
		Source:      src,
		Priority:    req.Priority,
		Principal:   req.Principal,
		ChunkSize:   req.ChunkSize,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.store.AppendEvent(ctx, models.JobEvent{
		JobID:  job.ID,
		Event:  models.EventEnqueued,
		Actor:  req.Principal,
		Detail: fmt.Sprintf("%s %s, %d bytes", src.Kind, displayName(src), src.SizeBytes),
	}); err != nil {
		log.Warn("append enqueued event", zap.String("job_id", job.ID), zap.Error(err))
	}
	telemetry.JobsEnqueued.WithLabelValues(string(src.Kind)).Inc()
	s.publish(ctx, events.Event{Kind: events.KindJobEnqueued, JobID: job.ID, ResourceKey: job.ResourceKey(), State: job.State})

	log.Info("import enqueued", zap.String("job_id", job.ID), zap.Int("priority", int(job.Priority)),
		zap.String("source_kind", string(src.Kind)), zap.Int64("size_bytes", src.SizeBytes))
	return job, nil
}

func (s *Service) checkRate(ctx context.Context, principal string) error {
	if s.limiter == nil {
		return nil
	}
	if principal == "" {
		principal = "anonymous"
	}
	d, err := s.limiter.Allow(ctx, principal, 1)
	if err != nil {
		// Fail open when Redis is unreachable.
		s.logger.Warn("rate limiter unavailable", zap.Error(err))
		return nil
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		s.logger.Info("enqueue rate limited", zap.String("principal", principal), zap.Duration("retry_after", d.RetryAfter))
		return &RateLimitError{RetryAfter: d.RetryAfter}
	}
	return nil
}

func (s *Service) stat(ctx context.Context, loc string) (int64, error) {
	if s.sources == nil {
		return 0, fmt.Errorf("%w: remote sources are not configured", ErrInvalidRequest)
	}
	size, err := s.sources.Stat(ctx, loc)
	switch {
	case errors.Is(err, source.ErrUnsupportedScheme), errors.Is(err, source.ErrNotConfigured):
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case err != nil:
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if size < 0 {
		size = 0
	}
	return size, nil
}

// countItems counts the elements of a top-level JSON array, stopping once the
// count passes limit. Anything else counts as zero and is left to the parser.
func countItems(payload []byte, limit int) int {
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('[') {
		return 0
	}
	n := 0
	for dec.More() {
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return n
		}
		n++
		if limit > 0 && n > limit {
			return n
		}
	}
	return n
}

func displayName(src models.Source) string {
	if src.Filename != "" {
		return src.Filename
	}
	return "inline batch"
}

func (s *Service) GetJobStatus(ctx context.Context, id string) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// CancelJob cancels a pending job at once. A running job is only flagged; its
// worker stops at the next chunk boundary and discards staged data.
func (s *Service) CancelJob(ctx context.Context, id, actor string) (models.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		switch job.State {
		case models.StatePending:
			moved, err := s.store.TransitionJob(ctx, id, models.StatePending, models.StateCancelled,
				store.WithError("cancelled before start"))
			if err != nil {
				return models.Job{}, fmt.Errorf("cancel job: %w", err)
			}
			if !moved {
				continue
			}
			s.event(ctx, id, models.EventCancelled, actor, "cancelled while pending")
			telemetry.JobsFinished.WithLabelValues(string(models.StateCancelled)).Inc()
			s.publish(ctx, events.Event{Kind: events.KindJobFinished, JobID: id, ResourceKey: job.ResourceKey(), State: models.StateCancelled})
			s.logger.Info("pending job cancelled", zap.String("job_id", id), zap.String("actor", actor))
			cancelled, err := s.store.GetJob(ctx, id)
			if err != nil {
				return models.Job{}, err
			}
			if err := s.notifier.Notify(ctx, notify.FromJob(cancelled)); err != nil {
				s.logger.Warn("notification failed", zap.String("job_id", id), zap.Error(err))
			}
			return cancelled, nil

		case models.StateRunning:
			flagged, err := s.store.RequestCancel(ctx, id)
			if err != nil {
				return models.Job{}, fmt.Errorf("request cancel: %w", err)
			}
			if !flagged {
				continue
			}
			s.event(ctx, id, models.EventCancelRequested, actor, "cancel requested while running")
			s.publish(ctx, events.Event{Kind: events.KindCancelRequested, JobID: id, ResourceKey: job.ResourceKey()})
			s.logger.Info("cancel requested", zap.String("job_id", id), zap.String("actor", actor))
			return s.store.GetJob(ctx, id)

		default:
			return job, fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, job.State)
		}
	}
	return models.Job{}, fmt.Errorf("cancel job %s: %w", id, store.ErrStateConflict)
}

// ListQueue returns one page of jobs and the total matching the filter.
func (s *Service) ListQueue(ctx context.Context, f store.JobFilter) ([]models.JobSummary, int, error) {
	jobs, total, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, total, nil
}

func (s *Service) JobEvents(ctx context.Context, id string) ([]models.JobEvent, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

func (s *Service) AuditTrail(ctx context.Context, id string) ([]models.AuditEntry, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.Entries(ctx, id)
}

// RollbackJob reverts a completed job's changes. Without force, any row that
// changed after the job aborts the whole rollback.
func (s *Service) RollbackJob(ctx context.Context, id, actor, reason string, force bool) (ledger.RollbackResult, error) {
	res, err := s.ledger.Rollback(ctx, id, actor, reason, force)
	if err != nil {
		return res, err
	}
	s.publish(ctx, events.Event{Kind: events.KindJobFinished, JobID: id, State: models.StateRolledBack,
		Detail: fmt.Sprintf("deleted=%d restored=%d skipped=%d", res.Deleted, res.Restored, len(res.Skipped))})
	return res, nil
}

// GetResourceLockStatus reports every held resource lock.
func (s *Service) GetResourceLockStatus(ctx context.Context) ([]models.ResourceLock, error) {
	return s.locks.Status(ctx)
}

// ResourceLock reports who holds the lock of one entity type, if anyone.
func (s *Service) ResourceLock(ctx context.Context, entityType string) (models.ResourceLock, bool, error) {
	entity, ok := s.schemas.Entity(entityType)
	if !ok {
		return models.ResourceLock{}, false, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	return s.locks.Holder(ctx, models.ResourceKeyFor(entity.Name))
}

// OpenTemplate opens an allow-listed template. The name is checked lexically
// first and then opened through os.Root so symlinks cannot leave the directory.
func (s *Service) OpenTemplate(name string) (io.ReadCloser, error) {
	full, err := s.validator.ResolveTemplate(name)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(filepath.Clean(s.cfg.TemplateDir), full)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	rc, _, err := s.templates.Open(rel)
	return rc, err
}

// Watch streams bus events of one job until ctx ends or stop is called.
func (s *Service) Watch(ctx context.Context, jobID string) (<-chan events.Event, func(), error) {
	in, unsubscribe, err := s.bus.Subscribe(ctx)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan events.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if ev.JobID != jobID {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}
	return out, stop, nil
}

func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) event(ctx context.Context, jobID, kind, actor, detail string) {
	if err := s.store.AppendEvent(ctx, models.JobEvent{JobID: jobID, Event: kind, Actor: actor, Detail: detail}); err != nil {
		s.logger.Warn("append job event", zap.String("job_id", jobID), zap.String("event", kind), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event", zap.String("kind", string(ev.Kind)), zap.String("job_id", ev.JobID), zap.Error(err))
	}
}

// ScheduleRequest defines a recurring import.
type ScheduleRequest struct {
	Name       string
	CronExpr   string
	EntityType string
	SourceKind models.SourceKind
	Location   string
	Template   string
	Priority   models.Priority
	Overlap    models.OverlapPolicy
	Principal  string
	Disabled   bool
}

func (s *Service) CreateScheduledImport(ctx context.Context, req ScheduleRequest) (models.ScheduledImport, error) {
	if strings.TrimSpace(req.Name) == "" {
		return models.ScheduledImport{}, fmt.Errorf("%w: schedule name is required", ErrInvalidRequest)
	}
	entity, ok := s.schemas.Entity(req.EntityType)
	if !ok {
		return models.ScheduledImport{}, fmt.Errorf("%w: %q", ErrUnknownEntity, req.EntityType)
	}
	if req.SourceKind != models.SourceRecords && req.SourceKind != models.SourceDelimited {
		return models.ScheduledImport{}, fmt.Errorf("%w: unknown source kind %q", ErrInvalidRequest, req.SourceKind)
	}
	if !remoteLocation(req.Location) {
		return models.ScheduledImport{}, fmt.Errorf("%w: schedules need a file://, s3:// or http(s):// location", ErrInvalidRequest)
	}
	next, err := scheduler.NextRun(req.CronExpr, s.now())
	if err != nil {
		return models.ScheduledImport{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	overlap := req.Overlap
	if overlap == "" {
		overlap = models.OverlapQueue
	}
	if _, err := models.ParseOverlapPolicy(string(overlap)); err != nil {
		return models.ScheduledImport{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := s.validator.Admit(security.Request{
		Principal:    req.Principal,
		SourceKind:   req.SourceKind,
		Filename:     path.Base(req.Location),
		TemplatePath: req.Template,
		Location:     req.Location,
	}); err != nil {
		return models.ScheduledImport{}, err
	}

	def, err := s.store.CreateSchedule(ctx, models.ScheduledImport{
		Name:           req.Name,
		CronExpr:       req.CronExpr,
		EntityType:     entity.Name,
		SourceKind:     req.SourceKind,
		SourceLocation: req.Location,
		Template:       req.Template,
		Priority:       req.Priority,
		Enabled:        !req.Disabled,
		Overlap:        overlap,
		Principal:      req.Principal,
		NextRunAt:      next,
	})
	if err != nil {
		return models.ScheduledImport{}, fmt.Errorf("create schedule: %w", err)
	}
	s.publish(ctx, events.Event{Kind: events.KindScheduleChanged, Detail: def.ID})
	s.logger.Info("schedule created", zap.String("schedule_id", def.ID), zap.String("schedule", def.Name),
		zap.String("cron", def.CronExpr), zap.Time("next_run_at", def.NextRunAt))
	return def, nil
}

func (s *Service) ListScheduledImports(ctx context.Context) ([]models.ScheduledImport, error) {
	return s.store.ListSchedules(ctx)
}

// DeleteScheduledImport removes the definition. Jobs it already produced are kept.
func (s *Service) DeleteScheduledImport(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Kind: events.KindScheduleChanged, Detail: id})
	s.logger.Info("schedule deleted", zap.String("schedule_id", id))
	return nil
}

func remoteLocation(loc string) bool {
	for _, prefix := range []string{"file://", "s3://", "http://", "https://"} {
		if strings.HasPrefix(loc, prefix) && len(loc) > len(prefix) {
			return true
		}
	}
	return false
}
