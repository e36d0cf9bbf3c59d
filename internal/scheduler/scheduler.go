// Package scheduler dispatches pending import jobs to a bounded worker pool.
// The store decides what is pending and which resources are locked; the
// scheduler's running map is only a local cache of the jobs it executes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"import-orchestrator/internal/config"
	"import-orchestrator/internal/events"
	"import-orchestrator/internal/lock"
	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/notify"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
	"import-orchestrator/internal/worker"
)

const (
	lockWaitError    = "lock wait exceeded"
	interruptedError = "interrupted"
)

// Executor runs one dispatched job to a terminal state.
type Executor interface {
	Process(ctx context.Context, job models.Job, sig worker.Signals) models.JobState
}

type Scheduler struct {
	cfg      config.Config
	store    store.Store
	locks    *lock.Manager
	bus      events.Bus
	exec     Executor
	notifier notify.Notifier
	cron     cron.Parser
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*active

	work chan *active
	wake chan struct{}
	wg   sync.WaitGroup
}

// active is a job this instance is executing.
type active struct {
	job     models.Job
	started time.Time
	overdue bool

	cancelOnce sync.Once
	cancel     chan struct{}
	lostOnce   sync.Once
	lost       chan struct{}
}

func (a *active) requestCancel() { a.cancelOnce.Do(func() { close(a.cancel) }) }

func (a *active) markLost() { a.lostOnce.Do(func() { close(a.lost) }) }

type Option func(*Scheduler)

// WithNotifier sets the sink told about jobs the scheduler itself finishes.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

func New(cfg config.Config, st store.Store, locks *lock.Manager, bus events.Bus, exec Executor, l *zap.Logger, opts ...Option) *Scheduler {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.DispatchPollInterval <= 0 {
		cfg.DispatchPollInterval = 2 * time.Second
	}
	if cfg.LockSweepInterval <= 0 {
		cfg.LockSweepInterval = 30 * time.Second
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		locks:    locks,
		bus:      bus,
		exec:     exec,
		notifier: notify.Nop{},
		cron:     newCronParser(),
		logger:   logger.OrNop(l),
		now:      time.Now,
		running:  make(map[string]*active),
		work:     make(chan *active),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wake asks the dispatch loop for an immediate pass.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run recovers orphaned jobs, starts the worker pool and dispatches until ctx
// is done. In-flight jobs are left running on shutdown and their locks released,
// so the next recovery pass marks them interrupted.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}

	sub, unsubscribe, err := s.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer unsubscribe()

	for i := 0; i < s.cfg.MaxConcurrentJobs; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(ctx, sub)
	}()

	s.logger.Info("scheduler started",
		zap.String("instance", s.cfg.InstanceID),
		zap.Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs))

	poll := time.NewTicker(s.cfg.DispatchPollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.cfg.LockSweepInterval)
	defer sweep.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			close(s.work)
			unsubscribe()
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-sweep.C:
			s.Maintain(ctx)
			s.tick(ctx)
		case <-poll.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.MaterializeDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("materialize schedules failed", zap.Error(err))
	}
	if _, err := s.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("dispatch failed", zap.Error(err))
	}
}

// listen turns bus events into wake-ups and cancel signals.
func (s *Scheduler) listen(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Kind == events.KindCancelRequested {
				s.signalCancel(ev.JobID)
			}
			if ev.Wakes() {
				s.Wake()
			}
		}
	}
}

func (s *Scheduler) signalCancel(jobID string) {
	s.mu.Lock()
	a, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		a.requestCancel()
	}
}

// Running returns the ids of jobs executing on this instance.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxConcurrentJobs - len(s.running)
}

func (s *Scheduler) isLocal(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

// DispatchOnce starts as many dispatchable jobs as there are free slots and
// returns how many it started.
func (s *Scheduler) DispatchOnce(ctx context.Context) (int, error) {
	free := s.capacity()
	if free <= 0 {
		return 0, nil
	}
	candidates, err := s.store.ListDispatchable(ctx, free)
	if err != nil {
		return 0, fmt.Errorf("list dispatchable: %w", err)
	}

	started := 0
	for _, job := range candidates {
		if s.capacity() <= 0 {
			break
		}
		a, err := s.claim(ctx, job)
		if err != nil {
			s.logger.Warn("claim failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if a == nil {
			continue
		}
		select {
		case s.work <- a:
			started++
		case <-ctx.Done():
			s.untrack(a.job.ID)
			s.releaseLock(a.job)
			return started, ctx.Err()
		}
	}
	return started, nil
}

// claim takes the resource lock and moves the job to running. It returns nil
// when another dispatcher got there first.
func (s *Scheduler) claim(ctx context.Context, job models.Job) (*active, error) {
	key := job.ResourceKey()
	ok, err := s.locks.TryAcquire(ctx, key, job.ID, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	moved, err := s.store.TransitionJob(ctx, job.ID, models.StatePending, models.StateRunning)
	if err != nil || !moved {
		s.releaseLock(job)
		return nil, err
	}

	now := s.now().UTC()
	job.State = models.StateRunning
	job.StartedAt = &now
	a := &active{job: job, started: now, cancel: make(chan struct{}), lost: make(chan struct{})}
	s.mu.Lock()
	s.running[job.ID] = a
	s.mu.Unlock()

	_ = s.store.AppendEvent(ctx, models.JobEvent{
		JobID:  job.ID,
		Event:  models.EventDispatched,
		Actor:  s.cfg.InstanceID,
		Detail: fmt.Sprintf("resource=%s priority=%d", key, job.Priority),
	})
	s.logger.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.String("entity", job.EntityType),
		zap.String("resource_key", key),
		zap.Duration("waited", now.Sub(job.SubmittedAt)))
	return a, nil
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for a := range s.work {
		s.execute(ctx, a)
	}
}

func (s *Scheduler) execute(ctx context.Context, a *active) {
	key := a.job.ResourceKey()
	stop := s.locks.Hold(ctx, key, a.job.ID, a.markLost)
	state := s.exec.Process(ctx, a.job, worker.Signals{Cancel: a.cancel, LockLost: a.lost})
	stop()
	s.releaseLock(a.job)
	s.untrack(a.job.ID)
	s.logger.Debug("worker slot freed", zap.String("job_id", a.job.ID), zap.String("state", string(state)))
	s.Wake()
}

func (s *Scheduler) untrack(jobID string) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
}

func (s *Scheduler) releaseLock(job models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locks.Release(ctx, job.ResourceKey(), job.ID); err != nil {
		s.logger.Error("release lock failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Maintain runs the periodic housekeeping: expired lock reclamation, orphan
// recovery, lock-wait expiry, overdue flagging and the queue depth gauge.
func (s *Scheduler) Maintain(ctx context.Context) {
	if _, err := s.locks.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("lock sweep failed", zap.Error(err))
	}
	if _, err := s.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("orphan recovery failed", zap.Error(err))
	}
	if _, err := s.ExpireLockWaits(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("lock wait expiry failed", zap.Error(err))
	}
	s.FlagOverdue(ctx)

	if pending, err := s.store.ListByState(ctx, models.StatePending); err == nil {
		telemetry.QueueDepth.Set(float64(len(pending)))
	}
}

// RecoverOrphans fails running jobs that no instance holds a live lock for.
// Staged records are kept for inspection.
func (s *Scheduler) RecoverOrphans(ctx context.Context) (int, error) {
	jobs, err := s.store.ListByState(ctx, models.StateRunning)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range jobs {
		if s.isLocal(job.ID) {
			continue
		}
		l, held, err := s.locks.Holder(ctx, job.ResourceKey())
		if err != nil {
			return recovered, err
		}
		if held && l.JobID == job.ID {
			continue
		}
		moved, err := s.store.TransitionJob(ctx, job.ID, models.StateRunning, models.StateFailed, store.WithError(interruptedError))
		if err != nil {
			return recovered, err
		}
		if !moved {
			continue
		}
		recovered++
		_ = s.store.AppendEvent(ctx, models.JobEvent{JobID: job.ID, Event: models.EventInterrupted, Actor: s.cfg.InstanceID, Detail: "no live lock for running job"})
		s.finished(ctx, job, models.StateFailed)
		telemetry.JobsFinished.WithLabelValues(string(models.StateFailed)).Inc()
		s.logger.Warn("recovered orphaned job", zap.String("job_id", job.ID), zap.String("entity", job.EntityType))
	}
	return recovered, nil
}

// ExpireLockWaits fails pending jobs that have waited on a locked resource for
// longer than MaxLockWait.
func (s *Scheduler) ExpireLockWaits(ctx context.Context) (int, error) {
	if s.cfg.MaxLockWait <= 0 {
		return 0, nil
	}
	pending, err := s.store.ListByState(ctx, models.StatePending)
	if err != nil {
		return 0, err
	}
	now := s.now()
	expired := 0
	for _, job := range pending {
		if now.Sub(job.SubmittedAt) <= s.cfg.MaxLockWait {
			continue
		}
		_, locked, err := s.locks.Holder(ctx, job.ResourceKey())
		if err != nil {
			return expired, err
		}
		if !locked {
			continue
		}
		moved, err := s.store.TransitionJob(ctx, job.ID, models.StatePending, models.StateFailed, store.WithError(lockWaitError))
		if err != nil {
			return expired, err
		}
		if !moved {
			continue
		}
		expired++
		_ = s.store.AppendEvent(ctx, models.JobEvent{JobID: job.ID, Event: models.EventFailed, Actor: s.cfg.InstanceID, Detail: lockWaitError})
		s.finished(ctx, job, models.StateFailed)
		telemetry.JobsFinished.WithLabelValues(string(models.StateFailed)).Inc()
		s.logger.Warn("lock wait exceeded", zap.String("job_id", job.ID), zap.String("resource_key", job.ResourceKey()))
	}
	return expired, nil
}

// FlagOverdue marks local jobs running past the soft budget. They keep running.
func (s *Scheduler) FlagOverdue(ctx context.Context) int {
	if s.cfg.JobSoftBudget <= 0 {
		return 0
	}
	now := s.now()
	var late []*active
	s.mu.Lock()
	for _, a := range s.running {
		if !a.overdue && now.Sub(a.started) > s.cfg.JobSoftBudget {
			a.overdue = true
			late = append(late, a)
		}
	}
	s.mu.Unlock()

	for _, a := range late {
		if err := s.store.MarkOverdue(ctx, a.job.ID); err != nil {
			s.logger.Warn("mark overdue failed", zap.String("job_id", a.job.ID), zap.Error(err))
			continue
		}
		elapsed := now.Sub(a.started).Round(time.Second)
		_ = s.store.AppendEvent(ctx, models.JobEvent{JobID: a.job.ID, Event: models.EventOverdue, Actor: s.cfg.InstanceID, Detail: fmt.Sprintf("running for %s", elapsed)})
		telemetry.OverdueJobs.Inc()
		s.logger.Warn("job exceeded soft budget",
			zap.String("job_id", a.job.ID),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", s.cfg.JobSoftBudget))
	}
	return len(late)
}

// finished announces a job this scheduler moved to a terminal state.
func (s *Scheduler) finished(ctx context.Context, job models.Job, state models.JobState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_ = s.bus.Publish(ctx, events.Event{
		Kind:        events.KindJobFinished,
		JobID:       job.ID,
		ResourceKey: job.ResourceKey(),
		State:       state,
		At:          s.now().UTC(),
	})
	if latest, err := s.store.GetJob(ctx, job.ID); err == nil {
		job = latest
	} else {
		job.State = state
	}
	if err := s.notifier.Notify(ctx, notify.FromJob(job)); err != nil {
		s.logger.Warn("notification failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
