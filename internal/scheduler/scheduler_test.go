package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"import-orchestrator/internal/config"
	"import-orchestrator/internal/events"
	"import-orchestrator/internal/lock"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/notify"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeExec records per-entity concurrency and completes every job it is given.
type fakeExec struct {
	st   store.Store
	hold time.Duration
	run  func(ctx context.Context, job models.Job, sig worker.Signals) models.JobState

	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	order     []string
}

func newFakeExec(st store.Store, hold time.Duration) *fakeExec {
	return &fakeExec{st: st, hold: hold, active: map[string]int{}, maxActive: map[string]int{}}
}

func (f *fakeExec) Process(ctx context.Context, job models.Job, sig worker.Signals) models.JobState {
	f.mu.Lock()
	f.active[job.EntityType]++
	if f.active[job.EntityType] > f.maxActive[job.EntityType] {
		f.maxActive[job.EntityType] = f.active[job.EntityType]
	}
	f.order = append(f.order, job.ID)
	f.mu.Unlock()

	state := models.StateCompleted
	if f.run != nil {
		state = f.run(ctx, job, sig)
	} else {
		time.Sleep(f.hold)
	}

	f.mu.Lock()
	f.active[job.EntityType]--
	f.mu.Unlock()
	if state.Terminal() {
		_, _ = f.st.TransitionJob(context.Background(), job.ID, models.StateRunning, state)
	}
	return state
}

func (f *fakeExec) snapshot() (map[string]int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := make(map[string]int, len(f.maxActive))
	for k, v := range f.maxActive {
		max[k] = v
	}
	return max, append([]string(nil), f.order...)
}

func testConfig() config.Config {
	return config.Config{
		InstanceID:           "test-instance",
		MaxConcurrentJobs:    4,
		DispatchPollInterval: 10 * time.Millisecond,
		LockSweepInterval:    time.Hour,
		LockTTL:              time.Minute,
		MaxLockWait:          time.Hour,
		JobSoftBudget:        time.Hour,
	}
}

func newTestScheduler(t *testing.T, cfg config.Config, st store.Store, exec Executor, opts ...Option) (*Scheduler, *events.LocalBus) {
	t.Helper()
	bus := events.NewLocalBus()
	locks := lock.NewManager(st, bus, cfg.LockTTL, zaptest.NewLogger(t))
	return New(cfg, st, locks, bus, exec, zaptest.NewLogger(t), opts...), bus
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

func enqueue(t *testing.T, st store.Store, entity string, priority models.Priority) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		EntityType: entity,
		Source:     models.Source{Kind: models.SourceDelimited, Filename: entity + ".csv"},
		Priority:   priority,
		Principal:  "alice",
	})
	require.NoError(t, err)
	return job
}

func startRun(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func allInState(t *testing.T, st store.Store, state models.JobState, ids ...string) func() bool {
	return func() bool {
		for _, id := range ids {
			job, err := st.GetJob(context.Background(), id)
			if err != nil || job.State != state {
				return false
			}
		}
		return true
	}
}

func TestRun_SameEntityJobsNeverOverlap(t *testing.T) {
	st := store.NewMemoryStore()
	exec := newFakeExec(st, 30*time.Millisecond)
	s, _ := newTestScheduler(t, testConfig(), st, exec)

	t1 := enqueue(t, st, "teams", models.PriorityDefault)
	t2 := enqueue(t, st, "teams", models.PriorityDefault)
	p1 := enqueue(t, st, "players", models.PriorityDefault)
	t3 := enqueue(t, st, "teams", models.PriorityHigh)

	startRun(t, s)
	require.Eventually(t, allInState(t, st, models.StateCompleted, t1.ID, t2.ID, t3.ID, p1.ID), 5*time.Second, 10*time.Millisecond)

	max, order := exec.snapshot()
	assert.Equal(t, 1, max["teams"], "two teams jobs ran at once")
	assert.Equal(t, 1, max["players"])

	var teams []string
	for _, id := range order {
		if id != p1.ID {
			teams = append(teams, id)
		}
	}
	assert.Equal(t, []string{t1.ID, t2.ID, t3.ID}, teams, "jobs on one resource run in submission order")

	locks, err := st.ListLocks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestDispatchOnce_RespectsCapacity(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	exec := newFakeExec(st, 0)
	exec.run = func(context.Context, models.Job, worker.Signals) models.JobState {
		<-release
		return models.StateCompleted
	}
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	s, _ := newTestScheduler(t, cfg, st, exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.wg.Add(1)
	go s.workerLoop(ctx)
	defer func() {
		close(release)
		close(s.work)
		s.wg.Wait()
	}()

	a := enqueue(t, st, "teams", models.PriorityDefault)
	b := enqueue(t, st, "players", models.PriorityDefault)

	n, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ja, err := st.GetJob(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, ja.State)
	jb, err := st.GetJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, jb.State)
	assert.Equal(t, []string{a.ID}, s.Running())
}

func TestDispatchOnce_PriorityAcrossResources(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	exec := newFakeExec(st, 0)
	exec.run = func(context.Context, models.Job, worker.Signals) models.JobState {
		<-release
		return models.StateCompleted
	}
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	s, _ := newTestScheduler(t, cfg, st, exec)
	ctx := context.Background()
	s.wg.Add(1)
	go s.workerLoop(ctx)
	defer func() {
		close(release)
		close(s.work)
		s.wg.Wait()
	}()

	enqueue(t, st, "teams", models.PriorityLow)
	high := enqueue(t, st, "players", models.PriorityHigh)

	n, err := s.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, []string{high.ID}, s.Running())
}

func TestRun_CancelSignalReachesRunningJob(t *testing.T) {
	st := store.NewMemoryStore()
	started := make(chan string, 1)
	exec := newFakeExec(st, 0)
	exec.run = func(_ context.Context, job models.Job, sig worker.Signals) models.JobState {
		started <- job.ID
		select {
		case <-sig.Cancel:
			return models.StateCancelled
		case <-time.After(5 * time.Second):
			return models.StateCompleted
		}
	}
	s, bus := newTestScheduler(t, testConfig(), st, exec)
	job := enqueue(t, st, "teams", models.PriorityDefault)
	startRun(t, s)

	select {
	case id := <-started:
		require.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dispatched")
	}
	require.NoError(t, bus.Publish(context.Background(), events.Event{Kind: events.KindCancelRequested, JobID: job.ID}))
	require.Eventually(t, allInState(t, st, models.StateCancelled, job.ID), 5*time.Second, 10*time.Millisecond)
}

func TestRecoverOrphans(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recordingNotifier{}
	s, _ := newTestScheduler(t, testConfig(), st, newFakeExec(st, 0), WithNotifier(rec))
	ctx := context.Background()

	orphan := enqueue(t, st, "teams", models.PriorityDefault)
	owned := enqueue(t, st, "players", models.PriorityDefault)
	for _, j := range []models.Job{orphan, owned} {
		ok, err := st.TransitionJob(ctx, j.ID, models.StatePending, models.StateRunning)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := st.TryAcquireLock(ctx, owned.ResourceKey(), owned.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, interruptedError, *got.Error)
	evs, err := st.ListEvents(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventInterrupted, evs[len(evs)-1].Event)

	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, orphan.ID, sent[0].JobID)
	assert.Equal(t, models.StateFailed, sent[0].State)
	assert.Equal(t, interruptedError, sent[0].Error)

	got, err = st.GetJob(ctx, owned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
}

func TestExpireLockWaits(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	cfg := testConfig()
	cfg.MaxLockWait = 10 * time.Minute
	cfg.LockTTL = time.Hour
	rec := &recordingNotifier{}
	s, _ := newTestScheduler(t, cfg, st, newFakeExec(st, 0), WithNotifier(rec))
	s.now = clock.Now
	ctx := context.Background()

	holder := uuid.NewString()
	ok, err := st.TryAcquireLock(ctx, models.ResourceKeyFor("teams"), holder, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	waiting := enqueue(t, st, "teams", models.PriorityDefault)
	free := enqueue(t, st, "players", models.PriorityDefault)

	n, err := s.ExpireLockWaits(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(11 * time.Minute)
	n, err = s.ExpireLockWaits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, lockWaitError, *got.Error)

	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, waiting.ID, sent[0].JobID)
	assert.Equal(t, models.StateFailed, sent[0].State)
	assert.Equal(t, lockWaitError, sent[0].Error)

	got, err = st.GetJob(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
}

func TestFlagOverdue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	s, _ := newTestScheduler(t, testConfig(), st, newFakeExec(st, 0))
	s.now = clock.Now
	ctx := context.Background()

	job := enqueue(t, st, "teams", models.PriorityDefault)
	ok, err := st.TransitionJob(ctx, job.ID, models.StatePending, models.StateRunning)
	require.NoError(t, err)
	require.True(t, ok)
	s.running[job.ID] = &active{job: job, started: clock.Now(), cancel: make(chan struct{}), lost: make(chan struct{})}

	assert.Zero(t, s.FlagOverdue(ctx))
	clock.Advance(61 * time.Minute)
	assert.Equal(t, 1, s.FlagOverdue(ctx))
	assert.Zero(t, s.FlagOverdue(ctx), "a job is flagged once")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Overdue)
	assert.Equal(t, models.StateRunning, got.State, "overdue jobs keep running")
	evs, err := st.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventOverdue, evs[len(evs)-1].Event)
}

func TestClaim_StaleCopyDoesNotStealLock(t *testing.T) {
	st := store.NewMemoryStore()
	a, _ := newTestScheduler(t, testConfig(), st, newFakeExec(st, 0))
	b, _ := newTestScheduler(t, testConfig(), st, newFakeExec(st, 0))
	ctx := context.Background()

	j1 := enqueue(t, st, "teams", models.PriorityDefault)
	j2 := enqueue(t, st, "teams", models.PriorityDefault)

	won, err := a.claim(ctx, j1)
	require.NoError(t, err)
	require.NotNil(t, won)

	// b still sees j1 as pending.
	lost, err := b.claim(ctx, j1)
	require.NoError(t, err)
	assert.Nil(t, lost)

	holder, held, err := st.GetLock(ctx, j1.ResourceKey())
	require.NoError(t, err)
	require.True(t, held, "losing claim released the winner's lock")
	assert.Equal(t, j1.ID, holder.JobID)

	next, err := b.claim(ctx, j2)
	require.NoError(t, err)
	assert.Nil(t, next)
	require.Eventually(t, allInState(t, st, models.StatePending, j2.ID), time.Second, time.Millisecond)

	// Once j1 finishes, a late claim of j1 frees the lock it briefly took.
	moved, err := st.TransitionJob(ctx, j1.ID, models.StateRunning, models.StateCompleted)
	require.NoError(t, err)
	require.True(t, moved)
	a.releaseLock(won.job)
	a.untrack(j1.ID)

	lost, err = b.claim(ctx, j1)
	require.NoError(t, err)
	assert.Nil(t, lost)
	_, held, err = st.GetLock(ctx, j1.ResourceKey())
	require.NoError(t, err)
	assert.False(t, held)

	next, err = b.claim(ctx, j2)
	require.NoError(t, err)
	require.NotNil(t, next)
	b.releaseLock(next.job)
	b.untrack(j2.ID)
}

type span struct {
	job        string
	start, end int
}

// intervalExec records the run interval of every job on a logical clock and
// counts starts that found another job of the same entity still running.
type intervalExec struct {
	st store.Store

	mu        sync.Mutex
	holds     map[string]time.Duration
	seq       int
	spans     map[string][]span
	conflicts []string
}

func newIntervalExec(st store.Store) *intervalExec {
	return &intervalExec{st: st, holds: map[string]time.Duration{}, spans: map[string][]span{}}
}

func (e *intervalExec) setHold(jobID string, d time.Duration) {
	e.mu.Lock()
	e.holds[jobID] = d
	e.mu.Unlock()
}

func (e *intervalExec) Process(ctx context.Context, job models.Job, _ worker.Signals) models.JobState {
	running, err := e.st.ListByState(ctx, models.StateRunning)
	e.mu.Lock()
	if err != nil {
		e.conflicts = append(e.conflicts, fmt.Sprintf("list running: %v", err))
	}
	for _, other := range running {
		if other.ID != job.ID && other.ResourceKey() == job.ResourceKey() {
			e.conflicts = append(e.conflicts, fmt.Sprintf("%s started while %s was running", job.ID, other.ID))
		}
	}
	e.seq++
	start := e.seq
	hold := e.holds[job.ID]
	e.mu.Unlock()

	time.Sleep(hold)

	e.mu.Lock()
	e.seq++
	key := job.ResourceKey()
	e.spans[key] = append(e.spans[key], span{job: job.ID, start: start, end: e.seq})
	e.mu.Unlock()

	_, _ = e.st.TransitionJob(context.Background(), job.ID, models.StateRunning, models.StateCompleted)
	return models.StateCompleted
}

func (e *intervalExec) assertExclusive(t *testing.T) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.conflicts)
	for key, spans := range e.spans {
		for i := range spans {
			for j := i + 1; j < len(spans); j++ {
				a, b := spans[i], spans[j]
				if a.start < b.end && b.start < a.end {
					t.Errorf("%s: %s [%d,%d] overlaps %s [%d,%d]", key, a.job, a.start, a.end, b.job, b.start, b.end)
				}
			}
		}
	}
}

func TestRun_MultipleInstancesKeepResourcesExclusive(t *testing.T) {
	for round := 0; round < 3; round++ {
		seed := time.Now().UnixNano() + int64(round)
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			st := store.NewMemoryStore()
			exec := newIntervalExec(st)
			entities := []string{"teams", "players", "matches"}

			var ids []string
			submit := func(n int) {
				for i := 0; i < n; i++ {
					job := enqueue(t, st, entities[rng.Intn(len(entities))], models.Priority(rng.Intn(11)))
					exec.setHold(job.ID, time.Duration(rng.Intn(6))*time.Millisecond)
					ids = append(ids, job.ID)
				}
			}

			submit(15)
			instances := 2 + rng.Intn(2)
			for i := 0; i < instances; i++ {
				cfg := testConfig()
				cfg.InstanceID = fmt.Sprintf("instance-%d", i)
				cfg.MaxConcurrentJobs = 1 + rng.Intn(3)
				cfg.DispatchPollInterval = time.Duration(1+rng.Intn(5)) * time.Millisecond
				s, _ := newTestScheduler(t, cfg, st, exec)
				startRun(t, s)
			}
			submit(15)

			require.Eventually(t, allInState(t, st, models.StateCompleted, ids...), 15*time.Second, 10*time.Millisecond)
			exec.assertExclusive(t)

			assert.Eventually(t, func() bool {
				locks, err := st.ListLocks(context.Background())
				return err == nil && len(locks) == 0
			}, time.Second, 5*time.Millisecond, "locks left behind")
		})
	}
}
