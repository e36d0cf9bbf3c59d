package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"import-orchestrator/internal/models"
)

// MemoryStore is an in-process Store used for local development and tests. WithTx
// runs against a copy of the state and swaps it in only on success, so partial
// transactions are never visible.
type MemoryStore struct {
	mu  sync.Mutex
	st  *memState
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for lock expiry and timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.st = newMemState(func() time.Time { return m.now().UTC() })
	return m
}

type memJob struct {
	job     models.Job
	payload []byte
	seq     int64
}

type memState struct {
	now         func() time.Time
	jobs        map[string]*memJob
	jobSeq      int64
	events      []models.JobEvent
	locks       map[string]models.ResourceLock
	staged      map[string]map[int]models.StagedRecord
	targets     map[string]models.TargetRow
	audit       []models.AuditEntry
	schedules   map[string]models.ScheduledImport
	nextEventID int64
	nextAuditID int64
}

func newMemState(now func() time.Time) *memState {
	return &memState{
		now:       now,
		jobs:      make(map[string]*memJob),
		locks:     make(map[string]models.ResourceLock),
		staged:    make(map[string]map[int]models.StagedRecord),
		targets:   make(map[string]models.TargetRow),
		schedules: make(map[string]models.ScheduledImport),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		now:         s.now,
		jobs:        make(map[string]*memJob, len(s.jobs)),
		jobSeq:      s.jobSeq,
		events:      append([]models.JobEvent(nil), s.events...),
		locks:       make(map[string]models.ResourceLock, len(s.locks)),
		staged:      make(map[string]map[int]models.StagedRecord, len(s.staged)),
		targets:     make(map[string]models.TargetRow, len(s.targets)),
		audit:       append([]models.AuditEntry(nil), s.audit...),
		schedules:   make(map[string]models.ScheduledImport, len(s.schedules)),
		nextEventID: s.nextEventID,
		nextAuditID: s.nextAuditID,
	}
	for k, v := range s.jobs {
		cp := *v
		c.jobs[k] = &cp
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	for k, v := range s.staged {
		m := make(map[int]models.StagedRecord, len(v))
		for seq, r := range v {
			m[seq] = r
		}
		c.staged[k] = m
	}
	for k, v := range s.targets {
		c.targets[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = v
	}
	return c
}

func targetKey(entityType, key string) string {
	return entityType + "\x00" + key
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

// WithTx serializes fn against every other store call.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.st = work
	return nil
}

func (m *MemoryStore) locked() (*memState, func()) {
	m.mu.Lock()
	return m.st, m.mu.Unlock
}

// --- jobs ---

func (m *MemoryStore) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	st, unlock := m.locked()
	defer unlock()

	now := st.now()
	src := p.Source
	payload := append([]byte(nil), src.Inline...)
	src.Inline = nil
	job := models.Job{
		ID:          uuid.New().String(),
		EntityType:  p.EntityType,
		Source:      src,
		Priority:    p.Priority,
		Principal:   p.Principal,
		State:       models.StatePending,
		ChunkSize:   p.ChunkSize,
		Concurrency: p.Concurrency,
		ScheduleID:  p.ScheduleID,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	st.jobSeq++
	st.jobs[job.ID] = &memJob{job: job, payload: payload, seq: st.jobSeq}
	return job, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	st, unlock := m.locked()
	defer unlock()
	return st.GetJob(ctx, id)
}

func (s *memState) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.job, nil
}

func (m *MemoryStore) LoadPayload(_ context.Context, jobID string) ([]byte, error) {
	st, unlock := m.locked()
	defer unlock()
	j, ok := st.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return append([]byte(nil), j.payload...), nil
}

func (m *MemoryStore) TransitionJob(ctx context.Context, id string, from, to models.JobState, opts ...JobUpdateOption) (bool, error) {
	st, unlock := m.locked()
	defer unlock()
	return st.TransitionJob(ctx, id, from, to, opts...)
}

func (s *memState) TransitionJob(_ context.Context, id string, from, to models.JobState, opts ...JobUpdateOption) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, ErrStateConflict)
	}
	j, ok := s.jobs[id]
	if !ok || j.job.State != from {
		return false, nil
	}
	params := applyOptions(opts)
	now := s.now()
	job := j.job
	job.State = to
	job.UpdatedAt = now
	if to == models.StateRunning {
		job.StartedAt = &now
		job.CancelRequested = false
	}
	if to.Terminal() && to != models.StateRolledBack {
		job.FinishedAt = &now
	}
	if params.Error != nil {
		msg := *params.Error
		job.Error = &msg
	}
	if params.Counts != nil {
		job.RecordsTotal = params.Counts.Total
		job.RecordsStaged = params.Counts.Staged
		job.RecordsRejected = params.Counts.Rejected
		job.RecordsPromoted = params.Counts.Promoted
	}
	if params.Warnings != nil {
		job.Warnings = append([]string(nil), params.Warnings...)
	}
	if params.Progress != nil {
		job.Progress = *params.Progress
	}
	j.job = job
	return true, nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id string, percent int, c Counts) error {
	st, unlock := m.locked()
	defer unlock()
	j, ok := st.jobs[id]
	if !ok || j.job.State != models.StateRunning {
		return nil
	}
	j.job.Progress = percent
	j.job.RecordsTotal = c.Total
	j.job.RecordsStaged = c.Staged
	j.job.RecordsRejected = c.Rejected
	j.job.UpdatedAt = st.now()
	return nil
}

func (m *MemoryStore) RequestCancel(_ context.Context, id string) (bool, error) {
	st, unlock := m.locked()
	defer unlock()
	j, ok := st.jobs[id]
	if !ok || j.job.State != models.StateRunning {
		return false, nil
	}
	j.job.CancelRequested = true
	j.job.UpdatedAt = st.now()
	return true, nil
}

func (m *MemoryStore) MarkOverdue(_ context.Context, id string) error {
	st, unlock := m.locked()
	defer unlock()
	if j, ok := st.jobs[id]; ok && j.job.State == models.StateRunning {
		j.job.Overdue = true
		j.job.UpdatedAt = st.now()
	}
	return nil
}

func (s *memState) sortedJobs(keep func(models.Job) bool) []*memJob {
	var out []*memJob
	for _, j := range s.jobs {
		if keep(j.job) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].job.SubmittedAt.Equal(out[b].job.SubmittedAt) {
			return out[a].job.SubmittedAt.Before(out[b].job.SubmittedAt)
		}
		return out[a].seq < out[b].seq
	})
	return out
}

func (m *MemoryStore) ListJobs(_ context.Context, f JobFilter) ([]models.Job, int, error) {
	st, unlock := m.locked()
	defer unlock()
	f = f.normalized()
	matched := st.sortedJobs(func(j models.Job) bool {
		if f.State != nil && j.State != *f.State {
			return false
		}
		if f.EntityType != "" && j.EntityType != strings.ToLower(f.EntityType) {
			return false
		}
		return f.Principal == "" || j.Principal == f.Principal
	})
	total := len(matched)
	var page []models.Job
	for i := total - 1 - f.offset(); i >= 0 && len(page) < f.PageSize; i-- {
		page = append(page, matched[i].job)
	}
	return page, total, nil
}

func (m *MemoryStore) ListDispatchable(_ context.Context, limit int) ([]models.Job, error) {
	st, unlock := m.locked()
	defer unlock()
	now := st.now()
	heads := make(map[string]*memJob)
	var order []*memJob
	for _, j := range st.sortedJobs(func(j models.Job) bool { return j.State == models.StatePending }) {
		if _, seen := heads[j.job.EntityType]; seen {
			continue
		}
		heads[j.job.EntityType] = j
		if l, held := st.locks[j.job.ResourceKey()]; held && !l.Expired(now) {
			continue
		}
		order = append(order, j)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return order[a].job.Priority > order[b].job.Priority
	})
	var out []models.Job
	for _, j := range order {
		if len(out) >= limit {
			break
		}
		out = append(out, j.job)
	}
	return out, nil
}

func (m *MemoryStore) ListByState(_ context.Context, state models.JobState) ([]models.Job, error) {
	st, unlock := m.locked()
	defer unlock()
	var out []models.Job
	for _, j := range st.sortedJobs(func(j models.Job) bool { return j.State == state }) {
		out = append(out, j.job)
	}
	return out, nil
}

func (m *MemoryStore) HasUnfinishedForSchedule(_ context.Context, scheduleID string) (bool, error) {
	st, unlock := m.locked()
	defer unlock()
	for _, j := range st.jobs {
		if j.job.ScheduleID != nil && *j.job.ScheduleID == scheduleID && !j.job.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	st, unlock := m.locked()
	defer unlock()
	return st.AppendEvent(ctx, ev)
}

func (s *memState) AppendEvent(_ context.Context, ev models.JobEvent) error {
	s.nextEventID++
	ev.ID = s.nextEventID
	ev.Recorded = s.now()
	s.events = append(s.events, ev)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	st, unlock := m.locked()
	defer unlock()
	var out []models.JobEvent
	for _, ev := range st.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- staging, targets, audit ---

func (m *MemoryStore) StageRecords(_ context.Context, recs []models.StagedRecord) error {
	st, unlock := m.locked()
	defer unlock()
	for _, r := range recs {
		byJob, ok := st.staged[r.JobID]
		if !ok {
			byJob = make(map[int]models.StagedRecord)
			st.staged[r.JobID] = byJob
		}
		if _, exists := byJob[r.Seq]; !exists {
			byJob[r.Seq] = r
		}
	}
	return nil
}

func (m *MemoryStore) ListStaged(ctx context.Context, jobID string, afterSeq, limit int) ([]models.StagedRecord, error) {
	st, unlock := m.locked()
	defer unlock()
	return st.ListStaged(ctx, jobID, afterSeq, limit)
}

func (s *memState) ListStaged(_ context.Context, jobID string, afterSeq, limit int) ([]models.StagedRecord, error) {
	var out []models.StagedRecord
	for seq, r := range s.staged[jobID] {
		if seq > afterSeq {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountStaged(_ context.Context, jobID string) (int, error) {
	st, unlock := m.locked()
	defer unlock()
	return len(st.staged[jobID]), nil
}

func (m *MemoryStore) DeleteStaged(ctx context.Context, jobID string) (int, error) {
	st, unlock := m.locked()
	defer unlock()
	return st.DeleteStaged(ctx, jobID)
}

func (s *memState) DeleteStaged(_ context.Context, jobID string) (int, error) {
	n := len(s.staged[jobID])
	delete(s.staged, jobID)
	return n, nil
}

func (m *MemoryStore) GetTargetRow(ctx context.Context, entityType, key string) (models.TargetRow, bool, error) {
	st, unlock := m.locked()
	defer unlock()
	return st.GetTargetRow(ctx, entityType, key)
}

func (s *memState) GetTargetRow(_ context.Context, entityType, key string) (models.TargetRow, bool, error) {
	row, ok := s.targets[targetKey(entityType, key)]
	return row, ok, nil
}

func (m *MemoryStore) PutTargetRow(ctx context.Context, row models.TargetRow) error {
	st, unlock := m.locked()
	defer unlock()
	return st.PutTargetRow(ctx, row)
}

func (s *memState) PutTargetRow(_ context.Context, row models.TargetRow) error {
	s.targets[targetKey(row.EntityType, row.RecordKey)] = row
	return nil
}

func (m *MemoryStore) DeleteTargetRow(ctx context.Context, entityType, key string) error {
	st, unlock := m.locked()
	defer unlock()
	return st.DeleteTargetRow(ctx, entityType, key)
}

func (s *memState) DeleteTargetRow(_ context.Context, entityType, key string) error {
	delete(s.targets, targetKey(entityType, key))
	return nil
}

func (m *MemoryStore) ListTargetRows(_ context.Context, entityType string) ([]models.TargetRow, error) {
	st, unlock := m.locked()
	defer unlock()
	var out []models.TargetRow
	for _, r := range st.targets {
		if r.EntityType == entityType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RecordKey < out[b].RecordKey })
	return out, nil
}

func (m *MemoryStore) InsertAuditEntries(ctx context.Context, entries []models.AuditEntry) error {
	st, unlock := m.locked()
	defer unlock()
	return st.InsertAuditEntries(ctx, entries)
}

func (s *memState) InsertAuditEntries(_ context.Context, entries []models.AuditEntry) error {
	for _, e := range entries {
		s.nextAuditID++
		e.ID = s.nextAuditID
		s.audit = append(s.audit, e)
	}
	return nil
}

func (m *MemoryStore) ListAuditEntries(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	st, unlock := m.locked()
	defer unlock()
	return st.ListAuditEntries(ctx, jobID)
}

func (s *memState) ListAuditEntries(_ context.Context, jobID string) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for _, e := range s.audit {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- locks ---

func (m *MemoryStore) TryAcquireLock(_ context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	st, unlock := m.locked()
	defer unlock()
	now := st.now()
	if cur, held := st.locks[key]; held && !cur.Expired(now) {
		return false, nil
	}
	st.locks[key] = models.ResourceLock{ResourceKey: key, JobID: jobID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) RefreshLock(_ context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	st, unlock := m.locked()
	defer unlock()
	cur, held := st.locks[key]
	if !held || cur.JobID != jobID {
		return false, nil
	}
	cur.ExpiresAt = st.now().Add(ttl)
	st.locks[key] = cur
	return true, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, key, jobID string) (bool, error) {
	st, unlock := m.locked()
	defer unlock()
	cur, held := st.locks[key]
	if !held || cur.JobID != jobID {
		return false, nil
	}
	delete(st.locks, key)
	return true, nil
}

func (m *MemoryStore) ReclaimExpiredLocks(context.Context) ([]models.ResourceLock, error) {
	st, unlock := m.locked()
	defer unlock()
	now := st.now()
	var out []models.ResourceLock
	for k, l := range st.locks {
		if l.Expired(now) {
			out = append(out, l)
			delete(st.locks, k)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ResourceKey < out[b].ResourceKey })
	return out, nil
}

func (m *MemoryStore) GetLock(_ context.Context, key string) (models.ResourceLock, bool, error) {
	st, unlock := m.locked()
	defer unlock()
	l, held := st.locks[key]
	if !held || l.Expired(st.now()) {
		return models.ResourceLock{}, false, nil
	}
	return l, true, nil
}

func (m *MemoryStore) ListLocks(context.Context) ([]models.ResourceLock, error) {
	st, unlock := m.locked()
	defer unlock()
	out := make([]models.ResourceLock, 0, len(st.locks))
	for _, l := range st.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AcquiredAt.Before(out[b].AcquiredAt) })
	return out, nil
}

// --- schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, s models.ScheduledImport) (models.ScheduledImport, error) {
	st, unlock := m.locked()
	defer unlock()
	for _, existing := range st.schedules {
		if existing.Name == s.Name {
			return models.ScheduledImport{}, ErrDuplicateKey
		}
	}
	s.ID = uuid.New().String()
	s.CreatedAt = st.now()
	st.schedules[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (models.ScheduledImport, error) {
	st, unlock := m.locked()
	defer unlock()
	s, ok := st.schedules[id]
	if !ok {
		return models.ScheduledImport{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) ListSchedules(context.Context) ([]models.ScheduledImport, error) {
	st, unlock := m.locked()
	defer unlock()
	out := make([]models.ScheduledImport, 0, len(st.schedules))
	for _, s := range st.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	st, unlock := m.locked()
	defer unlock()
	if _, ok := st.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(st.schedules, id)
	return nil
}

func (m *MemoryStore) DueSchedules(_ context.Context, now time.Time) ([]models.ScheduledImport, error) {
	st, unlock := m.locked()
	defer unlock()
	var out []models.ScheduledImport
	for _, s := range st.schedules {
		if s.Enabled && !s.NextRunAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextRunAt.Before(out[b].NextRunAt) })
	return out, nil
}

func (m *MemoryStore) ClaimScheduleRun(_ context.Context, id string, expectedNext, next, firedAt time.Time) (bool, error) {
	st, unlock := m.locked()
	defer unlock()
	s, ok := st.schedules[id]
	if !ok || !s.NextRunAt.Equal(expectedNext) {
		return false, nil
	}
	s.NextRunAt = next
	fired := firedAt
	s.LastTriggeredAt = &fired
	st.schedules[id] = s
	return true, nil
}
