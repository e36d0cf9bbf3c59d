package store

import (
	"context"
	"errors"
	"time"

	"import-orchestrator/internal/models"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrStateConflict = errors.New("job state changed concurrently")
	ErrDuplicateKey  = errors.New("duplicate key violation")
)

// Tx is the set of operations available inside a store transaction. Promotion and
// rollback run entirely through a Tx so their effects commit or vanish together.
type Tx interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionJob(ctx context.Context, id string, from, to models.JobState, opts ...JobUpdateOption) (bool, error)
	AppendEvent(ctx context.Context, ev models.JobEvent) error

	ListStaged(ctx context.Context, jobID string, afterSeq, limit int) ([]models.StagedRecord, error)
	DeleteStaged(ctx context.Context, jobID string) (int, error)

	GetTargetRow(ctx context.Context, entityType, key string) (models.TargetRow, bool, error)
	PutTargetRow(ctx context.Context, row models.TargetRow) error
	DeleteTargetRow(ctx context.Context, entityType, key string) error

	InsertAuditEntries(ctx context.Context, entries []models.AuditEntry) error
	ListAuditEntries(ctx context.Context, jobID string) ([]models.AuditEntry, error)
}

// Store is the data access interface. The job queue, locks, staging, ledger and
// schedules all live behind it; nothing else is authoritative.
type Store interface {
	Tx

	Ping(ctx context.Context) error
	Close()
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	LoadPayload(ctx context.Context, jobID string) ([]byte, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int, error)
	ListDispatchable(ctx context.Context, limit int) ([]models.Job, error)
	ListByState(ctx context.Context, state models.JobState) ([]models.Job, error)
	UpdateProgress(ctx context.Context, id string, percent int, counts Counts) error
	RequestCancel(ctx context.Context, id string) (bool, error)
	MarkOverdue(ctx context.Context, id string) error
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
	HasUnfinishedForSchedule(ctx context.Context, scheduleID string) (bool, error)

	StageRecords(ctx context.Context, recs []models.StagedRecord) error
	CountStaged(ctx context.Context, jobID string) (int, error)
	ListTargetRows(ctx context.Context, entityType string) ([]models.TargetRow, error)

	TryAcquireLock(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, jobID string) (bool, error)
	ReclaimExpiredLocks(ctx context.Context) ([]models.ResourceLock, error)
	GetLock(ctx context.Context, key string) (models.ResourceLock, bool, error)
	ListLocks(ctx context.Context) ([]models.ResourceLock, error)

	CreateSchedule(ctx context.Context, s models.ScheduledImport) (models.ScheduledImport, error)
	GetSchedule(ctx context.Context, id string) (models.ScheduledImport, error)
	ListSchedules(ctx context.Context) ([]models.ScheduledImport, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]models.ScheduledImport, error)
	ClaimScheduleRun(ctx context.Context, id string, expectedNext, next, firedAt time.Time) (bool, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	EntityType  string
	Source      models.Source
	Priority    models.Priority
	Principal   string
	ChunkSize   int
	Concurrency int
	ScheduleID  *string
}

// JobFilter narrows ListJobs. Page is 1-based.
type JobFilter struct {
	State      *models.JobState
	EntityType string
	Principal  string
	Page       int
	PageSize   int
}

func (f JobFilter) normalized() JobFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 50
	}
	return f
}

func (f JobFilter) offset() int {
	return (f.Page - 1) * f.PageSize
}

// Counts are the per-job record counters.
type Counts struct {
	Total    int
	Staged   int
	Rejected int
	Promoted int
}

type jobUpdateParams struct {
	Error    *string
	Counts   *Counts
	Warnings []string
	Progress *int
}

type JobUpdateOption func(*jobUpdateParams)

func WithError(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Error = &msg
	}
}

func WithCounts(c Counts) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Counts = &c
	}
}

func WithWarnings(w []string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Warnings = w
	}
}

func WithProgress(percent int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Progress = &percent
	}
}

func applyOptions(opts []JobUpdateOption) jobUpdateParams {
	var p jobUpdateParams
	for _, o := range opts {
		o(&p)
	}
	return p
}
