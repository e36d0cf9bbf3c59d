package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"import-orchestrator/internal/models"
)

const jobColumns = `id, entity_type, source, priority, principal, state, error, chunk_size, concurrency,
	progress, records_total, records_staged, records_rejected, records_promoted, warnings,
	cancel_requested, overdue, schedule_id, submitted_at, started_at, finished_at, updated_at`

// CreateJob inserts a pending job row together with its inline payload.
func (q *queries) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	sourceJSON, err := json.Marshal(p.Source)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal source: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = q.db.Exec(ctx, `
		INSERT INTO import_jobs (id, entity_type, source_kind, source, payload, priority, principal, state,
			chunk_size, concurrency, schedule_id, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, id, p.EntityType, string(p.Source.Kind), sourceJSON, p.Source.Inline, int(p.Priority), p.Principal,
		string(models.StatePending), p.ChunkSize, p.Concurrency, p.ScheduleID, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	src := p.Source
	src.Inline = nil
	return models.Job{
		ID:          id,
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
	}, nil
}

// GetJob fetches a job by id without its payload.
func (q *queries) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	row := q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// LoadPayload returns the inline payload uploaded with the job, if any.
func (q *queries) LoadPayload(ctx context.Context, jobID string) ([]byte, error) {
	var payload []byte
	err := q.db.QueryRow(ctx, `SELECT payload FROM import_jobs WHERE id = $1`, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	return payload, nil
}

// TransitionJob moves a job from one state to another only if it is still in from.
func (q *queries) TransitionJob(ctx context.Context, id string, from, to models.JobState, opts ...JobUpdateOption) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, ErrStateConflict)
	}
	params := applyOptions(opts)

	now := time.Now().UTC()
	query := `UPDATE import_jobs SET state = $3, updated_at = $4`
	args := []any{id, string(from), string(to), now}
	argIdx := 5

	if to == models.StateRunning {
		query += fmt.Sprintf(", started_at = $%d, cancel_requested = FALSE", argIdx)
		args = append(args, now)
		argIdx++
	}
	if to.Terminal() && to != models.StateRolledBack {
		query += fmt.Sprintf(", finished_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.Error != nil {
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *params.Error)
		argIdx++
	}
	if params.Counts != nil {
		query += fmt.Sprintf(", records_total = $%d, records_staged = $%d, records_rejected = $%d, records_promoted = $%d",
			argIdx, argIdx+1, argIdx+2, argIdx+3)
		args = append(args, params.Counts.Total, params.Counts.Staged, params.Counts.Rejected, params.Counts.Promoted)
		argIdx += 4
	}
	if params.Warnings != nil {
		warnings, err := json.Marshal(params.Warnings)
		if err != nil {
			return false, fmt.Errorf("marshal warnings: %w", err)
		}
		query += fmt.Sprintf(", warnings = $%d", argIdx)
		args = append(args, warnings)
		argIdx++
	}
	if params.Progress != nil {
		query += fmt.Sprintf(", progress = $%d", argIdx)
		args = append(args, *params.Progress)
	}
	query += " WHERE id = $1 AND state = $2"

	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress records chunk-level progress for a running job.
func (q *queries) UpdateProgress(ctx context.Context, id string, percent int, c Counts) error {
	_, err := q.db.Exec(ctx, `
		UPDATE import_jobs
		SET progress = $2, records_total = $3, records_staged = $4, records_rejected = $5, updated_at = NOW()
		WHERE id = $1 AND state = $6
	`, id, percent, c.Total, c.Staged, c.Rejected, string(models.StateRunning))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// RequestCancel flags a running job for cooperative cancellation.
func (q *queries) RequestCancel(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, id, string(models.StateRunning))
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOverdue flags a running job that exceeded its soft budget.
func (q *queries) MarkOverdue(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE import_jobs SET overdue = TRUE, updated_at = NOW() WHERE id = $1 AND state = $2
	`, id, string(models.StateRunning))
	if err != nil {
		return fmt.Errorf("mark overdue: %w", err)
	}
	return nil
}

// ListJobs returns one page of jobs, newest first, and the total match count.
func (q *queries) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int, error) {
	f = f.normalized()
	var conds []string
	var args []any
	if f.State != nil {
		args = append(args, string(*f.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.EntityType != "" {
		args = append(args, strings.ToLower(f.EntityType))
		conds = append(conds, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if f.Principal != "" {
		args = append(args, f.Principal)
		conds = append(conds, fmt.Sprintf("principal = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM import_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, f.PageSize, f.offset())
	rows, err := q.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM import_jobs%s ORDER BY submitted_at DESC, id LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, total, err
}

// ListDispatchable returns the oldest pending job of every unlocked resource,
// ordered by priority then submission time.
func (q *queries) ListDispatchable(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+jobColumns+` FROM (
			SELECT DISTINCT ON (entity_type) *
			FROM import_jobs
			WHERE state = $1
			ORDER BY entity_type, submitted_at, id
		) heads
		WHERE NOT EXISTS (
			SELECT 1 FROM resource_locks l
			WHERE l.resource_key = 'entity:' || heads.entity_type AND l.expires_at > NOW()
		)
		ORDER BY priority DESC, submitted_at, id
		LIMIT $2
	`, string(models.StatePending), limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable: %w", err)
	}
	return collectJobs(rows)
}

func (q *queries) ListByState(ctx context.Context, state models.JobState) ([]models.Job, error) {
	rows, err := q.db.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE state = $1 ORDER BY submitted_at, id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list jobs by state: %w", err)
	}
	return collectJobs(rows)
}

// HasUnfinishedForSchedule reports whether a schedule still has a pending or running job.
func (q *queries) HasUnfinishedForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM import_jobs WHERE schedule_id = $1 AND state IN ($2, $3))
	`, scheduleID, string(models.StatePending), string(models.StateRunning)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check schedule jobs: %w", err)
	}
	return exists, nil
}

// AppendEvent adds a job event row.
func (q *queries) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO job_events (job_id, event, actor, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, ev.JobID, ev.Event, ev.Actor, ev.Detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (q *queries) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, job_id, event, actor, detail, ts FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Event, &ev.Actor, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var sourceJSON, warningsJSON []byte
	var state string
	var priority int
	var lastErr, scheduleID pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.EntityType, &sourceJSON, &priority, &job.Principal, &state, &lastErr,
		&job.ChunkSize, &job.Concurrency, &job.Progress, &job.RecordsTotal, &job.RecordsStaged,
		&job.RecordsRejected, &job.RecordsPromoted, &warningsJSON, &job.CancelRequested, &job.Overdue,
		&scheduleID, &job.SubmittedAt, &startedAt, &finishedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	st, err := models.ParseJobState(state)
	if err != nil {
		return models.Job{}, err
	}
	job.State = st
	job.Priority = models.Priority(priority)
	if err := json.Unmarshal(sourceJSON, &job.Source); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal source: %w", err)
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &job.Warnings); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	job.Error = textPtr(lastErr)
	job.ScheduleID = textPtr(scheduleID)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
