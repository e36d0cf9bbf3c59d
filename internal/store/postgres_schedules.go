package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"import-orchestrator/internal/models"
)

const scheduleColumns = `id, name, cron_expr, entity_type, source_kind, source_location, template, priority,
	enabled, overlap_policy, principal, next_run_at, last_triggered_at, created_at`

func (q *queries) CreateSchedule(ctx context.Context, s models.ScheduledImport) (models.ScheduledImport, error) {
	s.ID = uuid.New().String()
	s.CreatedAt = time.Now().UTC()
	_, err := q.db.Exec(ctx, `
		INSERT INTO scheduled_imports (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, $13)
	`, s.ID, s.Name, s.CronExpr, s.EntityType, string(s.SourceKind), s.SourceLocation, s.Template,
		int(s.Priority), s.Enabled, string(s.Overlap), s.Principal, s.NextRunAt, s.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return models.ScheduledImport{}, ErrDuplicateKey
		}
		return models.ScheduledImport{}, fmt.Errorf("create schedule: %w", err)
	}
	return s, nil
}

func (q *queries) GetSchedule(ctx context.Context, id string) (models.ScheduledImport, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.ScheduledImport{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s, err := scanSchedule(q.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_imports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledImport{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (q *queries) ListSchedules(ctx context.Context) ([]models.ScheduledImport, error) {
	rows, err := q.db.Query(ctx, `SELECT `+scheduleColumns+` FROM scheduled_imports ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return collectSchedules(rows)
}

func (q *queries) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	tag, err := q.db.Exec(ctx, `DELETE FROM scheduled_imports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DueSchedules lists enabled definitions whose next run is at or before now.
func (q *queries) DueSchedules(ctx context.Context, now time.Time) ([]models.ScheduledImport, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_imports
		WHERE enabled AND next_run_at <= $1 ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	return collectSchedules(rows)
}

// ClaimScheduleRun advances next_run_at only if no other instance already did.
func (q *queries) ClaimScheduleRun(ctx context.Context, id string, expectedNext, next, firedAt time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE scheduled_imports SET next_run_at = $3, last_triggered_at = $4
		WHERE id = $1 AND next_run_at = $2
	`, id, expectedNext, next, firedAt)
	if err != nil {
		return false, fmt.Errorf("claim schedule run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectSchedules(rows pgx.Rows) ([]models.ScheduledImport, error) {
	defer rows.Close()
	var out []models.ScheduledImport
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (models.ScheduledImport, error) {
	var s models.ScheduledImport
	var kind, overlap string
	var priority int
	var last pgtype.Timestamptz
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.EntityType, &kind, &s.SourceLocation, &s.Template,
		&priority, &s.Enabled, &overlap, &s.Principal, &s.NextRunAt, &last, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("scan schedule: %w", err)
	}
	s.SourceKind = models.SourceKind(kind)
	s.Overlap = models.OverlapPolicy(overlap)
	s.Priority = models.Priority(priority)
	s.LastTriggeredAt = timePtr(last)
	return s, nil
}
