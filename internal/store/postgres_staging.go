package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"import-orchestrator/internal/models"
)

// StageRecords writes a chunk in one batch round trip. Re-staging the same
// (job, seq) is a no-op so a retried chunk never duplicates rows.
func (q *queries) StageRecords(ctx context.Context, recs []models.StagedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO staged_records (job_id, seq, entity_type, record_key, payload, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (job_id, seq) DO NOTHING
		`, r.JobID, r.Seq, r.EntityType, r.RecordKey, []byte(r.Payload), r.Status)
	}
	results := q.db.SendBatch(ctx, batch)
	for range recs {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("stage records: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("stage records: %w", err)
	}
	return nil
}

func (q *queries) ListStaged(ctx context.Context, jobID string, afterSeq, limit int) ([]models.StagedRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT job_id, seq, entity_type, record_key, payload, status
		FROM staged_records WHERE job_id = $1 AND seq > $2
		ORDER BY seq LIMIT $3
	`, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list staged: %w", err)
	}
	defer rows.Close()

	var recs []models.StagedRecord
	for rows.Next() {
		var r models.StagedRecord
		var payload []byte
		if err := rows.Scan(&r.JobID, &r.Seq, &r.EntityType, &r.RecordKey, &payload, &r.Status); err != nil {
			return nil, fmt.Errorf("scan staged: %w", err)
		}
		r.Payload = payload
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (q *queries) CountStaged(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM staged_records WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count staged: %w", err)
	}
	return n, nil
}

func (q *queries) DeleteStaged(ctx context.Context, jobID string) (int, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM staged_records WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete staged: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetTargetRow reads and row-locks a target record for the rest of the transaction.
func (q *queries) GetTargetRow(ctx context.Context, entityType, key string) (models.TargetRow, bool, error) {
	var row models.TargetRow
	var payload []byte
	err := q.db.QueryRow(ctx, `
		SELECT entity_type, record_key, payload, version, updated_at
		FROM target_records WHERE entity_type = $1 AND record_key = $2
		FOR UPDATE
	`, entityType, key).Scan(&row.EntityType, &row.RecordKey, &payload, &row.Version, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TargetRow{}, false, nil
	}
	if err != nil {
		return models.TargetRow{}, false, fmt.Errorf("get target row: %w", err)
	}
	row.Payload = payload
	return row, true, nil
}

// PutTargetRow writes the row exactly as given, including version and timestamp.
func (q *queries) PutTargetRow(ctx context.Context, row models.TargetRow) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO target_records (entity_type, record_key, payload, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type, record_key) DO UPDATE
		SET payload = EXCLUDED.payload, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`, row.EntityType, row.RecordKey, []byte(row.Payload), row.Version, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put target row: %w", err)
	}
	return nil
}

func (q *queries) DeleteTargetRow(ctx context.Context, entityType, key string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM target_records WHERE entity_type = $1 AND record_key = $2`, entityType, key)
	if err != nil {
		return fmt.Errorf("delete target row: %w", err)
	}
	return nil
}

func (q *queries) ListTargetRows(ctx context.Context, entityType string) ([]models.TargetRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT entity_type, record_key, payload, version, updated_at
		FROM target_records WHERE entity_type = $1 ORDER BY record_key
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list target rows: %w", err)
	}
	defer rows.Close()

	var out []models.TargetRow
	for rows.Next() {
		var r models.TargetRow
		var payload []byte
		if err := rows.Scan(&r.EntityType, &r.RecordKey, &payload, &r.Version, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertAuditEntries batches one audit row per promoted change.
func (q *queries) InsertAuditEntries(ctx context.Context, entries []models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		var priorPayload []byte
		var priorVersion *int64
		var priorUpdated *time.Time
		if e.Prior != nil {
			priorPayload = e.Prior.Payload
			priorVersion = &e.Prior.Version
			priorUpdated = &e.Prior.UpdatedAt
		}
		batch.Queue(`
			INSERT INTO promotion_audit (job_id, entity_type, record_key, action, prior_payload, prior_version,
				prior_updated_at, new_version, actor, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.JobID, e.EntityType, e.RecordKey, e.Action, priorPayload, priorVersion, priorUpdated,
			e.NewVersion, e.Actor, e.RecordedAt)
	}
	results := q.db.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert audit entries: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert audit entries: %w", err)
	}
	return nil
}

// ListAuditEntries returns a job's audit trail in promotion order.
func (q *queries) ListAuditEntries(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, job_id, entity_type, record_key, action, prior_payload, prior_version, prior_updated_at,
			new_version, actor, recorded_at
		FROM promotion_audit WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var priorPayload []byte
		var priorVersion pgtype.Int8
		var priorUpdated pgtype.Timestamptz
		if err := rows.Scan(&e.ID, &e.JobID, &e.EntityType, &e.RecordKey, &e.Action, &priorPayload,
			&priorVersion, &priorUpdated, &e.NewVersion, &e.Actor, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if priorVersion.Valid {
			e.Prior = &models.TargetRow{
				EntityType: e.EntityType,
				RecordKey:  e.RecordKey,
				Payload:    priorPayload,
				Version:    priorVersion.Int64,
				UpdatedAt:  priorUpdated.Time,
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
