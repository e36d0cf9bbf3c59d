package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"import-orchestrator/internal/models"
)

// TryAcquireLock claims key for jobID in a single conditional write. An existing
// lock is taken over only once it has expired, even by the job that holds it.
func (q *queries) TryAcquireLock(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO resource_locks (resource_key, job_id, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + ($3::bigint * INTERVAL '1 millisecond'))
		ON CONFLICT (resource_key) DO UPDATE
		SET job_id = EXCLUDED.job_id, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE resource_locks.expires_at <= NOW()
	`, key, jobID, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RefreshLock pushes the expiry forward while jobID still holds key.
func (q *queries) RefreshLock(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE resource_locks SET expires_at = NOW() + ($3::bigint * INTERVAL '1 millisecond')
		WHERE resource_key = $1 AND job_id = $2
	`, key, jobID, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) ReleaseLock(ctx context.Context, key, jobID string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM resource_locks WHERE resource_key = $1 AND job_id = $2`, key, jobID)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimExpiredLocks deletes locks whose TTL elapsed and returns them.
func (q *queries) ReclaimExpiredLocks(ctx context.Context) ([]models.ResourceLock, error) {
	rows, err := q.db.Query(ctx, `
		DELETE FROM resource_locks WHERE expires_at <= NOW()
		RETURNING resource_key, job_id, acquired_at, expires_at
	`)
	if err != nil {
		return nil, fmt.Errorf("reclaim locks: %w", err)
	}
	return collectLocks(rows)
}

func (q *queries) GetLock(ctx context.Context, key string) (models.ResourceLock, bool, error) {
	var l models.ResourceLock
	err := q.db.QueryRow(ctx, `
		SELECT resource_key, job_id, acquired_at, expires_at FROM resource_locks
		WHERE resource_key = $1 AND expires_at > NOW()
	`, key).Scan(&l.ResourceKey, &l.JobID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ResourceLock{}, false, nil
	}
	if err != nil {
		return models.ResourceLock{}, false, fmt.Errorf("get lock %s: %w", key, err)
	}
	return l, true, nil
}

func (q *queries) ListLocks(ctx context.Context) ([]models.ResourceLock, error) {
	rows, err := q.db.Query(ctx, `
		SELECT resource_key, job_id, acquired_at, expires_at FROM resource_locks ORDER BY acquired_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return collectLocks(rows)
}

func collectLocks(rows pgx.Rows) ([]models.ResourceLock, error) {
	defer rows.Close()
	var locks []models.ResourceLock
	for rows.Next() {
		var l models.ResourceLock
		if err := rows.Scan(&l.ResourceKey, &l.JobID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
