// Package ledger records every promoted change with enough detail to reverse it
// and performs rollbacks of completed jobs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
)

var (
	ErrNotRollbackable  = errors.New("job is not rollbackable")
	ErrRollbackConflict = errors.New("rows changed since promotion")
)

// Conflict is a target row whose version moved after the job promoted it.
type Conflict struct {
	RecordKey       string `json:"record_key"`
	ExpectedVersion int64  `json:"expected_version"`
	ActualVersion   int64  `json:"actual_version"`
	Deleted         bool   `json:"deleted"`
}

// ConflictError carries the drifted rows of an aborted rollback.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %d rows", ErrRollbackConflict, len(e.Conflicts))
}

func (e *ConflictError) Unwrap() error { return ErrRollbackConflict }

type RollbackResult struct {
	JobID        string     `json:"job_id"`
	Deleted      int        `json:"deleted"`
	Restored     int        `json:"restored"`
	Skipped      []Conflict `json:"skipped,omitempty"`
	Actor        string     `json:"actor"`
	Reason       string     `json:"reason"`
	RolledBackAt time.Time  `json:"rolled_back_at"`
}

type Ledger struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func New(st store.Store, l *zap.Logger) *Ledger {
	return &Ledger{store: st, logger: logger.OrNop(l), now: time.Now}
}

// Now returns the timestamp used for target rows, at the store's precision.
func (l *Ledger) Now() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// Apply upserts one staged record into its target table inside tx and returns
// the audit entry describing the change. The entry is not written until Record.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, rec models.StagedRecord, actor string, at time.Time) (models.AuditEntry, error) {
	cur, found, err := tx.GetTargetRow(ctx, rec.EntityType, rec.RecordKey)
	if err != nil {
		return models.AuditEntry{}, err
	}
	entry := models.AuditEntry{
		JobID:      rec.JobID,
		EntityType: rec.EntityType,
		RecordKey:  rec.RecordKey,
		Action:     models.ActionCreated,
		Actor:      actor,
		RecordedAt: at,
	}
	next := models.TargetRow{
		EntityType: rec.EntityType,
		RecordKey:  rec.RecordKey,
		Payload:    rec.Payload,
		Version:    1,
		UpdatedAt:  at,
	}
	if found {
		prior := cur
		entry.Action = models.ActionUpdated
		entry.Prior = &prior
		next.Version = cur.Version + 1
	}
	entry.NewVersion = next.Version
	if err := tx.PutTargetRow(ctx, next); err != nil {
		return models.AuditEntry{}, err
	}
	return entry, nil
}

// Record writes audit entries inside the promotion transaction.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, entries []models.AuditEntry) error {
	if err := tx.InsertAuditEntries(ctx, entries); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// Entries returns a job's audit entries in promotion order.
func (l *Ledger) Entries(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	return l.store.ListAuditEntries(ctx, jobID)
}

// Rollback reverses every change a completed job promoted, newest first, in one
// transaction. Rows changed since promotion abort the rollback unless force is
// set, in which case they are left alone and listed in the result.
func (l *Ledger) Rollback(ctx context.Context, jobID, actor, reason string, force bool) (RollbackResult, error) {
	res := RollbackResult{JobID: jobID, Actor: actor, Reason: reason}
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State != models.StateCompleted {
			return fmt.Errorf("%w: job is %s", ErrNotRollbackable, job.State)
		}
		entries, err := tx.ListAuditEntries(ctx, jobID)
		if err != nil {
			return err
		}

		var conflicts []Conflict
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			cur, found, err := tx.GetTargetRow(ctx, e.EntityType, e.RecordKey)
			if err != nil {
				return err
			}
			if !found || cur.Version != e.NewVersion {
				conflicts = append(conflicts, Conflict{
					RecordKey:       e.RecordKey,
					ExpectedVersion: e.NewVersion,
					ActualVersion:   cur.Version,
					Deleted:         !found,
				})
				continue
			}
			if e.Action == models.ActionCreated || e.Prior == nil {
				if err := tx.DeleteTargetRow(ctx, e.EntityType, e.RecordKey); err != nil {
					return err
				}
				res.Deleted++
				continue
			}
			if err := tx.PutTargetRow(ctx, *e.Prior); err != nil {
				return err
			}
			res.Restored++
		}
		if len(conflicts) > 0 && !force {
			return &ConflictError{Conflicts: conflicts}
		}
		res.Skipped = conflicts

		moved, err := tx.TransitionJob(ctx, jobID, models.StateCompleted, models.StateRolledBack)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: state changed concurrently", ErrNotRollbackable)
		}
		res.RolledBackAt = l.Now()
		detail := fmt.Sprintf("reason=%q deleted=%d restored=%d skipped=%d", reason, res.Deleted, res.Restored, len(conflicts))
		return tx.AppendEvent(ctx, models.JobEvent{JobID: jobID, Event: models.EventRolledBack, Actor: actor, Detail: detail})
	})
	if err != nil {
		telemetry.Rollbacks.WithLabelValues(rollbackOutcome(err)).Inc()
		return res, err
	}

	telemetry.Rollbacks.WithLabelValues("ok").Inc()
	l.logger.Info("job rolled back",
		zap.String("job_id", jobID),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.Int("deleted", res.Deleted),
		zap.Int("restored", res.Restored),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func rollbackOutcome(err error) string {
	switch {
	case errors.Is(err, ErrRollbackConflict):
		return "conflict"
	case errors.Is(err, ErrNotRollbackable), errors.Is(err, store.ErrNotFound):
		return "rejected"
	}
	return "error"
}
