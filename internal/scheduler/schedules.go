package scheduler

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"import-orchestrator/internal/events"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
)

// newCronParser accepts the standard five-field format and @descriptors.
func newCronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NextRun validates expr and returns its first activation strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := newCronParser().Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from).UTC().Truncate(time.Second), nil
}

// MaterializeDue turns every due schedule occurrence into a pending job. Each
// occurrence is claimed with a compare-and-set on next_run_at so only one
// instance fires it. Missed occurrences collapse into one.
func (s *Scheduler) MaterializeDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("due schedules: %w", err)
	}

	fired := 0
	for _, def := range due {
		log := s.logger.With(zap.String("schedule_id", def.ID), zap.String("schedule", def.Name))
		sched, err := s.cron.Parse(def.CronExpr)
		if err != nil {
			log.Error("unparseable cron expression", zap.String("cron", def.CronExpr), zap.Error(err))
			continue
		}
		next := sched.Next(now).UTC().Truncate(time.Second)
		claimed, err := s.store.ClaimScheduleRun(ctx, def.ID, def.NextRunAt, next, now)
		if err != nil {
			return fired, fmt.Errorf("claim schedule %s: %w", def.ID, err)
		}
		if !claimed {
			continue
		}

		if def.Overlap == models.OverlapSkip {
			busy, reason, err := s.overlapping(ctx, def)
			if err != nil {
				return fired, err
			}
			if busy {
				telemetry.ScheduledTriggers.WithLabelValues("skipped").Inc()
				log.Info("scheduled occurrence skipped", zap.String("reason", reason), zap.Time("next_run_at", next))
				continue
			}
		}

		job, err := s.store.CreateJob(ctx, store.CreateJobParams{
			EntityType: def.EntityType,
			Source: models.Source{
				Kind:     def.SourceKind,
				Location: def.SourceLocation,
				Filename: path.Base(def.SourceLocation),
				Template: def.Template,
			},
			Priority:   def.Priority,
			Principal:  def.Principal,
			ScheduleID: &def.ID,
		})
		if err != nil {
			telemetry.ScheduledTriggers.WithLabelValues("error").Inc()
			return fired, fmt.Errorf("materialize schedule %s: %w", def.ID, err)
		}
		fired++
		telemetry.ScheduledTriggers.WithLabelValues("fired").Inc()
		telemetry.JobsEnqueued.WithLabelValues(string(def.SourceKind)).Inc()
		_ = s.store.AppendEvent(ctx, models.JobEvent{
			JobID:  job.ID,
			Event:  models.EventEnqueued,
			Actor:  "schedule:" + def.Name,
			Detail: fmt.Sprintf("occurrence %s", def.NextRunAt.Format(time.RFC3339)),
		})
		_ = s.bus.Publish(ctx, events.Event{Kind: events.KindJobEnqueued, JobID: job.ID, ResourceKey: job.ResourceKey(), State: job.State, At: now})
		log.Info("scheduled import enqueued", zap.String("job_id", job.ID), zap.Time("next_run_at", next))
	}
	return fired, nil
}

// overlapping reports whether a skip-policy schedule should not fire now.
func (s *Scheduler) overlapping(ctx context.Context, def models.ScheduledImport) (bool, string, error) {
	unfinished, err := s.store.HasUnfinishedForSchedule(ctx, def.ID)
	if err != nil {
		return false, "", err
	}
	if unfinished {
		return true, "previous occurrence still unfinished", nil
	}
	l, locked, err := s.locks.Holder(ctx, models.ResourceKeyFor(def.EntityType))
	if err != nil {
		return false, "", err
	}
	if locked {
		return true, "resource locked by job " + l.JobID, nil
	}
	return false, "", nil
}
