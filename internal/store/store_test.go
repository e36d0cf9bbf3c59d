package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-orchestrator/internal/models"
	"import-orchestrator/internal/store"
)

// runStoreSuite exercises behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGetJob(t, newStore(t)) })
	t.Run("TransitionCAS", func(t *testing.T) { testTransitionCAS(t, newStore(t)) })
	t.Run("CancelOnlyWhileRunning", func(t *testing.T) { testRequestCancel(t, newStore(t)) })
	t.Run("DispatchHeads", func(t *testing.T) { testDispatchHeads(t, newStore(t)) })
	t.Run("LockExclusion", func(t *testing.T) { testLockExclusion(t, newStore(t)) })
	t.Run("StagingIdempotent", func(t *testing.T) { testStagingIdempotent(t, newStore(t)) })
	t.Run("TxRollsBack", func(t *testing.T) { testTxRollsBack(t, newStore(t)) })
	t.Run("ListJobsPaging", func(t *testing.T) { testListJobsPaging(t, newStore(t)) })
	t.Run("Schedules", func(t *testing.T) { testSchedules(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
}

func createJob(t *testing.T, s store.Store, entity string, prio models.Priority) models.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), store.CreateJobParams{
		EntityType: entity,
		Source: models.Source{
			Kind:      models.SourceDelimited,
			Filename:  entity + ".csv",
			SizeBytes: 12,
			Inline:    []byte("id,name\n1,a\n"),
		},
		Priority:  prio,
		Principal: "tester",
		ChunkSize: 100,
	})
	require.NoError(t, err)
	return job
}

func testCreateAndGetJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s, "teams", models.PriorityDefault)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, "teams", got.EntityType)
	assert.Equal(t, models.SourceDelimited, got.Source.Kind)
	assert.Equal(t, "teams.csv", got.Source.Filename)
	assert.Nil(t, got.Source.Inline)

	payload, err := s.LoadPayload(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,a\n", string(payload))

	_, err = s.GetJob(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTransitionCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s, "teams", models.PriorityDefault)

	ok, err := s.TransitionJob(ctx, job.ID, models.StatePending, models.StateRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionJob(ctx, job.ID, models.StatePending, models.StateRunning)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	_, err = s.TransitionJob(ctx, job.ID, models.StateCompleted, models.StatePending)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	ok, err = s.TransitionJob(ctx, job.ID, models.StateRunning, models.StateCompleted,
		store.WithCounts(store.Counts{Total: 3, Staged: 3, Promoted: 3}),
		store.WithWarnings([]string{"row 2: trimmed"}),
		store.WithProgress(100))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.Equal(t, 3, got.RecordsPromoted)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, []string{"row 2: trimmed"}, got.Warnings)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	ok, err = s.TransitionJob(ctx, job.ID, models.StateRunning, models.StateFailed, store.WithError("late"))
	require.NoError(t, err)
	assert.False(t, ok, "terminal state must not move")
}

func testRequestCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s, "teams", models.PriorityDefault)

	ok, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending jobs are cancelled by transition, not by flag")

	_, err = s.TransitionJob(ctx, job.ID, models.StatePending, models.StateRunning)
	require.NoError(t, err)
	ok, err = s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
}

func testDispatchHeads(t *testing.T, s store.Store) {
	ctx := context.Background()
	teams1 := createJob(t, s, "teams", models.PriorityDefault)
	teams2 := createJob(t, s, "teams", models.PriorityHigh)
	players := createJob(t, s, "players", models.PriorityHigh)

	heads, err := s.ListDispatchable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	// teams2 has higher priority but sits behind teams1 on the same resource.
	assert.Equal(t, players.ID, heads[0].ID)
	assert.Equal(t, teams1.ID, heads[1].ID)
	for _, h := range heads {
		assert.NotEqual(t, teams2.ID, h.ID)
	}

	ok, err := s.TryAcquireLock(ctx, models.ResourceKeyFor("teams"), teams1.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	heads, err = s.ListDispatchable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, players.ID, heads[0].ID)

	heads, err = s.ListDispatchable(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, heads)
}

func testLockExclusion(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := models.ResourceKeyFor("teams")
	jobA, jobB := uuid.NewString(), uuid.NewString()

	ok, err := s.TryAcquireLock(ctx, key, jobA, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquireLock(ctx, key, jobB, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryAcquireLock(ctx, key, jobA, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a live lock is not re-entrant, even for its own job")

	released, err := s.ReleaseLock(ctx, key, jobB)
	require.NoError(t, err)
	assert.False(t, released, "only the holder releases")

	lock, held, err := s.GetLock(ctx, key)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, jobA, lock.JobID)

	refreshed, err := s.RefreshLock(ctx, key, jobA, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed)

	released, err = s.ReleaseLock(ctx, key, jobA)
	require.NoError(t, err)
	assert.True(t, released)

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	ok, err = s.TryAcquireLock(ctx, key, jobB, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func stagedChunk(jobID string, from, to int) []models.StagedRecord {
	var recs []models.StagedRecord
	for i := from; i < to; i++ {
		recs = append(recs, models.StagedRecord{
			JobID:      jobID,
			EntityType: "teams",
			Seq:        i,
			RecordKey:  fmt.Sprintf("t%d", i),
			Payload:    json.RawMessage(fmt.Sprintf(`{"id":"t%d"}`, i)),
			Status:     models.RecordValid,
		})
	}
	return recs
}

func testStagingIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s, "teams", models.PriorityDefault)

	require.NoError(t, s.StageRecords(ctx, stagedChunk(job.ID, 1, 6)))
	require.NoError(t, s.StageRecords(ctx, stagedChunk(job.ID, 1, 6)))
	require.NoError(t, s.StageRecords(ctx, stagedChunk(job.ID, 4, 9)))

	n, err := s.CountStaged(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	page, err := s.ListStaged(ctx, job.ID, 3, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 4, page[0].Seq)
	assert.Equal(t, 5, page[1].Seq)
	assert.JSONEq(t, `{"id":"t4"}`, string(page[0].Payload))

	deleted, err := s.DeleteStaged(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, deleted)
}

var errBoom = errors.New("boom")

func testTxRollsBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	row := models.TargetRow{
		EntityType: "teams",
		RecordKey:  "t1",
		Payload:    json.RawMessage(`{"id":"t1"}`),
		Version:    1,
		UpdatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.PutTargetRow(ctx, row); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_, found, err := s.GetTargetRow(ctx, "teams", "t1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.PutTargetRow(ctx, row)
	}))
	got, found, err := s.GetTargetRow(ctx, "teams", "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"id":"t1"}`, string(got.Payload))
	assert.True(t, row.UpdatedAt.Equal(got.UpdatedAt))
}

func testListJobsPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, createJob(t, s, "teams", models.PriorityDefault).ID)
	}
	createJob(t, s, "players", models.PriorityDefault)

	page, total, err := s.ListJobs(ctx, store.JobFilter{EntityType: "teams", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID, "newest first")

	page, _, err = s.ListJobs(ctx, store.JobFilter{EntityType: "teams", Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	pending := models.StatePending
	_, total, err = s.ListJobs(ctx, store.JobFilter{State: &pending})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func testSchedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	next := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	def := models.ScheduledImport{
		Name:           "nightly-teams",
		CronExpr:       "0 2 * * *",
		EntityType:     "teams",
		SourceKind:     models.SourceDelimited,
		SourceLocation: "file://teams.csv",
		Priority:       models.PriorityDefault,
		Enabled:        true,
		Overlap:        models.OverlapSkip,
		Principal:      "ops",
		NextRunAt:      next,
	}
	created, err := s.CreateSchedule(ctx, def)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	_, err = s.CreateSchedule(ctx, def)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	due, err := s.DueSchedules(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, models.OverlapSkip, due[0].Overlap)

	later := next.Add(24 * time.Hour)
	fired := time.Now().UTC().Truncate(time.Microsecond)
	ok, err := s.ClaimScheduleRun(ctx, created.ID, due[0].NextRunAt, later, fired)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimScheduleRun(ctx, created.ID, due[0].NextRunAt, later, fired)
	require.NoError(t, err)
	assert.False(t, ok, "occurrence already claimed")

	got, err := s.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, later.Equal(got.NextRunAt))
	require.NotNil(t, got.LastTriggeredAt)

	require.NoError(t, s.DeleteSchedule(ctx, created.ID))
	assert.ErrorIs(t, s.DeleteSchedule(ctx, created.ID), store.ErrNotFound)
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := createJob(t, s, "teams", models.PriorityDefault)

	require.NoError(t, s.AppendEvent(ctx, models.JobEvent{JobID: job.ID, Event: models.EventEnqueued, Actor: "tester"}))
	require.NoError(t, s.AppendEvent(ctx, models.JobEvent{JobID: job.ID, Event: models.EventDispatched, Detail: "slot 1"}))

	events, err := s.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventEnqueued, events[0].Event)
	assert.Equal(t, "slot 1", events[1].Detail)
	assert.Less(t, events[0].ID, events[1].ID)
}
