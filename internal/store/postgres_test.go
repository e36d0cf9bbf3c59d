package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"import-orchestrator/internal/models"
	"import-orchestrator/internal/store"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a connected store.
func setupTestDB(t *testing.T) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("imports_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))

	s, err := store.Connect(ctx, connStr, 10)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	runStoreSuite(t, func(t *testing.T) store.Store {
		return setupTestDB(t)
	})
}

func TestPostgresStore_LockExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()
	key := models.ResourceKeyFor("teams")
	jobA, jobB := uuid.NewString(), uuid.NewString()

	ok, err := s.TryAcquireLock(ctx, key, jobA, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)

	ok, err = s.TryAcquireLock(ctx, key, jobB, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	lock, held, err := s.GetLock(ctx, key)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, jobB, lock.JobID)
}

func TestPostgresStore_ConcurrentAcquire(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()
	key := models.ResourceKeyFor("teams")

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryAcquireLock(ctx, key, uuid.NewString(), time.Minute)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
