package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"import-orchestrator/internal/api"
	"import-orchestrator/internal/config"
	"import-orchestrator/internal/events"
	"import-orchestrator/internal/ledger"
	"import-orchestrator/internal/lock"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/orchestrator"
	"import-orchestrator/internal/schema"
	"import-orchestrator/internal/security"
	"import-orchestrator/internal/store"
)

// newTestServer runs the real API over an in-memory store.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		MaxStructuredBytes: 1 << 20,
		MaxDelimitedBytes:  1 << 20,
		MaxBatchItems:      1000,
		AllowedExtensions:  []string{".csv", ".json"},
		TemplateDir:        t.TempDir(),
		LockTTL:            time.Minute,
	}
	log := zaptest.NewLogger(t)
	mem := store.NewMemoryStore()
	bus := events.NewLocalBus()
	svc := orchestrator.New(cfg, mem,
		security.NewValidator(security.PolicyFromConfig(cfg), log),
		schema.Default(), ledger.New(mem, log), lock.NewManager(mem, bus, cfg.LockTTL, log), bus)
	srv := httptest.NewServer(api.New(cfg, svc, log).Router())
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--host", srv.URL, "--principal", "ops"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeCSV(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "teams.csv")
	require.NoError(t, os.WriteFile(file, []byte("id,name\nt1,Tigers\nt2,Lions\n"), 0o644))
	return file
}

func TestEnqueueStatusCancel(t *testing.T) {
	srv := newTestServer(t)

	out, err := run(t, srv, "-o", "json", "enqueue", writeCSV(t), "--entity", "teams", "--priority", "high")
	require.NoError(t, err)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, models.PriorityHigh, job.Priority)
	assert.Equal(t, "ops", job.Principal)

	out, err = run(t, srv, "status", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, job.ID)
	assert.Contains(t, out, "pending")

	out, err = run(t, srv, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 1 jobs")

	out, err = run(t, srv, "cancel", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	out, err = run(t, srv, "audit", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued")
	assert.Contains(t, out, "cancelled")
}

func TestEnqueue_RequiresFileOrLocation(t *testing.T) {
	srv := newTestServer(t)

	_, err := run(t, srv, "enqueue", "--entity", "teams")
	require.Error(t, err)

	_, err = run(t, srv, "enqueue", writeCSV(t), "--entity", "teams", "--location", "s3://b/k.csv")
	require.Error(t, err)
}

func TestAPIErrorsPropagate(t *testing.T) {
	srv := newTestServer(t)

	_, err := run(t, srv, "status", "5a4c2a94-5d0f-4b8a-8d3c-0c1f7d0f2b6e")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.HTTPStatus)

	_, err = run(t, srv, "enqueue", writeCSV(t), "--entity", "teams", "--template", "../../etc/passwd")
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.HTTPStatus)
	assert.Equal(t, "PATH_TRAVERSAL", apiErr.Code)

	out, err := run(t, srv, "-o", "json", "enqueue", writeCSV(t), "--entity", "teams")
	require.NoError(t, err)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	_, err = run(t, srv, "rollback", job.ID, "--reason", "wrong file")
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, apiErr.HTTPStatus)
}

func TestSchedulesAndLocks(t *testing.T) {
	srv := newTestServer(t)

	out, err := run(t, srv, "-o", "json", "schedules", "create",
		"--name", "nightly", "--cron", "@daily", "--entity", "teams", "--location", "s3://feeds/teams.csv")
	require.NoError(t, err)
	var def models.ScheduledImport
	require.NoError(t, json.Unmarshal([]byte(out), &def))
	assert.Equal(t, "nightly", def.Name)
	assert.Equal(t, models.OverlapQueue, def.Overlap)

	out, err = run(t, srv, "schedules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "@daily")

	out, err = run(t, srv, "schedules", "delete", def.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	out, err = run(t, srv, "locks")
	require.NoError(t, err)
	assert.Contains(t, out, "RESOURCE")

	out, err = run(t, srv, "locks", "--entity", "teams")
	require.NoError(t, err)
	assert.Contains(t, out, "entity:teams")
	assert.Contains(t, out, "false")
}

func TestInvalidOutputFormat(t *testing.T) {
	srv := newTestServer(t)
	_, err := run(t, srv, "-o", "yaml", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}
