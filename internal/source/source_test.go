package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-orchestrator/internal/models"
)

type payloads map[string][]byte

func (p payloads) LoadPayload(_ context.Context, id string) ([]byte, error) {
	data, ok := p[id]
	if !ok {
		return nil, errors.New("no payload")
	}
	return data, nil
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestResolver_Inline(t *testing.T) {
	r := NewResolver(payloads{"j1": []byte("id\n1\n")})
	body, size, err := r.Open(context.Background(), models.Job{ID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "id\n1\n", readAll(t, body))
}

func TestResolver_FileStaysInDropDir(t *testing.T) {
	base := t.TempDir()
	drop := filepath.Join(base, "drop")
	require.NoError(t, os.MkdirAll(filepath.Join(drop, "daily"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(drop, "daily", "teams.csv"), []byte("id,name\nt1,A\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret.csv"), []byte("nope"), 0o600))

	r := NewResolver(nil, WithFiles(NewFileOpener(drop)))
	ctx := context.Background()

	body, size, err := r.Open(ctx, models.Job{Source: models.Source{Location: "file://daily/teams.csv"}})
	require.NoError(t, err)
	assert.Equal(t, int64(13), size)
	assert.Equal(t, "id,name\nt1,A\n", readAll(t, body))

	n, err := r.Stat(ctx, "file://daily/teams.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	_, _, err = r.Open(ctx, models.Job{Source: models.Source{Location: "file://../secret.csv"}})
	assert.Error(t, err)

	require.NoError(t, os.Symlink(filepath.Join(base, "secret.csv"), filepath.Join(drop, "link.csv")))
	_, _, err = r.Open(ctx, models.Job{Source: models.Source{Location: "file://link.csv"}})
	assert.Error(t, err, "symlinks out of the drop dir are refused")
}

func TestResolver_HTTPWithLimit(t *testing.T) {
	body := strings.Repeat("x", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.csv":
			_, _ = io.WriteString(w, body)
		case "/stream.csv":
			w.(http.Flusher).Flush()
			_, _ = io.WriteString(w, body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	limit := int64(32)
	r := NewResolver(nil,
		WithHTTP(NewHTTPOpener(2*time.Second)),
		WithLimits(func(models.SourceKind) int64 { return limit }),
	)
	ctx := context.Background()

	_, _, err := r.Open(ctx, models.Job{Source: models.Source{Location: srv.URL + "/ok.csv"}})
	assert.ErrorIs(t, err, ErrTooLarge, "declared length over the limit")

	rc, _, err := r.Open(ctx, models.Job{Source: models.Source{Location: srv.URL + "/stream.csv"}})
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	rc.Close()
	assert.ErrorIs(t, err, ErrTooLarge, "undeclared length is enforced while reading")

	limit = 1024
	rc, size, err := r.Open(ctx, models.Job{Source: models.Source{Location: srv.URL + "/ok.csv"}})
	require.NoError(t, err)
	assert.Equal(t, int64(64), size)
	assert.Equal(t, body, readAll(t, rc))

	_, _, err = r.Open(ctx, models.Job{Source: models.Source{Location: srv.URL + "/missing.csv"}})
	assert.Error(t, err)
}

func TestResolver_UnsupportedAndUnconfigured(t *testing.T) {
	r := NewResolver(nil)
	ctx := context.Background()

	_, _, err := r.Open(ctx, models.Job{Source: models.Source{Location: "ftp://host/x.csv"}})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, _, err = r.Open(ctx, models.Job{Source: models.Source{Location: "s3://bucket/x.csv"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestParseS3Location(t *testing.T) {
	bucket, key, err := parseS3Location("s3://imports/daily/teams.csv")
	require.NoError(t, err)
	assert.Equal(t, "imports", bucket)
	assert.Equal(t, "daily/teams.csv", key)

	_, _, err = parseS3Location("s3://imports")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
