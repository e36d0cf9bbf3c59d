package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-orchestrator/internal/models"
)

func TestFromJob(t *testing.T) {
	msg := "error rate 0.20 above 0.05"
	n := FromJob(models.Job{
		ID:              "j1",
		EntityType:      "teams",
		State:           models.StateFailed,
		Error:           &msg,
		RecordsRejected: 20,
		Warnings:        []string{"a", "b"},
	})
	assert.Equal(t, msg, n.Error)
	assert.Equal(t, 2, n.Warnings)
	assert.False(t, n.FinishedAt.IsZero())
}

func TestRedisNotifier(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "imports:notifications")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	n := NewRedisNotifier(client, "imports:notifications")
	require.NoError(t, n.Notify(ctx, Notification{JobID: "j1", State: models.StateCompleted, RecordsPromoted: 10}))

	select {
	case msg := <-sub.Channel():
		var got Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "j1", got.JobID)
		assert.Equal(t, 10, got.RecordsPromoted)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		hits.Add(1)
		if n.JobID == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	w := NewWebhookNotifier(srv.URL, 100, time.Second)
	require.NoError(t, w.Notify(ctx, Notification{JobID: "j1"}))
	assert.Error(t, w.Notify(ctx, Notification{JobID: "broken"}))
	assert.Equal(t, int32(2), hits.Load())
}

func TestWebhookNotifier_ThrottleRespectsContext(t *testing.T) {
	w := NewWebhookNotifier("http://127.0.0.1:1", 0.001, time.Second)
	// Drain the single burst token.
	require.True(t, w.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Notify(ctx, Notification{JobID: "j1"}))
}

type failing struct{ err error }

func (f failing) Notify(context.Context, Notification) error { return f.err }

func TestMulti(t *testing.T) {
	errA := errors.New("a down")
	m := Multi{Nop{}, failing{errA}, Nop{}}
	err := m.Notify(context.Background(), Notification{})
	assert.ErrorIs(t, err, errA)
	assert.NoError(t, Multi{Nop{}}.Notify(context.Background(), Notification{}))
}
