// Package notify tells external sinks that an import finished.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"import-orchestrator/internal/models"
	"import-orchestrator/internal/telemetry"
)

// Notification is the payload sent when a job reaches a terminal state.
type Notification struct {
	JobID           string          `json:"job_id"`
	EntityType      string          `json:"entity_type"`
	State           models.JobState `json:"state"`
	Principal       string          `json:"principal"`
	Error           string          `json:"error,omitempty"`
	RecordsPromoted int             `json:"records_promoted"`
	RecordsRejected int             `json:"records_rejected"`
	Warnings        int             `json:"warnings"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// FromJob builds a notification from the job row.
func FromJob(job models.Job) Notification {
	n := Notification{
		JobID:           job.ID,
		EntityType:      job.EntityType,
		State:           job.State,
		Principal:       job.Principal,
		RecordsPromoted: job.RecordsPromoted,
		RecordsRejected: job.RecordsRejected,
		Warnings:        len(job.Warnings),
		FinishedAt:      time.Now().UTC(),
	}
	if job.Error != nil {
		n.Error = *job.Error
	}
	if job.FinishedAt != nil {
		n.FinishedAt = *job.FinishedAt
	}
	return n
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Multi delivers to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisNotifier publishes notifications on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		telemetry.NotificationsSent.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("publish notification: %w", err)
	}
	telemetry.NotificationsSent.WithLabelValues("redis", "ok").Inc()
	return nil
}

// WebhookNotifier POSTs notifications as JSON, throttled to a fixed rate.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookNotifier(url string, perSecond float64, timeout time.Duration) *WebhookNotifier {
	if perSecond <= 0 {
		perSecond = 10
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook throttle: %w", err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		telemetry.NotificationsSent.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		telemetry.NotificationsSent.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	telemetry.NotificationsSent.WithLabelValues("webhook", "ok").Inc()
	return nil
}
