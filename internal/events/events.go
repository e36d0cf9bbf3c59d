// Package events carries coordination signals between API, scheduler and workers.
// Events are hints: the store stays authoritative and every consumer re-reads it.
package events

import (
	"context"
	"sync"
	"time"

	"import-orchestrator/internal/models"
)

type Kind string

const (
	KindJobEnqueued     Kind = "job.enqueued"
	KindJobProgress     Kind = "job.progress"
	KindJobFinished     Kind = "job.finished"
	KindCancelRequested Kind = "job.cancel_requested"
	KindLockReleased    Kind = "lock.released"
	KindScheduleChanged Kind = "schedule.changed"
)

// Event is the envelope published on the bus.
type Event struct {
	Kind        Kind            `json:"kind"`
	JobID       string          `json:"job_id,omitempty"`
	ResourceKey string          `json:"resource_key,omitempty"`
	State       models.JobState `json:"state,omitempty"`
	Percent     int             `json:"percent,omitempty"`
	Records     int             `json:"records,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	At          time.Time       `json:"at"`
}

// Wakes reports whether the event can free capacity or add dispatchable work.
func (e Event) Wakes() bool {
	switch e.Kind {
	case KindJobEnqueued, KindJobFinished, KindLockReleased, KindScheduleChanged:
		return true
	}
	return false
}

// Bus publishes events and fans them out to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of events and a function that ends the subscription.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

const subscriberBuffer = 64

// LocalBus is an in-process Bus for single-instance deployments and tests.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[chan Event]struct{})}
}

// Publish never blocks; a subscriber that is behind misses the event.
func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
