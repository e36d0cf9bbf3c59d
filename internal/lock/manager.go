// Package lock provides per-resource mutual exclusion for running import jobs.
// The lock rows live in the store; this package adds TTL handling, heartbeats,
// the expiry sweeper and release notifications.
package lock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"import-orchestrator/internal/events"
	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
)

// minHeartbeat bounds how often Hold refreshes, whatever the TTL.
const minHeartbeat = 10 * time.Millisecond

type Manager struct {
	store  store.Store
	bus    events.Bus
	ttl    time.Duration
	logger *zap.Logger
}

func NewManager(st store.Store, bus events.Bus, ttl time.Duration, l *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{store: st, bus: bus, ttl: ttl, logger: logger.OrNop(l)}
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryAcquire claims key for jobID. A zero ttl uses the manager default.
func (m *Manager) TryAcquire(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	ok, err := m.store.TryAcquireLock(ctx, key, jobID, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		telemetry.LockContention.Inc()
	}
	return ok, nil
}

// Refresh extends a held lock. It returns false when jobID no longer holds key.
func (m *Manager) Refresh(ctx context.Context, key, jobID string) (bool, error) {
	return m.store.RefreshLock(ctx, key, jobID, m.ttl)
}

// Release drops the lock if jobID holds it and wakes waiting dispatchers.
func (m *Manager) Release(ctx context.Context, key, jobID string) error {
	released, err := m.store.ReleaseLock(ctx, key, jobID)
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if !released {
		m.logger.Warn("lock not held at release", zap.String("resource_key", key), zap.String("job_id", jobID))
		return nil
	}
	m.notify(ctx, key, jobID)
	return nil
}

// ReclaimExpired deletes every lock whose TTL elapsed and returns their keys.
func (m *Manager) ReclaimExpired(ctx context.Context) ([]string, error) {
	locks, err := m.store.ReclaimExpiredLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired locks: %w", err)
	}
	keys := make([]string, 0, len(locks))
	for _, l := range locks {
		telemetry.LocksReclaimed.Inc()
		m.logger.Warn("reclaimed expired lock",
			zap.String("resource_key", l.ResourceKey),
			zap.String("job_id", l.JobID),
			zap.Time("expired_at", l.ExpiresAt),
		)
		m.notify(ctx, l.ResourceKey, l.JobID)
		keys = append(keys, l.ResourceKey)
	}
	return keys, nil
}

// Status lists current lock rows.
func (m *Manager) Status(ctx context.Context) ([]models.ResourceLock, error) {
	return m.store.ListLocks(ctx)
}

// Holder returns the live lock on key, if any.
func (m *Manager) Holder(ctx context.Context, key string) (models.ResourceLock, bool, error) {
	return m.store.GetLock(ctx, key)
}

// RunSweeper reclaims expired locks every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("lock sweep failed", zap.Error(err))
			}
		}
	}
}

// Hold refreshes the lock every ttl/3, at least every minHeartbeat, until the returned stop function is called.
// onLost runs once if the lock is found taken or missing.
func (m *Manager) Hold(ctx context.Context, key, jobID string, onLost func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval(m.ttl))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := m.Refresh(ctx, key, jobID)
				if err != nil {
					if ctx.Err() == nil {
						m.logger.Warn("lock heartbeat failed", zap.String("resource_key", key), zap.Error(err))
					}
					continue
				}
				if !held {
					m.logger.Error("lock lost while running", zap.String("resource_key", key), zap.String("job_id", jobID))
					if onLost != nil {
						onLost()
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func heartbeatInterval(ttl time.Duration) time.Duration {
	return max(ttl/3, minHeartbeat)
}

func (m *Manager) notify(ctx context.Context, key, jobID string) {
	if m.bus == nil {
		return
	}
	ev := events.Event{Kind: events.KindLockReleased, ResourceKey: key, JobID: jobID}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish lock release", zap.String("resource_key", key), zap.Error(err))
	}
}
