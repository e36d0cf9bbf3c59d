package models

import "time"

// ResourceLock is a claim on a resource key held by one running job.
type ResourceLock struct {
	ResourceKey string    `json:"resource_key"`
	JobID       string    `json:"held_by"`
	AcquiredAt  time.Time `json:"since"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (l ResourceLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
