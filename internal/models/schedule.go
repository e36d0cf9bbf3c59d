package models

import (
	"fmt"
	"strings"
	"time"
)

// OverlapPolicy decides what a due schedule does when its resource is busy.
type OverlapPolicy string

const (
	// OverlapQueue materializes the job and lets it wait FIFO behind the lock holder.
	OverlapQueue OverlapPolicy = "queue"
	// OverlapSkip drops the occurrence when the resource is locked or the schedule
	// still has an unfinished job.
	OverlapSkip OverlapPolicy = "skip"
)

func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch OverlapPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OverlapQueue:
		return OverlapQueue, nil
	case OverlapSkip:
		return OverlapSkip, nil
	}
	return "", fmt.Errorf("unknown overlap policy %q", s)
}

// ScheduledImport is a recurring import template.
type ScheduledImport struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	CronExpr        string        `json:"cron"`
	EntityType      string        `json:"entity_type"`
	SourceKind      SourceKind    `json:"source_kind"`
	SourceLocation  string        `json:"source_location"`
	Template        string        `json:"template,omitempty"`
	Priority        Priority      `json:"priority"`
	Enabled         bool          `json:"enabled"`
	Overlap         OverlapPolicy `json:"overlap_policy"`
	Principal       string        `json:"principal"`
	NextRunAt       time.Time     `json:"next_run_at"`
	LastTriggeredAt *time.Time    `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
