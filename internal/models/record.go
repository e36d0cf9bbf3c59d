package models

import (
	"encoding/json"
	"time"
)

// Validation statuses for staged records.
const (
	RecordValid    = "valid"
	RecordRejected = "rejected"
)

// StagedRecord is a parsed row waiting for promotion.
type StagedRecord struct {
	JobID      string          `json:"job_id"`
	EntityType string          `json:"entity_type"`
	Seq        int             `json:"seq"`
	RecordKey  string          `json:"record_key"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
}

// TargetRow is a row of an authoritative target table.
type TargetRow struct {
	EntityType string          `json:"entity_type"`
	RecordKey  string          `json:"record_key"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Audit actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// AuditEntry records one promoted change with enough detail to reverse it.
type AuditEntry struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	EntityType string     `json:"entity_type"`
	RecordKey  string     `json:"record_key"`
	Action     string     `json:"action"`
	Prior      *TargetRow `json:"prior,omitempty"`
	NewVersion int64      `json:"new_version"`
	Actor      string     `json:"actor"`
	RecordedAt time.Time  `json:"recorded_at"`
}
