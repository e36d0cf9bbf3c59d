package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
type JobState string

const (
	StatePending    JobState = "pending"
	StateRunning    JobState = "running"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
	StateRolledBack JobState = "rolled_back"
)

var AllStates = []JobState{
	StatePending,
	StateRunning,
	StateCompleted,
	StateFailed,
	StateCancelled,
	StateRolledBack,
}

type Transition struct {
	From JobState
	To   JobState
}

// ValidTransitions is the closed set of lifecycle moves. completed -> rolled_back is the
// only move out of a terminal state.
var ValidTransitions = []Transition{
	{From: StatePending, To: StateRunning},
	{From: StatePending, To: StateCancelled},
	{From: StatePending, To: StateFailed},
	{From: StateRunning, To: StateCompleted},
	{From: StateRunning, To: StateFailed},
	{From: StateRunning, To: StateCancelled},
	{From: StateCompleted, To: StateRolledBack},
}

func CanTransition(from, to JobState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// ParseJobState validates a state string at the boundary.
func ParseJobState(s string) (JobState, error) {
	for _, st := range AllStates {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

func (s JobState) String() string {
	return string(s)
}

// Terminal reports whether no further work happens for the job.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRolledBack:
		return true
	}
	return false
}

// SourceKind distinguishes structured-record batches from delimited-text files.
type SourceKind string

const (
	SourceRecords   SourceKind = "records"
	SourceDelimited SourceKind = "delimited"
)

func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(s))) {
	case SourceRecords, "json", "structured":
		return SourceRecords, nil
	case SourceDelimited, "csv", "tsv":
		return SourceDelimited, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Priority orders pending jobs; higher runs first.
type Priority int

const (
	PriorityLow     Priority = 0
	PriorityDefault Priority = 5
	PriorityHigh    Priority = 10
)

// ParsePriority accepts the named levels or a plain integer.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PriorityDefault, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// Source describes where the job's payload comes from.
type Source struct {
	Kind        SourceKind `json:"kind"`
	Location    string     `json:"location,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Template    string     `json:"template,omitempty"`
	Delimiter   string     `json:"delimiter,omitempty"`
	SizeBytes   int64      `json:"size_bytes"`
	ItemCount   int        `json:"item_count,omitempty"`
	Inline      []byte     `json:"-"`
}

// Job represents one admitted import persisted in Postgres.
type Job struct {
	ID              string     `json:"id"`
	EntityType      string     `json:"entity_type"`
	Source          Source     `json:"source"`
	Priority        Priority   `json:"priority"`
	Principal       string     `json:"principal"`
	State           JobState   `json:"state"`
	Error           *string    `json:"error,omitempty"`
	ChunkSize       int        `json:"chunk_size"`
	Concurrency     int        `json:"concurrency"`
	Progress        int        `json:"progress_percent"`
	RecordsTotal    int        `json:"records_total"`
	RecordsStaged   int        `json:"records_staged"`
	RecordsRejected int        `json:"records_rejected"`
	RecordsPromoted int        `json:"records_promoted"`
	Warnings        []string   `json:"warnings,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	Overdue         bool       `json:"overdue"`
	ScheduleID      *string    `json:"schedule_id,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ResourceKey is the mutual-exclusion key for the job.
func (j Job) ResourceKey() string {
	return ResourceKeyFor(j.EntityType)
}

func ResourceKeyFor(entityType string) string {
	return "entity:" + strings.ToLower(entityType)
}

// JobSummary is the list view of a job.
type JobSummary struct {
	ID          string     `json:"id"`
	EntityType  string     `json:"entity_type"`
	SourceKind  SourceKind `json:"source_kind"`
	Priority    Priority   `json:"priority"`
	Principal   string     `json:"principal"`
	State       JobState   `json:"state"`
	Progress    int        `json:"progress_percent"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

func (j Job) Summary() JobSummary {
	return JobSummary{
		ID:          j.ID,
		EntityType:  j.EntityType,
		SourceKind:  j.Source.Kind,
		Priority:    j.Priority,
		Principal:   j.Principal,
		State:       j.State,
		Progress:    j.Progress,
		SubmittedAt: j.SubmittedAt,
	}
}

// JobEvent is an append-only trail row for a job.
type JobEvent struct {
	ID       int64     `json:"id"`
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Actor    string    `json:"actor,omitempty"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

const (
	EventEnqueued        = "enqueued"
	EventDispatched      = "dispatched"
	EventCancelRequested = "cancel_requested"
	EventCancelled       = "cancelled"
	EventCompleted       = "completed"
	EventFailed          = "failed"
	EventOverdue         = "overdue"
	EventRolledBack      = "rolled_back"
	EventInterrupted     = "interrupted"
)
