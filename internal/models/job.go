package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Priority classes. Realtime jobs are scheduled ahead of everything else.
const (
	PriorityRealtime   = "realtime"
	PriorityDefault    = "default"
	PriorityBackground = "background"
)

// SystemProjectID is the reserved project for jobs that are not owned by any
// user project (nightly maintenance, warmups).
const SystemProjectID = "00000000-0000-0000-0000-000000000000"

// Job is a unit of asynchronous work persisted in Postgres.
//
// A job is locked_by a worker if and only if its status is running. A running
// job whose locked_at is older than the staleness threshold is abandoned and
// eligible for reclamation; that is the only crash-detection signal.
type Job struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Type           string         `json:"job_type"`
	AgentKey       string         `json:"agent_key"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Priority       string         `json:"priority"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	RunAfter       time.Time      `json:"run_after"`
	LockedAt       *time.Time     `json:"locked_at,omitempty"`
	LockedBy       *string        `json:"locked_by,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job event types. The event log is insert-only; consumers read it as a feed.
const (
	EventStatus     = "status"
	EventLog        = "log"
	EventDelta      = "delta"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventArtifact   = "artifact"
	EventDone       = "done"
)

// JobEvent is one immutable fact about a job's progress.
type JobEvent struct {
	ID        int64          `json:"id"`
	ProjectID string         `json:"project_id"`
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
