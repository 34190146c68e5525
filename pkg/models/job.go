package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job statuses. Transitions are one-directional: pending -> processing ->
// {completed, failed, cancelled}. A job never leaves a terminal status.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// JobTypeAgentExecution is the job type created by the async executor.
const JobTypeAgentExecution = "agent_execution"

// Job tracks one unit of asynchronous work. The API returns a job_id on
// submission; the client polls GET /api/v1/jobs/{job_id} until the status is
// terminal. Rows are never deleted; they serve as the billing audit trail.
type Job struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	UserID       uuid.UUID       `db:"user_id"       json:"user_id"`
	FileID       *uuid.UUID      `db:"file_id"       json:"file_id,omitempty"`
	Type         string          `db:"type"          json:"type"`
	Status       string          `db:"status"        json:"status"`
	Parameters   json.RawMessage `db:"parameters"    json:"parameters,omitempty"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	EndpointID   *string         `db:"endpoint_id"   json:"endpoint_id,omitempty"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return JobStatusTerminal(j.Status)
}

// JobStatusTerminal reports whether status is one of the final statuses.
func JobStatusTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
