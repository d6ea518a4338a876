package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the background operation a job runs.
type JobKind string

const (
	JobKindImport     JobKind = "import"
	JobKindOptimize   JobKind = "optimize"
	JobKindDriftApply JobKind = "drift_apply"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions happen.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// Job tracks a long-running operation. OperationID is a caller-supplied
// idempotency key, unique per project.
type Job struct {
	ID            uuid.UUID       `json:"id"`
	ProjectID     uuid.UUID       `json:"project_id"`
	Kind          JobKind         `json:"kind"`
	OperationID   string          `json:"operation_id"`
	State         JobState        `json:"state"`
	ProcessedRows int             `json:"processed_rows"`
	TotalRows     int             `json:"total_rows"`
	Percent       int             `json:"percent"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// SetProgress updates the processed count and derived percentage.
func (j *Job) SetProgress(processed, total int) {
	j.ProcessedRows = processed
	j.TotalRows = total
	switch {
	case total <= 0:
		j.Percent = 0
	case processed >= total:
		j.Percent = 100
	default:
		j.Percent = processed * 100 / total
	}
}
