package models

import (
	"encoding/json"
	"time"
)

// RunStatus enumerates lifecycle states of a Run persisted in Postgres.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunDegraded  RunStatus = "DEGRADED"
	RunFailed    RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunDegraded || s == RunFailed
}

// StepStatus enumerates RunStep states.
type StepStatus string

const (
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// OutputSummaryLimit caps the stored response text on a Run.
const OutputSummaryLimit = 500

// Run records one execution of the enrichment pipeline.
type Run struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	JobID         string          `json:"job_id"`
	Trigger       string          `json:"trigger"`
	Status        RunStatus       `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	OutputSummary *string         `json:"output_summary,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    *int64          `json:"duration_ms,omitempty"`
	Steps         []RunStep       `json:"steps,omitempty"`
}

// RunStep records one connector invocation inside a Run.
type RunStep struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	Connector    string          `json:"connector"`
	Status       StepStatus      `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ErrorLog is an operator-visible failure row attached to a tenant and, optionally, a Run.
type ErrorLog struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	RunID    *string        `json:"run_id,omitempty"`
	Source   string         `json:"source"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Recorded time.Time      `json:"recorded_at"`
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
