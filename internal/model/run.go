package model

import "time"

// RunStatus represents the current state of an enrichment run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusDraining  RunStatus = "draining"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusAborted
}

// Run represents a single pass of the pipeline over an acronym list.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Options   RunOptions `json:"options"`
	Summary   Summary    `json:"summary"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunOptions is the snapshot of engine settings a run was started with.
type RunOptions struct {
	Provider              string `json:"provider"`
	Model                 string `json:"model"`
	Credentials           int    `json:"credentials"`
	MaxRetries            int    `json:"max_retries"`
	RequestsPerMinute     int    `json:"requests_per_minute_per_credential"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests"`
	ValidationEnabled     bool   `json:"validation_enabled"`
	Source                string `json:"source,omitempty"`
}
