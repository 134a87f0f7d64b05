package model

import "time"

// ProgressStatus is the lifecycle state of one acronym.
type ProgressStatus string

const (
	ProgressPending ProgressStatus = "pending"
	ProgressDone    ProgressStatus = "done"
	ProgressFailed  ProgressStatus = "failed"
)

// Terminal reports whether the status is done or failed.
func (s ProgressStatus) Terminal() bool {
	return s == ProgressDone || s == ProgressFailed
}

// Failure reasons recorded on failed progress records.
const (
	ReasonCancelled            = "cancelled"
	ReasonCredentialsExhausted = "credentials_exhausted"
	ReasonRetriesExhausted     = "retries_exhausted"
	ReasonFatal                = "fatal"
)

// ProgressRecord is the durable outcome for one acronym.
type ProgressRecord struct {
	Token        string            `json:"token"`
	Key          string            `json:"key"`
	Status       ProgressStatus    `json:"status"`
	Result       *EnrichmentResult `json:"result,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	RunID        string            `json:"run_id"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// DoneRecord builds a done record for the given job and result.
func DoneRecord(runID string, job Job, res *EnrichmentResult) ProgressRecord {
	return ProgressRecord{
		Token:        job.Token,
		Key:          job.Key(),
		Status:       ProgressDone,
		Result:       res,
		AttemptCount: res.AttemptCount,
		RunID:        runID,
		UpdatedAt:    time.Now().UTC(),
	}
}

// FailedRecord builds a failed record for the given job.
func FailedRecord(runID string, job Job, reason, detail string, attempts int) ProgressRecord {
	return ProgressRecord{
		Token:        job.Token,
		Key:          job.Key(),
		Status:       ProgressFailed,
		Reason:       reason,
		Detail:       detail,
		AttemptCount: attempts,
		RunID:        runID,
		UpdatedAt:    time.Now().UTC(),
	}
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total          int             `json:"total"`
	Done           int             `json:"done"`
	Failed         int             `json:"failed"`
	Pending        int             `json:"pending"`
	Skipped        int             `json:"skipped"`
	FailureReasons map[string]int  `json:"failure_reasons,omitempty"`
	Validation     ValidationStats `json:"validation"`
	Usage          TokenUsage      `json:"usage"`
}

// ValidationStats counts validator rejections by kind.
type ValidationStats struct {
	Valid         int `json:"valid"`
	Warnings      int `json:"warnings"`
	Structure     int `json:"structure"`
	Content       int `json:"content"`
	Serialization int `json:"serialization"`
}
