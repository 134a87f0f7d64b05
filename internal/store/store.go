// Package store persists per-acronym progress and run metadata.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/acronym-cli/internal/model"
)

// ErrNotFound is returned when a run or progress record does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// ResultFilter specifies criteria for listing progress records. Records are
// returned in completion order.
type ResultFilter struct {
	RunID  string               `json:"run_id,omitempty"`
	Status model.ProgressStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

const defaultListLimit = 100

// Store defines the persistence interface for the enrichment pipeline.
//
// Record must be idempotent and durable before it returns: within one run the
// first terminal write for a key wins, a done record is never overwritten,
// and a failed record left by an earlier run may be replaced.
type Store interface {
	// Progress
	DoneKeys(ctx context.Context) ([]string, error)
	MarkPending(ctx context.Context, runID string, jobs []model.Job) error
	Record(ctx context.Context, rec model.ProgressRecord) (bool, error)
	GetProgress(ctx context.Context, key string) (*model.ProgressRecord, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]model.ProgressRecord, error)
	Summarize(ctx context.Context, runID string) (*model.Summary, error)

	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// CanOverwrite reports whether incoming may replace existing under the
// progress write rules. Backends that cannot express the rule in SQL use it
// directly.
func CanOverwrite(existing, incoming model.ProgressRecord) bool {
	switch existing.Status {
	case model.ProgressDone:
		return false
	case model.ProgressPending:
		return true
	default:
		return existing.RunID != incoming.RunID
	}
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func newSummary() *model.Summary {
	return &model.Summary{FailureReasons: map[string]int{}}
}

func addToSummary(s *model.Summary, status model.ProgressStatus, reason string, n int) {
	switch status {
	case model.ProgressDone:
		s.Done += n
	case model.ProgressFailed:
		s.Failed += n
		if reason != "" {
			s.FailureReasons[reason] += n
		}
	case model.ProgressPending:
		s.Pending += n
	}
	s.Total += n
}
