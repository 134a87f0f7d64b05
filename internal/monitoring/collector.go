// Package monitoring watches run history for failure spikes, exhausted
// credentials and cost overruns, and posts alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/store"
)

// Snapshot holds a point-in-time view of enrichment health.
type Snapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int            `json:"runs_total"`
	RunsCompleted int            `json:"runs_completed"`
	RunsAborted   int            `json:"runs_aborted"`
	RunsActive    int            `json:"runs_active"`
	AbortReasons  map[string]int `json:"abort_reasons,omitempty"`

	// Acronym metrics summed over those runs.
	AcronymsDone   int     `json:"acronyms_done"`
	AcronymsFailed int     `json:"acronyms_failed"`
	FailRate       float64 `json:"fail_rate"`
	CostUSD        float64 `json:"cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store surface the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the run history.
type Collector struct {
	runs RunLister

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, nowFunc: time.Now}
}

// maxRuns bounds how many recent runs one collection reads.
const maxRuns = 10000

// Collect gathers a snapshot over runs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{
		AbortReasons:  map[string]int{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: maxRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusAborted:
			snap.RunsAborted++
			snap.AbortReasons[r.Reason]++
		default:
			snap.RunsActive++
		}
		snap.AcronymsDone += r.Summary.Done
		snap.AcronymsFailed += r.Summary.Failed
		snap.CostUSD += r.Summary.Usage.Cost
	}

	if finished := snap.AcronymsDone + snap.AcronymsFailed; finished > 0 {
		snap.FailRate = float64(snap.AcronymsFailed) / float64(finished)
	}
	return snap, nil
}
