package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/acronym-cli/internal/config"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/store"
)

type stubLister struct {
	runs []model.Run
	err  error
}

func (s *stubLister) ListRuns(_ context.Context, _ store.RunFilter) ([]model.Run, error) {
	return s.runs, s.err
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(runs ...model.Run) *Collector {
	c := NewCollector(&stubLister{runs: runs})
	c.nowFunc = func() time.Time { return now }
	return c
}

func TestCollector_Collect(t *testing.T) {
	c := newTestCollector(
		model.Run{
			Status: model.RunStatusCompleted, CreatedAt: now.Add(-time.Hour),
			Summary: model.Summary{Done: 30, Failed: 10, Usage: model.TokenUsage{Cost: 1.5}},
		},
		model.Run{
			Status: model.RunStatusAborted, Reason: model.ReasonCredentialsExhausted, CreatedAt: now.Add(-2 * time.Hour),
			Summary: model.Summary{Done: 10, Failed: 0, Usage: model.TokenUsage{Cost: 0.5}},
		},
		model.Run{Status: model.RunStatusRunning, CreatedAt: now.Add(-time.Minute)},
		// Outside the window.
		model.Run{
			Status: model.RunStatusCompleted, CreatedAt: now.Add(-48 * time.Hour),
			Summary: model.Summary{Done: 100},
		},
	)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsAborted)
	assert.Equal(t, 1, snap.RunsActive)
	assert.Equal(t, 1, snap.AbortReasons[model.ReasonCredentialsExhausted])
	assert.Equal(t, 40, snap.AcronymsDone)
	assert.Equal(t, 10, snap.AcronymsFailed)
	assert.InDelta(t, 0.2, snap.FailRate, 0.0001)
	assert.InDelta(t, 2.0, snap.CostUSD, 0.0001)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_ListError(t *testing.T) {
	c := NewCollector(&stubLister{err: errors.New("db down")})
	_, err := c.Collect(context.Background(), 24)
	assert.Error(t, err)
}

func TestAlerter_Evaluate(t *testing.T) {
	cfg := config.MonitoringConfig{FailureRateThreshold: 0.10, CostThresholdUSD: 5}

	tests := []struct {
		name string
		snap Snapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: Snapshot{AcronymsDone: 95, AcronymsFailed: 5, FailRate: 0.05, CostUSD: 1},
		},
		{
			name: "failure rate",
			snap: Snapshot{AcronymsDone: 60, AcronymsFailed: 40, FailRate: 0.4},
			want: []AlertType{AlertFailureRate},
		},
		{
			name: "failure rate ignored on small sample",
			snap: Snapshot{AcronymsDone: 2, AcronymsFailed: 3, FailRate: 0.6},
		},
		{
			name: "credentials exhausted",
			snap: Snapshot{AbortReasons: map[string]int{model.ReasonCredentialsExhausted: 2}},
			want: []AlertType{AlertCredentialsExhausted},
		},
		{
			name: "cost overrun",
			snap: Snapshot{CostUSD: 12},
			want: []AlertType{AlertCostOverrun},
		},
	}

	a := NewAlerter(cfg)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.snap
			var got []AlertType
			for _, al := range a.Evaluate(&snap) {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.Type == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCostOverrun, Severity: "high", Message: "a"},
		{Type: AlertFailureRate, Severity: "high", Message: "b"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun}}))
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun}}))
}

func TestChecker_Check(t *testing.T) {
	c := newTestCollector(model.Run{
		Status: model.RunStatusAborted, Reason: model.ReasonCredentialsExhausted, CreatedAt: now,
	})
	checker := NewChecker(c, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCredentialsExhausted, alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	checker := NewChecker(newTestCollector(), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}
