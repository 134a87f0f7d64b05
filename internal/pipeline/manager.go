package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/store"
)

var (
	// ErrRunActive is returned by Start while another run is in progress.
	ErrRunActive = eris.New("pipeline: a run is already active")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = eris.New("pipeline: run already finished")
)

// StartRequest describes a run. Nil overrides keep the manager defaults.
type StartRequest struct {
	Jobs              []model.Job `json:"jobs"`
	Source            string      `json:"source,omitempty"`
	MaxRetries        *int        `json:"max_retries,omitempty"`
	ValidationEnabled *bool       `json:"validation_enabled,omitempty"`
}

// Status is the live view of a run.
type Status struct {
	Run         *model.Run           `json:"run"`
	Live        bool                 `json:"live"`
	InFlight    int64                `json:"in_flight"`
	Credentials []keypool.Credential `json:"credentials,omitempty"`
}

// Manager starts, tracks and cancels runs against a shared store. One run
// is active at a time so runs never race on the same progress records.
type Manager struct {
	deps Deps

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active *Orchestrator

	newID func() string
}

// NewManager creates a run manager.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:   deps,
		base:   base,
		cancel: cancel,
		newID:  uuid.NewString,
	}, nil
}

// Start prepares a run and executes it in the background.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	o, err := m.begin(ctx, req)
	if err != nil {
		return "", err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		o.execute(m.base)
	}()
	return o.ID(), nil
}

// Run prepares and executes a run in the caller's goroutine. Cancelling ctx
// stops the run hard; use Cancel from another goroutine to drain it.
func (m *Manager) Run(ctx context.Context, req StartRequest) (*model.Run, error) {
	o, err := m.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx), nil
}

func (m *Manager) begin(ctx context.Context, req StartRequest) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		select {
		case <-m.active.Done():
		default:
			return nil, eris.Wrapf(ErrRunActive, "run %s", m.active.ID())
		}
	}

	o, err := newOrchestrator(m.newID(), m.deps, req)
	if err != nil {
		return nil, err
	}
	if err := o.prepare(ctx, req.Jobs); err != nil {
		return nil, err
	}
	m.active = o

	zap.L().Info("pipeline: run started", zap.String("run_id", o.ID()), zap.String("source", req.Source))
	return o, nil
}

// live returns the orchestrator for id while it is running.
func (m *Manager) live(id string) *Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.ID() != id {
		return nil
	}
	select {
	case <-m.active.Done():
		return nil
	default:
		return m.active
	}
}

// Status returns the run summary, live while the run executes.
func (m *Manager) Status(ctx context.Context, id string) (*Status, error) {
	if o := m.live(id); o != nil {
		run, err := o.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return &Status{
			Run:         run,
			Live:        true,
			InFlight:    m.deps.Limiter.InFlight(),
			Credentials: o.Credentials(),
		}, nil
	}

	run, err := m.deps.Store.GetRun(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: get run %s", id)
	}
	return &Status{Run: run}, nil
}

// Results returns the enrichment results a run produced, in completion order.
func (m *Manager) Results(ctx context.Context, id string, limit, offset int) ([]model.EnrichmentResult, error) {
	if _, err := m.deps.Store.GetRun(ctx, id); err != nil {
		return nil, eris.Wrapf(err, "pipeline: get run %s", id)
	}
	recs, err := m.deps.Store.ListResults(ctx, store.ResultFilter{
		RunID:  id,
		Status: model.ProgressDone,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: list results %s", id)
	}
	out := make([]model.EnrichmentResult, 0, len(recs))
	for _, r := range recs {
		if r.Result != nil {
			out = append(out, *r.Result)
		}
	}
	return out, nil
}

// Records returns raw progress records, including failures.
func (m *Manager) Records(ctx context.Context, filter store.ResultFilter) ([]model.ProgressRecord, error) {
	recs, err := m.deps.Store.ListResults(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list records")
	}
	return recs, nil
}

// List returns stored runs, newest first.
func (m *Manager) List(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	runs, err := m.deps.Store.ListRuns(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list runs")
	}
	return runs, nil
}

// Cancel drains a running run. In-flight requests finish and are recorded.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if o := m.live(id); o != nil {
		o.Drain()
		return nil
	}
	run, err := m.deps.Store.GetRun(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "pipeline: get run %s", id)
	}
	return eris.Wrapf(ErrRunFinished, "run %s is %s", id, run.Status)
}

// Wait blocks until run id finishes or ctx is done, then returns its
// stored state.
func (m *Manager) Wait(ctx context.Context, id string) (*model.Run, error) {
	if o := m.live(id); o != nil {
		select {
		case <-o.Done():
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "pipeline: wait for run")
		}
	}
	run, err := m.deps.Store.GetRun(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: get run %s", id)
	}
	return run, nil
}

// Shutdown drains the active run and waits for background runs. When ctx
// expires first, in-flight requests are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active != nil {
		active.Drain()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}
