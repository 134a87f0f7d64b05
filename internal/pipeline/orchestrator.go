// Package pipeline drives acronym enrichment runs: it feeds deduplicated
// jobs to a bounded worker pool, retries each job through the key pool and
// rate limiter, validates responses and records outcomes as they complete.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/provider"
	"github.com/sells-group/acronym-cli/internal/ratelimit"
	"github.com/sells-group/acronym-cli/internal/resilience"
	"github.com/sells-group/acronym-cli/internal/store"
	"github.com/sells-group/acronym-cli/internal/validate"
)

// maxDetail caps the error text stored on failed records.
const maxDetail = 500

// ReasonStoreError aborts a run whose progress could not be persisted.
const ReasonStoreError = "store_error"

// Deps are the collaborators shared by every run of a Manager.
type Deps struct {
	Store     store.Store
	Client    provider.Client
	Limiter   *ratelimit.Limiter
	Validator *validate.Validator
	Keys      []keypool.Key

	KeyPool keypool.Config
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig

	// Workers is the worker pool size. Default: the limiter's MaxConcurrent.
	Workers int
	// QueueSize bounds the job channel. Default: 2 × Workers.
	QueueSize int
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return eris.New("pipeline: store is required")
	case d.Client == nil:
		return eris.New("pipeline: provider is required")
	case d.Limiter == nil:
		return eris.New("pipeline: limiter is required")
	case d.Validator == nil:
		return eris.New("pipeline: validator is required")
	case len(d.Keys) == 0:
		return eris.New("pipeline: at least one credential is required")
	}
	return nil
}

func (d Deps) workers() int {
	if d.Workers > 0 {
		return d.Workers
	}
	return d.Limiter.Config().MaxConcurrent
}

func (d Deps) queueSize() int {
	if d.QueueSize > 0 {
		return d.QueueSize
	}
	return 2 * d.workers()
}

// Orchestrator executes a single run.
type Orchestrator struct {
	id         string
	store      store.Store
	tracker    *store.Tracker
	client     provider.Client
	validator  *validate.Validator
	retry      resilience.RetryConfig
	pool       *keypool.Pool
	dispatcher *Dispatcher
	workers    int
	queueSize  int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu          sync.Mutex
	run         model.Run
	jobs        []model.Job
	stats       model.ValidationStats
	usage       model.TokenUsage
	abortReason string
	drained     bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

func newOrchestrator(id string, deps Deps, req StartRequest) (*Orchestrator, error) {
	pool, err := keypool.New(deps.Keys, deps.KeyPool)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build key pool")
	}

	retry := deps.Retry
	if req.MaxRetries != nil {
		retry.MaxRetries = *req.MaxRetries
	}
	v := deps.Validator
	if req.ValidationEnabled != nil && *req.ValidationEnabled != v.Config().Enabled {
		cfg := v.Config()
		cfg.Enabled = *req.ValidationEnabled
		v = validate.New(cfg)
	}

	o := &Orchestrator{
		id:         id,
		store:      deps.Store,
		client:     deps.Client,
		validator:  v,
		retry:      retry,
		pool:       pool,
		dispatcher: NewDispatcher(pool, deps.Limiter, resilience.NewCircuitBreaker(deps.Breaker), deps.Client),
		workers:    deps.workers(),
		queueSize:  deps.queueSize(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		nowFunc:    time.Now,
	}
	o.run = model.Run{
		ID:     id,
		Status: model.RunStatusRunning,
		Options: model.RunOptions{
			Provider:              deps.Client.Name(),
			Model:                 deps.Client.Model(),
			Credentials:           pool.Len(),
			MaxRetries:            retry.MaxRetries,
			RequestsPerMinute:     deps.Limiter.Config().RequestsPerMinute,
			MaxConcurrentRequests: o.workers,
			ValidationEnabled:     v.Config().Enabled,
			Source:                req.Source,
		},
	}
	return o, nil
}

// ID returns the run id.
func (o *Orchestrator) ID() string {
	return o.id
}

// Done is closed once the run reaches a terminal state.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Credentials returns the run's key pool state.
func (o *Orchestrator) Credentials() []keypool.Credential {
	return o.pool.Snapshot()
}

// prepare loads the done index, deduplicates the input, skips finished keys
// and persists the run and its pending records.
func (o *Orchestrator) prepare(ctx context.Context, jobs []model.Job) error {
	tracker, err := store.NewTracker(ctx, o.store)
	if err != nil {
		return err
	}
	o.tracker = tracker

	unique := model.Dedupe(jobs)
	todo := make([]model.Job, 0, len(unique))
	for _, j := range unique {
		if !tracker.IsDone(j.Key()) {
			todo = append(todo, j)
		}
	}
	skipped := len(unique) - len(todo)

	now := o.nowFunc().UTC()
	o.mu.Lock()
	o.jobs = todo
	o.run.Summary = model.Summary{Total: len(todo), Pending: len(todo), Skipped: skipped}
	o.run.CreatedAt = now
	o.run.UpdatedAt = now
	run := o.run
	o.mu.Unlock()

	if err := o.store.CreateRun(ctx, &run); err != nil {
		return eris.Wrap(err, "pipeline: create run")
	}
	if err := o.store.MarkPending(ctx, o.id, todo); err != nil {
		return eris.Wrap(err, "pipeline: mark pending")
	}

	zap.L().Info("pipeline: run prepared",
		zap.String("run_id", o.id),
		zap.Int("input", len(jobs)),
		zap.Int("unique", len(unique)),
		zap.Int("skipped_done", skipped),
		zap.Int("queued", len(todo)),
	)
	return nil
}

// execute works through the prepared jobs and returns the final run.
// Draining stops dispatch but lets requests already sent finish;
// cancelling ctx also cuts off those requests.
func (o *Orchestrator) execute(ctx context.Context) *model.Run {
	defer close(o.done)

	soft, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stop:
			cancel()
		case <-soft.Done():
		}
	}()

	o.mu.Lock()
	jobs := o.jobs
	o.mu.Unlock()

	queue := make(chan model.Job, o.queueSize)
	g, gctx := errgroup.WithContext(soft)
	g.Go(func() error {
		defer close(queue)
		for _, j := range jobs {
			select {
			case queue <- j:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for range o.workers {
		g.Go(func() error {
			for job := range queue {
				if soft.Err() != nil {
					continue
				}
				o.process(soft, ctx, job)
			}
			return nil
		})
	}
	_ = g.Wait()

	return o.finish(ctx)
}

// process runs one job through the retry loop and records its outcome.
func (o *Orchestrator) process(soft, hard context.Context, job model.Job) {
	log := zap.L().With(zap.String("run_id", o.id), zap.String("acronym", job.Token))

	cfg := o.retry
	cfg.OnRetry = resilience.RetryLogger("enrich", job.Token)

	sent := 0
	out := resilience.Run(soft, cfg, func(ctx context.Context, attempt int) (*model.EnrichmentResult, error) {
		d, err := o.dispatcher.Call(ctx, hard, job)
		if d.Sent {
			sent++
		}
		if err != nil {
			return nil, err
		}
		o.addUsage(d.Response.Usage)

		res, err := o.validator.Validate(job, d.Response.Text)
		if err != nil {
			o.countRejection(err)
			log.Warn("pipeline: response rejected", zap.Int("attempt", attempt+1), zap.Error(err))
			return nil, resilience.NewMalformedError(err)
		}
		o.countAccepted(res)

		res.CredentialID = d.Credential.ID
		res.AttemptCount = attempt + 1
		res.Provider = o.client.Name()
		res.Model = d.Response.Model
		res.Usage = d.Response.Usage
		return res, nil
	})

	exhausted := errors.Is(out.Err, keypool.ErrPoolExhausted)
	if exhausted {
		o.abort(model.ReasonCredentialsExhausted)
	}

	attempts := max(out.Attempts, sent)
	var rec model.ProgressRecord
	switch {
	case out.OK():
		rec = model.DoneRecord(o.id, job, out.Value)
	case out.Kind == resilience.KindAborted:
		if sent == 0 {
			// Never dispatched; the job stays pending for the next run.
			return
		}
		reason := model.ReasonCancelled
		if exhausted {
			reason = model.ReasonCredentialsExhausted
		}
		rec = model.FailedRecord(o.id, job, reason, detail(out.Err), attempts)
	case out.Kind == resilience.KindFatal:
		rec = model.FailedRecord(o.id, job, model.ReasonFatal, detail(out.Err), attempts)
	default:
		rec = model.FailedRecord(o.id, job, model.ReasonRetriesExhausted, detail(out.Err), attempts)
	}
	rec.UpdatedAt = o.nowFunc().UTC()

	applied, err := o.tracker.Record(context.WithoutCancel(hard), rec)
	if err != nil {
		log.Error("pipeline: record progress", zap.Error(err))
		o.abort(ReasonStoreError)
		return
	}
	if !applied {
		log.Debug("pipeline: progress write ignored", zap.String("status", string(rec.Status)))
		return
	}

	jobsTotal.WithLabelValues(string(rec.Status), rec.Reason).Inc()
	if rec.Status == model.ProgressDone {
		log.Info("pipeline: acronym enriched",
			zap.Int("attempts", rec.AttemptCount),
			zap.String("credential", out.Value.CredentialID),
			zap.Strings("warnings", out.Value.ContentWarnings),
		)
	} else {
		log.Warn("pipeline: acronym failed",
			zap.String("reason", rec.Reason),
			zap.Int("attempts", rec.AttemptCount),
			zap.String("detail", rec.Detail),
		)
	}
}

func detail(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > maxDetail {
		s = s[:maxDetail]
	}
	return s
}

// Drain stops dispatching new jobs. Requests already sent finish and are
// recorded; jobs waiting on a retry are recorded as cancelled.
func (o *Orchestrator) Drain() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.drained = true
		if !o.run.Status.Terminal() {
			o.run.Status = model.RunStatusDraining
			o.run.UpdatedAt = o.nowFunc().UTC()
		}
		o.mu.Unlock()
		close(o.stop)
		zap.L().Info("pipeline: draining run", zap.String("run_id", o.id))
	})
}

// abort drains the run and remembers the first abort reason.
func (o *Orchestrator) abort(reason string) {
	o.mu.Lock()
	first := o.abortReason == ""
	if first {
		o.abortReason = reason
	}
	o.mu.Unlock()
	if first {
		zap.L().Error("pipeline: aborting run", zap.String("run_id", o.id), zap.String("reason", reason))
	}
	o.Drain()
}

// finish computes the terminal state and persists it.
func (o *Orchestrator) finish(ctx context.Context) *model.Run {
	writeCtx := context.WithoutCancel(ctx)

	summary, err := o.store.Summarize(writeCtx, o.id)
	if err != nil {
		zap.L().Error("pipeline: summarize run", zap.String("run_id", o.id), zap.Error(err))
	}

	o.mu.Lock()
	if summary != nil {
		o.mergeSummary(summary)
		o.run.Summary = *summary
	}
	switch {
	case o.abortReason != "":
		o.run.Status = model.RunStatusAborted
		o.run.Reason = o.abortReason
	case ctx.Err() != nil || (o.drained && o.run.Summary.Pending > 0):
		o.run.Status = model.RunStatusAborted
		o.run.Reason = model.ReasonCancelled
	default:
		o.run.Status = model.RunStatusCompleted
	}
	o.run.UpdatedAt = o.nowFunc().UTC()
	run := o.run
	o.mu.Unlock()

	if err := o.store.UpdateRun(writeCtx, &run); err != nil {
		zap.L().Error("pipeline: update run", zap.String("run_id", o.id), zap.Error(err))
	}
	observeCredentials(o.pool.Counts())

	zap.L().Info("pipeline: run finished",
		zap.String("run_id", o.id),
		zap.String("status", string(run.Status)),
		zap.String("reason", run.Reason),
		zap.Int("total", run.Summary.Total),
		zap.Int("done", run.Summary.Done),
		zap.Int("failed", run.Summary.Failed),
		zap.Int("pending", run.Summary.Pending),
		zap.Int("skipped", run.Summary.Skipped),
		zap.Float64("cost_usd", run.Summary.Usage.Cost),
	)
	return &run
}

// Snapshot returns the run with a live summary.
func (o *Orchestrator) Snapshot(ctx context.Context) (*model.Run, error) {
	summary, err := o.store.Summarize(ctx, o.id)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: summarize run")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mergeSummary(summary)
	run := o.run
	run.Summary = *summary
	return &run, nil
}

// mergeSummary adds the in-memory counters to a store summary. Callers hold mu.
func (o *Orchestrator) mergeSummary(s *model.Summary) {
	s.Skipped = o.run.Summary.Skipped
	s.Validation = o.stats
	s.Usage = o.usage
}

func (o *Orchestrator) addUsage(u model.TokenUsage) {
	o.mu.Lock()
	o.usage.Add(u)
	o.mu.Unlock()
}

func (o *Orchestrator) countAccepted(res *model.EnrichmentResult) {
	o.mu.Lock()
	o.stats.Valid++
	if res.HasContentWarning() {
		o.stats.Warnings++
	}
	o.mu.Unlock()
}

func (o *Orchestrator) countRejection(err error) {
	ie, ok := validate.AsInvalid(err)
	if !ok {
		return
	}
	validationRejections.WithLabelValues(ie.Kind.String()).Inc()
	o.mu.Lock()
	switch ie.Kind {
	case validate.Structure:
		o.stats.Structure++
	case validate.Content:
		o.stats.Content++
	case validate.Serialization:
		o.stats.Serialization++
	}
	o.mu.Unlock()
}
