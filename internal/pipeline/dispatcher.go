package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/provider"
	"github.com/sells-group/acronym-cli/internal/ratelimit"
	"github.com/sells-group/acronym-cli/internal/resilience"
)

// minWait bounds how often the dispatcher re-checks the pool and window
// while every credential is cooling or out of budget.
const minWait = 5 * time.Millisecond

// Dispatch is the outcome of one attempt.
type Dispatch struct {
	Response   *provider.Response
	Credential keypool.Credential
	// Sent reports whether a request reached the provider.
	Sent bool
}

// Dispatcher composes the key pool, rate limiter and circuit breaker in
// front of a provider. Every attempt, including retries, passes through
// the global slot, jitter, credential selection and the window check
// before the network call.
type Dispatcher struct {
	pool    *keypool.Pool
	limiter *ratelimit.Limiter
	breaker *resilience.CircuitBreaker
	client  provider.Client

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewDispatcher creates a dispatcher. breaker may be nil.
func NewDispatcher(pool *keypool.Pool, limiter *ratelimit.Limiter, breaker *resilience.CircuitBreaker, client provider.Client) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		limiter: limiter,
		breaker: breaker,
		client:  client,
		nowFunc: time.Now,
	}
}

// Call performs one attempt for job. waitCtx bounds the time spent waiting
// for a slot or credential; callCtx bounds the request itself, so a drain
// can stop waiting without cutting off a request already on the wire.
func (d *Dispatcher) Call(waitCtx, callCtx context.Context, job model.Job) (Dispatch, error) {
	var out Dispatch

	if err := d.limiter.Acquire(waitCtx); err != nil {
		return out, resilience.NewAbortedError(err)
	}
	defer d.limiter.Release()

	if err := d.limiter.Jitter(waitCtx); err != nil {
		return out, resilience.NewAbortedError(eris.Wrap(err, "dispatch: jitter"))
	}

	cred, err := d.credential(waitCtx)
	if err != nil {
		return out, err
	}
	out.Credential = cred

	inFlightGauge.Inc()
	start := time.Now()
	resp, err := resilience.ExecuteVal(callCtx, d.breaker, func(ctx context.Context) (*provider.Response, error) {
		out.Sent = true
		if merr := d.pool.MarkSent(cred.ID); merr != nil {
			zap.L().Warn("dispatch: mark sent", zap.String("credential", cred.ID), zap.Error(merr))
		}
		return d.client.Enrich(ctx, provider.Request{Job: job, Credential: cred})
	})
	inFlightGauge.Dec()
	if out.Sent {
		attemptDuration.WithLabelValues(d.client.Name()).Observe(time.Since(start).Seconds())
	}

	d.report(cred, job, err)
	if err != nil {
		return out, err
	}
	out.Response = resp
	return out, nil
}

// credential returns a credential with room in its window. When none is
// ready it sleeps until the earliest cooldown or window slot.
func (d *Dispatcher) credential(ctx context.Context) (keypool.Credential, error) {
	for {
		wait := time.Duration(-1)
		for range d.pool.Len() {
			cred, err := d.pool.Acquire()
			if errors.Is(err, keypool.ErrPoolExhausted) {
				return keypool.Credential{}, resilience.NewAbortedError(err)
			}
			if errors.Is(err, keypool.ErrNoneAvailable) {
				if next, ok := d.pool.NextAvailable(); ok {
					wait = shorter(wait, next.Sub(d.nowFunc()))
				}
				break
			}
			if err != nil {
				return keypool.Credential{}, resilience.NewAbortedError(err)
			}

			ok, err := d.limiter.Allow(ctx, cred.ID)
			if err != nil {
				return keypool.Credential{}, resilience.NewTransientError(eris.Wrap(err, "dispatch: window check"), 0)
			}
			if ok {
				return cred, nil
			}
			slot, err := d.limiter.TimeUntilNextSlot(ctx, cred.ID)
			if err != nil {
				return keypool.Credential{}, resilience.NewTransientError(eris.Wrap(err, "dispatch: window wait"), 0)
			}
			wait = shorter(wait, slot)
		}

		if wait < minWait {
			wait = minWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return keypool.Credential{}, resilience.NewAbortedError(eris.Wrap(ctx.Err(), "dispatch: wait for credential"))
		case <-timer.C:
		}
	}
}

func shorter(cur, d time.Duration) time.Duration {
	if cur < 0 || d < cur {
		return d
	}
	return cur
}

// report feeds the call outcome back to the pool and pacer.
func (d *Dispatcher) report(cred keypool.Credential, job model.Job, err error) {
	defer observeCredentials(d.pool.Counts())

	if err == nil {
		if rerr := d.pool.ReportSuccess(cred.ID); rerr != nil {
			zap.L().Warn("dispatch: report success", zap.String("credential", cred.ID), zap.Error(rerr))
		}
		d.limiter.OnSuccess(cred.ID)
		attemptsTotal.WithLabelValues("success").Inc()
		return
	}

	kind := resilience.KindOf(err)
	var rerr error
	switch kind {
	case resilience.KindRateLimited:
		rerr = d.pool.ReportRateLimited(cred.ID, resilience.RetryAfterOf(err))
		d.limiter.OnRateLimit(cred.ID)
	case resilience.KindQuotaExhausted:
		rerr = d.pool.ReportQuotaExhausted(cred.ID, resilience.RetryAfterOf(err))
	case resilience.KindFatal:
		if resilience.IsCredentialFault(err) {
			rerr = d.pool.ReportInvalid(cred.ID)
		}
	case resilience.KindTransient:
		// An open circuit never reached the service.
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			rerr = d.pool.ReportError(cred.ID)
		}
	}
	if rerr != nil {
		zap.L().Warn("dispatch: report credential outcome", zap.String("credential", cred.ID), zap.Error(rerr))
	}

	attemptsTotal.WithLabelValues(kind.String()).Inc()
	zap.L().Debug("dispatch: attempt failed",
		zap.String("acronym", job.Token),
		zap.String("credential", cred.ID),
		zap.String("kind", kind.String()),
		zap.Error(err),
	)
}
