package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
)

// Config controls the limiter.
type Config struct {
	// RequestsPerMinute is the per-credential budget inside Period. Default: 60.
	RequestsPerMinute int

	// Period is the rolling window length. Default: 1m.
	Period time.Duration

	// MaxConcurrent caps in-flight requests across all credentials. Default: 5.
	MaxConcurrent int

	// PacingBurst is the token-bucket burst used to smooth requests on a
	// credential. Zero uses RequestsPerMinute, which never tightens the
	// window bound; negative disables pacing.
	PacingBurst int

	// JitterMin and JitterMax bound the random delay before each request.
	// Defaults: 20ms and 150ms. Set JitterMax negative to disable.
	JitterMin time.Duration
	JitterMax time.Duration
}

// DefaultConfig returns the default limiter settings.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		Period:            time.Minute,
		MaxConcurrent:     5,
		PacingBurst:       60,
		JitterMin:         20 * time.Millisecond,
		JitterMax:         150 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.Period <= 0 {
		c.Period = time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.PacingBurst == 0 {
		c.PacingBurst = c.RequestsPerMinute
	}
	if c.JitterMax == 0 {
		c.JitterMin, c.JitterMax = 20*time.Millisecond, 150*time.Millisecond
	}
	if c.JitterMin > c.JitterMax {
		c.JitterMin = c.JitterMax
	}
	return c
}

// Limiter combines the per-credential window, optional pacing, a global
// concurrency semaphore and request jitter.
type Limiter struct {
	cfg    Config
	window Window
	sem    *semaphore.Weighted

	inFlight atomic.Int64
	peak     atomic.Int64

	mu     sync.Mutex
	pacers map[string]*AdaptivePacer

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a limiter. A nil window uses an in-process SlidingWindow.
func New(cfg Config, window Window) *Limiter {
	cfg = cfg.withDefaults()
	if window == nil {
		window = NewSlidingWindow(cfg.RequestsPerMinute, cfg.Period)
	}
	return &Limiter{
		cfg:     cfg,
		window:  window,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pacers:  make(map[string]*AdaptivePacer),
		nowFunc: time.Now,
	}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Acquire blocks until a global request slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "ratelimit: acquire slot")
	}
	n := l.inFlight.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release returns a global request slot.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// InFlight returns the number of held global slots.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Peak returns the highest number of concurrently held slots observed.
func (l *Limiter) Peak() int64 {
	return l.peak.Load()
}

// Allow reports whether a request may be sent on credential id now and, if
// so, records it against the window.
func (l *Limiter) Allow(ctx context.Context, id string) (bool, error) {
	now := l.nowFunc()
	p := l.pacer(id)
	if p != nil && p.Delay(now) > 0 {
		return false, nil
	}
	ok, err := l.window.Allow(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if p != nil {
		p.Take(now)
	}
	return true, nil
}

// TimeUntilNextSlot returns how long until Allow could succeed for id.
func (l *Limiter) TimeUntilNextSlot(ctx context.Context, id string) (time.Duration, error) {
	wait, err := l.window.TimeUntilNextSlot(ctx, id)
	if err != nil {
		return 0, err
	}
	if p := l.pacer(id); p != nil {
		if d := p.Delay(l.nowFunc()); d > wait {
			wait = d
		}
	}
	return wait, nil
}

// OnSuccess lets the credential's pacer recover toward the configured rate.
func (l *Limiter) OnSuccess(id string) {
	if p := l.pacer(id); p != nil {
		p.OnSuccess()
	}
}

// OnRateLimit slows the credential's pacer after a 429.
func (l *Limiter) OnRateLimit(id string) {
	if p := l.pacer(id); p != nil {
		p.OnRateLimit()
	}
}

// Jitter sleeps for a random duration inside the configured bounds.
func (l *Limiter) Jitter(ctx context.Context) error {
	if l.cfg.JitterMax <= 0 {
		return nil
	}
	d := l.cfg.JitterMin
	if span := l.cfg.JitterMax - l.cfg.JitterMin; span > 0 {
		d += time.Duration(rand.Int64N(int64(span) + 1))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) pacer(id string) *AdaptivePacer {
	if l.cfg.PacingBurst < 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pacers[id]
	if !ok {
		p = NewAdaptivePacer(l.cfg.RequestsPerMinute, l.cfg.Period, l.cfg.PacingBurst)
		l.pacers[id] = p
	}
	return p
}
