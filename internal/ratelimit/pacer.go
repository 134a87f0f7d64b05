package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptivePacer smooths requests on one credential with a token bucket.
// On a rate-limit response it halves the rate (down to a quarter of the
// configured rate); each success raises it by 20% back toward the
// configured rate, which it never exceeds.
type AdaptivePacer struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptivePacer creates a pacer for limit requests per period with the
// given burst.
func NewAdaptivePacer(limit int, period time.Duration, burst int) *AdaptivePacer {
	if burst <= 0 {
		burst = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	initial := rate.Limit(float64(limit) / period.Seconds())
	return &AdaptivePacer{
		limiter:     rate.NewLimiter(initial, burst),
		maxRate:     initial,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Delay returns how long until a token is available at now.
func (a *AdaptivePacer) Delay(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	tokens := a.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	if a.currentRate <= 0 {
		return time.Minute
	}
	secs := (1 - tokens) / float64(a.currentRate)
	return time.Duration(secs * float64(time.Second))
}

// Take consumes a token at now. It reports false if none was available.
func (a *AdaptivePacer) Take(now time.Time) bool {
	return a.limiter.AllowN(now, 1)
}

// OnSuccess raises the rate by 20%, up to the configured rate.
func (a *AdaptivePacer) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.maxRate {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a 429 response.
func (a *AdaptivePacer) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Debug("ratelimit: pacer slowed after rate limit",
		zap.Float64("new_rate_per_sec", float64(newRate)),
	)
}

// Limit returns the current rate.
func (a *AdaptivePacer) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
