// Package ratelimit enforces per-credential request budgets and a global
// concurrency ceiling for outbound AI calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window admits requests for a credential under a rolling time window.
// Allow records the request when it returns true.
type Window interface {
	Allow(ctx context.Context, id string) (bool, error)
	TimeUntilNextSlot(ctx context.Context, id string) (time.Duration, error)
}

// SlidingWindow is an in-process sliding-window log. For every credential,
// the number of admitted requests whose timestamps fall inside any period
// ending now never exceeds the limit.
type SlidingWindow struct {
	limit  int
	period time.Duration

	mu     sync.Mutex
	events map[string][]time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewSlidingWindow creates a window admitting limit requests per period.
func NewSlidingWindow(limit int, period time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	return &SlidingWindow{
		limit:   limit,
		period:  period,
		events:  make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// Allow records a request for id and returns true if the window has room.
func (w *SlidingWindow) Allow(_ context.Context, id string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc()
	ev := w.prune(id, now)
	if len(ev) >= w.limit {
		return false, nil
	}
	w.events[id] = append(ev, now)
	return true, nil
}

// TimeUntilNextSlot returns how long until Allow would succeed for id.
func (w *SlidingWindow) TimeUntilNextSlot(_ context.Context, id string) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc()
	ev := w.prune(id, now)
	if len(ev) < w.limit {
		return 0, nil
	}
	return ev[0].Add(w.period).Sub(now), nil
}

// Count returns the number of requests inside the current window for id.
func (w *SlidingWindow) Count(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(id, w.nowFunc()))
}

// prune drops timestamps that have left the window. Caller holds mu.
func (w *SlidingWindow) prune(id string, now time.Time) []time.Time {
	ev := w.events[id]
	i := 0
	for i < len(ev) && now.Sub(ev[i]) >= w.period {
		i++
	}
	if i > 0 {
		ev = append(ev[:0], ev[i:]...)
		w.events[id] = ev
	}
	return ev
}
