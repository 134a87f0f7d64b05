package store

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/acronym-cli/internal/model"
)

// Tracker fronts a Store with an in-memory index of done keys so the
// orchestrator can skip finished work without a query per job.
type Tracker struct {
	store Store

	mu   sync.RWMutex
	done map[string]struct{}
}

// NewTracker loads the done index from s.
func NewTracker(ctx context.Context, s Store) (*Tracker, error) {
	keys, err := s.DoneKeys(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "store: load done keys")
	}
	done := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		done[k] = struct{}{}
	}
	return &Tracker{store: s, done: done}, nil
}

// Store returns the underlying store.
func (t *Tracker) Store() Store {
	return t.store
}

// IsDone reports whether key already has a done record.
func (t *Tracker) IsDone(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.done[key]
	return ok
}

// DoneCount returns the number of done keys.
func (t *Tracker) DoneCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.done)
}

// Record persists rec and updates the index when it lands as done.
func (t *Tracker) Record(ctx context.Context, rec model.ProgressRecord) (bool, error) {
	applied, err := t.store.Record(ctx, rec)
	if err != nil {
		return false, err
	}
	if applied && rec.Status == model.ProgressDone {
		t.mu.Lock()
		t.done[rec.Key] = struct{}{}
		t.mu.Unlock()
	}
	return applied, nil
}
