package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/provider"
	"github.com/sells-group/acronym-cli/internal/ratelimit"
	"github.com/sells-group/acronym-cli/internal/resilience"
	"github.com/sells-group/acronym-cli/internal/store"
	"github.com/sells-group/acronym-cli/internal/validate"
)

// call is one request seen by fakeClient.
type call struct {
	Token      string
	Credential string
}

// fakeClient answers with fn and records every request.
type fakeClient struct {
	fn func(ctx context.Context, req provider.Request, n int) (*provider.Response, error)

	mu       sync.Mutex
	calls    []call
	inFlight int
	peak     int
	latency  time.Duration
}

func (f *fakeClient) Name() string  { return "fake" }
func (f *fakeClient) Model() string { return "fake-1" }

func (f *fakeClient) Enrich(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, call{Token: req.Job.Token, Credential: req.Credential.ID})
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.latency > 0 {
		t := time.NewTimer(f.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if f.fn == nil {
		return valid(req.Job), nil
	}
	return f.fn(ctx, req, n)
}

func (f *fakeClient) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeClient) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func valid(job model.Job) *provider.Response {
	text, _ := provider.StubResponse(job)
	return &provider.Response{Text: text, Model: "fake-1", Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 20, Cost: 0.001}}
}

func testKeys(n int) []keypool.Key {
	keys := make([]keypool.Key, n)
	for i := range keys {
		keys[i] = keypool.Key{Secret: "sk-test-" + string(rune('a'+i)) + "-0123456789"}
	}
	return keys
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewBadger(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSQLiteTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testDeps wires fast retry, no jitter and generous budgets.
func testDeps(t *testing.T, st store.Store, client provider.Client, keys int) Deps {
	t.Helper()
	return Deps{
		Store:  st,
		Client: client,
		Limiter: ratelimit.New(ratelimit.Config{
			RequestsPerMinute: 10000,
			MaxConcurrent:     4,
			JitterMax:         -1,
		}, nil),
		Validator: validate.New(validate.DefaultConfig()),
		Keys:      testKeys(keys),
		KeyPool:   keypool.DefaultConfig(),
		Retry: resilience.RetryConfig{
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

func newTestManager(t *testing.T, deps Deps) *Manager {
	t.Helper()
	m, err := NewManager(deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func jobs(tokens ...string) []model.Job {
	out := make([]model.Job, len(tokens))
	for i, tok := range tokens {
		out[i] = model.Job{Token: tok}
	}
	return out
}
