package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/pipeline"
	"github.com/sells-group/acronym-cli/internal/provider"
	"github.com/sells-group/acronym-cli/internal/ratelimit"
	"github.com/sells-group/acronym-cli/internal/resilience"
	"github.com/sells-group/acronym-cli/internal/store"
	"github.com/sells-group/acronym-cli/internal/validate"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, latency time.Duration) (*httptest.Server, *pipeline.Manager) {
	t.Helper()

	st, err := store.NewBadger(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m, err := pipeline.NewManager(pipeline.Deps{
		Store:     st,
		Client:    provider.NewStub(provider.StubOptions{Latency: latency}),
		Limiter:   ratelimit.New(ratelimit.Config{RequestsPerMinute: 10000, MaxConcurrent: 2, JitterMax: -1}, nil),
		Validator: validate.New(validate.DefaultConfig()),
		Keys:      []keypool.Key{{ID: "primary", Secret: "sk-test-0123456789"}},
		Retry:     resilience.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	srv := httptest.NewServer(NewRouter(m, Options{CORSOrigins: []string{"*"}, Health: st}))
	t.Cleanup(srv.Close)
	return srv, m
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 0)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealth_Unavailable(t *testing.T) {
	t.Parallel()

	h := NewRouter(nil, Options{Health: pingFunc(func(context.Context) error { return eris.New("db down") })})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	srv, m := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/runs", map[string]any{"acronyms": []string{"API", "api", "CPU"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	id := started["run_id"]
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.Wait(ctx, id)
	require.NoError(t, err)

	var status pipeline.Status
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+id, &status))
	assert.Equal(t, model.RunStatusCompleted, status.Run.Status)
	assert.Equal(t, 2, status.Run.Summary.Total)
	assert.Equal(t, 2, status.Run.Summary.Done)
	assert.Equal(t, 0, status.Run.Summary.Failed)
	assert.Equal(t, 0, status.Run.Summary.Pending)
	assert.Equal(t, "api", status.Run.Options.Source)

	var results []model.EnrichmentResult
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+id+"/results", &results))
	assert.Len(t, results, 2)

	var page []model.EnrichmentResult
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+id+"/results?limit=1&offset=1", &page))
	assert.Len(t, page, 1)

	var failed []model.ProgressRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+id+"/results?status=failed", &failed))
	assert.Empty(t, failed)

	var runs []model.Run
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)

	resp = postJSON(t, srv.URL+"/runs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartRun_WithGradesAndOverrides(t *testing.T) {
	t.Parallel()

	srv, m := newTestServer(t, 0)
	resp := postJSON(t, srv.URL+"/runs", map[string]any{
		"jobs":        []map[string]any{{"token": "NASA", "grade": 4}},
		"max_retries": 0,
		"source":      "crud-app",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := m.Wait(ctx, started["run_id"])
	require.NoError(t, err)
	assert.Equal(t, 0, run.Options.MaxRetries)
	assert.Equal(t, "crud-app", run.Options.Source)

	results, err := m.Results(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Grade)
	assert.Equal(t, 4, *results[0].Grade)
}

func TestCancelRun_Drains(t *testing.T) {
	t.Parallel()

	srv, m := newTestServer(t, 50*time.Millisecond)
	acronyms := make([]string, 30)
	for i := range acronyms {
		acronyms[i] = "X" + string(rune('A'+i%26)) + string(rune('A'+i/26))
	}
	resp := postJSON(t, srv.URL+"/runs", map[string]any{"acronyms": acronyms})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	id := started["run_id"]

	resp = postJSON(t, srv.URL+"/runs", map[string]any{"acronyms": []string{"SECOND"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/runs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := m.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAborted, run.Status)
	assert.Equal(t, model.ReasonCancelled, run.Reason)
	assert.Positive(t, run.Summary.Pending)
}

func TestBadRequests(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/runs", "{", http.StatusBadRequest},
		{"no jobs", http.MethodPost, "/runs", `{"acronyms":["  "]}`, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/runs/missing", "", http.StatusNotFound},
		{"unknown run results", http.MethodGet, "/runs/missing/results", "", http.StatusNotFound},
		{"unknown run cancel", http.MethodPost, "/runs/missing/cancel", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/runs?limit=abc", "", http.StatusBadRequest},
		{"bad status", http.MethodGet, "/runs/x/results?status=weird", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close() //nolint:errcheck
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 0)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 0)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://crud.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
