package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/acronym-cli/internal/cost"
	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/resilience"
	"github.com/sells-group/acronym-cli/internal/validate"
	"github.com/sells-group/acronym-cli/pkg/anthropic"
)

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	p := BuildPrompt(model.Job{Token: "API"})
	assert.Contains(t, p, `"API"`)
	assert.Contains(t, p, "full_name must contain the acronym")
	assert.Contains(t, p, `"grade": 1`)
	assert.NotContains(t, p, "reading level")

	g := BuildPrompt(model.Job{Token: "CPU", Grade: model.IntPtr(3)})
	assert.Contains(t, g, "grade 3 reading level")
	assert.NotContains(t, g, `"grade": 1`)
}

func TestNew(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Name: Anthropic}, nil)
	require.NoError(t, err)
	assert.Equal(t, Anthropic, c.Name())
	assert.Equal(t, "claude-haiku-4-5-20251001", c.Model())

	c, err = New(Config{Name: OpenAI, Model: "gemini-2.0-flash"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", c.Model())

	c, err = New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Stub, c.Name())

	_, err = New(Config{Name: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

func TestStub_ProducesValidRecords(t *testing.T) {
	t.Parallel()

	s := NewStub(StubOptions{})
	v := validate.New(validate.DefaultConfig())

	for _, job := range []model.Job{{Token: "API"}, {Token: "R&D", Grade: model.IntPtr(4)}} {
		resp, err := s.Enrich(context.Background(), Request{Job: job})
		require.NoError(t, err)

		res, err := v.Validate(job, resp.Text)
		require.NoError(t, err, job.Token)
		assert.Empty(t, res.ContentWarnings)
		assert.Greater(t, resp.Usage.InputTokens, int64(0))
	}
	assert.Equal(t, int64(2), s.Calls())
}

func TestStub_HonorsContext(t *testing.T) {
	t.Parallel()

	s := NewStub(StubOptions{Latency: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Enrich(ctx, Request{Job: model.Job{Token: "API"}})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeAnthropic struct {
	secret string
	resp   *anthropic.MessageResponse
	err    error

	mu   sync.Mutex
	reqs []anthropic.MessageRequest
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func TestAnthropicProvider_CachesClientPerCredential(t *testing.T) {
	t.Parallel()

	built := map[string]*fakeAnthropic{}
	calc := cost.NewCalculator(cost.DefaultRates())
	p := newAnthropic(Config{Model: "claude-haiku-4-5-20251001", MaxTokens: 512}, calc, func(secret string) anthropic.Client {
		f := &fakeAnthropic{
			secret: secret,
			resp: &anthropic.MessageResponse{
				Model:   "claude-haiku-4-5-20251001",
				Content: []anthropic.ContentBlock{{Type: "text", Text: `{"acronym":"API"}`}},
				Usage:   anthropic.TokenUsage{InputTokens: 1_000_000, OutputTokens: 0},
			},
		}
		built[secret] = f
		return f
	})

	c1 := keypool.Credential{ID: "key-1", Secret: "sk-one"}
	c2 := keypool.Credential{ID: "key-2", Secret: "sk-two"}
	for _, c := range []keypool.Credential{c1, c2, c1} {
		resp, err := p.Enrich(context.Background(), Request{Job: model.Job{Token: "API"}, Credential: c})
		require.NoError(t, err)
		assert.Equal(t, `{"acronym":"API"}`, resp.Text)
		assert.InDelta(t, 1.00, resp.Usage.Cost, 0.0001)
	}

	require.Len(t, built, 2)
	assert.Len(t, built["sk-one"].reqs, 2)
	assert.Len(t, built["sk-two"].reqs, 1)
	req := built["sk-one"].reqs[0]
	assert.Equal(t, int64(512), req.MaxTokens)
	assert.Equal(t, SystemPrompt, req.System[0].Text)
}

func TestAnthropicProvider_PreservesClassification(t *testing.T) {
	t.Parallel()

	wait := 3 * time.Second
	p := newAnthropic(Config{Model: "m"}, nil, func(string) anthropic.Client {
		return &fakeAnthropic{err: resilience.NewRateLimitedError(assert.AnError, &wait)}
	})

	_, err := p.Enrich(context.Background(), Request{Job: model.Job{Token: "API"}, Credential: keypool.Credential{ID: "k"}})
	require.Error(t, err)
	assert.Equal(t, resilience.KindRateLimited, resilience.KindOf(err))
	require.NotNil(t, resilience.RetryAfterOf(err))
	assert.Equal(t, wait, *resilience.RetryAfterOf(err))
}

func TestOpenAIProvider_Enrich(t *testing.T) {
	t.Parallel()

	var auth []string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":    "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": `{"acronym":"CPU"}`},
			}},
			"usage": map[string]any{"prompt_tokens": 1000000, "completion_tokens": 0},
		})
	}))
	defer ts.Close()

	p := newOpenAI(Config{Model: "gpt-4o-mini", BaseURL: ts.URL, MaxTokens: 256, Timeout: 5 * time.Second},
		cost.NewCalculator(cost.DefaultRates()), nil)

	for _, c := range []keypool.Credential{{ID: "a", Secret: "sk-a"}, {ID: "b", Secret: "sk-b"}} {
		resp, err := p.Enrich(context.Background(), Request{Job: model.Job{Token: "CPU"}, Credential: c})
		require.NoError(t, err)
		assert.Equal(t, `{"acronym":"CPU"}`, resp.Text)
		assert.InDelta(t, 0.15, resp.Usage.Cost, 0.0001)
	}
	assert.Equal(t, []string{"Bearer sk-a", "Bearer sk-b"}, auth)
}
