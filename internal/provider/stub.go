package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sells-group/acronym-cli/internal/model"
)

// StubOptions tunes the offline provider.
type StubOptions struct {
	Model string
	// Latency is slept before each response, honoring ctx.
	Latency time.Duration
}

// StubClient returns deterministic, valid enrichment JSON without network
// access. It backs dry runs and tests.
type StubClient struct {
	opts  StubOptions
	calls atomic.Int64
}

// NewStub creates an offline provider.
func NewStub(opts StubOptions) *StubClient {
	if opts.Model == "" {
		opts.Model = DefaultModel(Stub)
	}
	return &StubClient{opts: opts}
}

func (s *StubClient) Name() string  { return Stub }
func (s *StubClient) Model() string { return s.opts.Model }

// Calls returns the number of Enrich invocations.
func (s *StubClient) Calls() int64 {
	return s.calls.Load()
}

func (s *StubClient) Enrich(ctx context.Context, req Request) (*Response, error) {
	s.calls.Add(1)
	if s.opts.Latency > 0 {
		t := time.NewTimer(s.opts.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, err := StubResponse(req.Job)
	if err != nil {
		return nil, err
	}
	prompt := BuildPrompt(req.Job)
	return &Response{
		Text:  text,
		Model: s.opts.Model,
		Usage: model.TokenUsage{
			InputTokens:  int64(len(prompt) / 4),
			OutputTokens: int64(len(text) / 4),
		},
	}, nil
}

// StubResponse renders the canned JSON body for a job.
func StubResponse(job model.Job) (string, error) {
	token := strings.TrimSpace(job.Token)
	grade := 1
	if job.Grade != nil {
		grade = *job.Grade
	}
	body := map[string]any{
		"acronym":       token,
		"full_name":     fmt.Sprintf("Offline Expansion of %s (%s)", token, token),
		"description":   fmt.Sprintf("%s is an acronym enriched offline for pipeline testing and dry runs.", token),
		"context":       "Offline dry run",
		"related_terms": []string{token + " reference", "dry run"},
		"industry":      "General",
		"tags":          []string{"offline", "stub"},
		"grade":         grade,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return "```json\n" + string(b) + "\n```", nil
}
