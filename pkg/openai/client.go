// Package openai wraps any OpenAI-compatible chat completion endpoint,
// including Gemini's compatibility layer.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/acronym-cli/internal/resilience"
)

// Client defines the chat completion call used by the enrichment engine.
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a single-turn completion request.
type ChatRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
	// JSONMode asks the endpoint for a JSON object response when supported.
	JSONMode bool
}

// ChatResponse carries the first choice and its token usage.
type ChatResponse struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API root, e.g. a Gemini or self-hosted endpoint.
	BaseURL string
	Timeout time.Duration
}

type sdkClient struct {
	client *goopenai.Client
}

// NewClient creates a Client for the given key.
func NewClient(apiKey string, opts Options) Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout, Transport: &hintTransport{base: http.DefaultTransport}}
	return &sdkClient{client: goopenai.NewClientWithConfig(cfg)}
}

func (c *sdkClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	creq := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		creq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	hint := &retryHint{}
	resp, err := c.client.CreateChatCompletion(context.WithValue(ctx, hintKey{}, hint), creq)
	if err != nil {
		return nil, eris.Wrap(Classify(err, hint.get()), "openai: chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Wrap(resilience.NewMalformedError(errors.New("no choices returned")), "openai: chat completion")
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// Classify maps go-openai errors onto the resilience taxonomy. go-openai
// errors do not carry headers, so the caller passes the Retry-After hint it
// read from the failed response. Other errors are returned unchanged.
func Classify(err error, retryAfter *time.Duration) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return resilience.ClassifyStatus(err, apiErr.HTTPStatusCode, retryAfter, isQuota(apiErr))
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		quota := strings.Contains(strings.ToLower(string(reqErr.Body)), "insufficient_quota")
		return resilience.ClassifyStatus(err, reqErr.HTTPStatusCode, retryAfter, quota)
	}
	return err
}

type hintKey struct{}

// retryHint holds the Retry-After of one request's error response.
type retryHint struct {
	mu sync.Mutex
	d  *time.Duration
}

func (h *retryHint) set(d *time.Duration) {
	h.mu.Lock()
	h.d = d
	h.mu.Unlock()
}

func (h *retryHint) get() *time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.d
}

// hintTransport records Retry-After on error responses into the retryHint
// carried by the request context.
type hintTransport struct {
	base http.RoundTripper
}

func (t *hintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	if h, ok := req.Context().Value(hintKey{}).(*retryHint); ok {
		h.set(retryAfterFrom(resp.Header, time.Now()))
	}
	return resp, nil
}

// retryAfterFrom prefers the millisecond header when the endpoint sends one.
func retryAfterFrom(h http.Header, now time.Time) *time.Duration {
	if ms := h.Get("retry-after-ms"); ms != "" {
		if d, err := time.ParseDuration(ms + "ms"); err == nil && d >= 0 {
			return &d
		}
	}
	return resilience.ParseRetryAfter(h.Get("retry-after"), now)
}

func isQuota(e *goopenai.APIError) bool {
	if e.Type == "insufficient_quota" {
		return true
	}
	code := strings.ToLower(fmt.Sprint(e.Code))
	if code == "insufficient_quota" || code == "resource_exhausted" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "exceeded your current quota")
}
