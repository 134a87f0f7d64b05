// Package provider sends one enrichment prompt per acronym to a generative
// AI service and returns the raw response for validation.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/acronym-cli/internal/cost"
	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/model"
)

// Provider names.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Stub      = "stub"
)

// Request is one enrichment call made with a specific credential.
type Request struct {
	Job        model.Job
	Credential keypool.Credential
}

// Response is the unvalidated service output for one call.
type Response struct {
	Text  string
	Model string
	Usage model.TokenUsage
}

// Client performs one request/response cycle. Errors are classified with
// the resilience taxonomy so the retry controller can act on them.
type Client interface {
	Name() string
	Model() string
	Enrich(ctx context.Context, req Request) (*Response, error)
}

// Config selects and tunes a provider.
type Config struct {
	Name        string        `yaml:"name" mapstructure:"name"`
	Model       string        `yaml:"model" mapstructure:"model"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(name string) string {
	switch name {
	case Anthropic:
		return "claude-haiku-4-5-20251001"
	case OpenAI:
		return "gpt-4o-mini"
	default:
		return "stub-1"
	}
}

// New builds the configured provider. calc may be nil, in which case usage
// carries no cost.
func New(cfg Config, calc *cost.Calculator) (Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel(cfg.Name)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch cfg.Name {
	case Anthropic:
		return newAnthropic(cfg, calc, nil), nil
	case OpenAI:
		return newOpenAI(cfg, calc, nil), nil
	case Stub, "":
		return NewStub(StubOptions{Model: cfg.Model}), nil
	default:
		return nil, eris.Errorf("provider: unknown provider %q", cfg.Name)
	}
}

// clientCache holds one SDK client per credential id.
type clientCache[C any] struct {
	mu      sync.Mutex
	clients map[string]C
	build   func(secret string) C
}

func newClientCache[C any](build func(secret string) C) *clientCache[C] {
	return &clientCache[C]{clients: make(map[string]C), build: build}
}

func (c *clientCache[C]) get(cred keypool.Credential) C {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[cred.ID]; ok {
		return cl
	}
	cl := c.build(cred.Secret)
	c.clients[cred.ID] = cl
	return cl
}

// SystemPrompt instructs the model to answer with a single JSON object.
const SystemPrompt = "You are an acronym enrichment engine. Respond with a single JSON object and no other text."

// BuildPrompt renders the user prompt for a job.
func BuildPrompt(job model.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Provide information about the acronym %q", job.Token)
	if job.Grade != nil {
		fmt.Fprintf(&b, ", explained at a grade %d reading level", *job.Grade)
	}
	b.WriteString(", in the following JSON format:\n")
	fmt.Fprintf(&b, `{
  "acronym": %q,
  "full_name": "Full expansion followed by the acronym in parentheses",
  "description": "Two or three sentences on what it means and how it is used",
  "context": "Common contexts where it appears",
  "related_terms": ["related", "terms"],
  "industry": "Primary industry or field",
  "tags": ["short", "category", "tags"]`, job.Token)
	if job.Grade == nil {
		b.WriteString(`,
  "grade": 1`)
	}
	b.WriteString("\n}\n")
	b.WriteString("The full_name must contain the acronym. Return valid JSON only.")
	if job.Grade == nil {
		b.WriteString(" Set grade to the school grade (1-5) the acronym suits.")
	}
	return b.String()
}
