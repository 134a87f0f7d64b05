package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/acronym-cli/internal/cost"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/pkg/anthropic"
)

type anthropicProvider struct {
	cfg     Config
	calc    *cost.Calculator
	clients *clientCache[anthropic.Client]
}

// newAnthropic builds the provider. build overrides SDK client construction
// in tests.
func newAnthropic(cfg Config, calc *cost.Calculator, build func(secret string) anthropic.Client) *anthropicProvider {
	if build == nil {
		build = func(secret string) anthropic.Client {
			return anthropic.NewClient(secret, anthropic.Options{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout})
		}
	}
	return &anthropicProvider{cfg: cfg, calc: calc, clients: newClientCache(build)}
}

func (p *anthropicProvider) Name() string  { return Anthropic }
func (p *anthropicProvider) Model() string { return p.cfg.Model }

func (p *anthropicProvider) Enrich(ctx context.Context, req Request) (*Response, error) {
	temp := p.cfg.Temperature
	resp, err := p.clients.get(req.Credential).CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.cfg.Model,
		MaxTokens:   int64(p.cfg.MaxTokens),
		System:      []anthropic.SystemBlock{{Text: SystemPrompt}},
		Messages:    []anthropic.Message{{Role: "user", Content: BuildPrompt(req.Job)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "provider: anthropic enrich %s", req.Job.Token)
	}

	usage := model.TokenUsage{
		InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if p.calc != nil {
		usage.Cost = p.calc.Claude(p.cfg.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens,
			resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)
	}
	return &Response{Text: resp.Text(), Model: resp.Model, Usage: usage}, nil
}
