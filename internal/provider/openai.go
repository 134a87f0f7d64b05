package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/acronym-cli/internal/cost"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/pkg/openai"
)

type openAIProvider struct {
	cfg     Config
	calc    *cost.Calculator
	clients *clientCache[openai.Client]
}

func newOpenAI(cfg Config, calc *cost.Calculator, build func(secret string) openai.Client) *openAIProvider {
	if build == nil {
		build = func(secret string) openai.Client {
			return openai.NewClient(secret, openai.Options{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout})
		}
	}
	return &openAIProvider{cfg: cfg, calc: calc, clients: newClientCache(build)}
}

func (p *openAIProvider) Name() string  { return OpenAI }
func (p *openAIProvider) Model() string { return p.cfg.Model }

func (p *openAIProvider) Enrich(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.clients.get(req.Credential).Complete(ctx, openai.ChatRequest{
		Model:       p.cfg.Model,
		System:      SystemPrompt,
		Prompt:      BuildPrompt(req.Job),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: float32(p.cfg.Temperature),
		JSONMode:    true,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "provider: openai enrich %s", req.Job.Token)
	}

	usage := model.TokenUsage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	if p.calc != nil {
		usage.Cost = p.calc.OpenAI(p.cfg.Model, resp.InputTokens, resp.OutputTokens)
	}
	return &Response{Text: resp.Text, Model: resp.Model, Usage: usage}, nil
}
