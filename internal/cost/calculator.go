// Package cost estimates spend from token usage.
package cost

import "strings"

// Rates holds per-provider pricing configuration, keyed by model id.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// OpenAI computes the cost for a chat completion on an OpenAI-compatible
// endpoint. Model ids match case-insensitively.
func (c *Calculator) OpenAI(model string, input, output int64) float64 {
	rate, ok := c.rates.OpenAI[model]
	if !ok {
		rate, ok = c.rates.OpenAI[strings.ToLower(model)]
		if !ok {
			return 0
		}
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Tokens dispatches on provider name. Unknown providers cost nothing.
func (c *Calculator) Tokens(provider, model string, input, output int64) float64 {
	switch provider {
	case "anthropic":
		return c.Claude(model, input, output, 0, 0)
	case "openai":
		return c.OpenAI(model, input, output)
	default:
		return 0
	}
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4o-mini":      {Input: 0.15, Output: 0.60},
			"gpt-4o":           {Input: 2.50, Output: 10.00},
			"gemini-2.0-flash": {Input: 0.10, Output: 0.40},
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
		},
	}
}
