package model

import "time"

// EnrichmentResult is a validated, cleaned record for one acronym.
type EnrichmentResult struct {
	Acronym         string     `json:"acronym"`
	FullName        string     `json:"full_name"`
	Description     string     `json:"description"`
	Context         string     `json:"context"`
	RelatedTerms    []string   `json:"related_terms"`
	Industry        string     `json:"industry"`
	Tags            []string   `json:"tags"`
	Grade           *int       `json:"grade,omitempty"`
	ContentWarnings []string   `json:"content_warnings,omitempty"`
	ProcessedAt     time.Time  `json:"processed_at"`
	CredentialID    string     `json:"credential_id"`
	AttemptCount    int        `json:"attempt_count"`
	Provider        string     `json:"provider,omitempty"`
	Model           string     `json:"model,omitempty"`
	Usage           TokenUsage `json:"usage"`
}

// HasContentWarning reports whether the record was accepted with warnings.
func (r *EnrichmentResult) HasContentWarning() bool {
	return len(r.ContentWarnings) > 0
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}
