// Package model defines the core types shared by the enrichment engine.
package model

import (
	"strings"

	"golang.org/x/text/cases"
)

// Job is one acronym to enrich. Identity is the token; the normalized key is
// used for deduplication and progress lookups.
type Job struct {
	Token string `json:"token"`
	Grade *int   `json:"grade,omitempty"`
}

// Key returns the case-insensitive identity of the job.
func (j Job) Key() string {
	return NormalizeKey(j.Token)
}

var folder = cases.Fold()

// NormalizeKey trims surrounding whitespace and applies Unicode case folding
// so "API", "api" and " Api " collapse to the same key.
func NormalizeKey(token string) string {
	return folder.String(strings.TrimSpace(token))
}

// Dedupe collapses jobs that share a normalized key. The first occurrence
// wins, including its grade hint. Empty tokens are dropped and tokens are
// trimmed but otherwise keep their original casing.
func Dedupe(jobs []Job) []Job {
	seen := make(map[string]struct{}, len(jobs))
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		j.Token = strings.TrimSpace(j.Token)
		if j.Token == "" {
			continue
		}
		key := j.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, j)
	}
	return out
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
