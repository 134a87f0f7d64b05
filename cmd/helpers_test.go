//go:build !integration

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/acronym-cli/internal/config"
)

// setTestConfig points the package config at an offline stub provider and a
// SQLite store in a temp dir.
func setTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg = &config.Config{
		Provider: config.ProviderConfig{Name: "stub", MaxTokens: 512},
		KeyPool: config.KeyPoolConfig{
			ErrorThreshold: 5,
			Cooldown:       time.Second,
			QuotaCooldown:  time.Second,
		},
		Enrich: config.EnrichConfig{
			MaxRetries:            2,
			RequestsPerMinute:     10000,
			MaxConcurrentRequests: 4,
			BaseDelay:             time.Millisecond,
			MaxDelay:              2 * time.Millisecond,
			Multiplier:            2,
			DispatchJitterMax:     -1,
		},
		Validation: config.ValidateConfig{
			Enabled:              true,
			MinDescriptionLength: 20,
			MinRelatedTerms:      1,
			FullNamePolicy:       "warn",
		},
		Store: config.StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dir, "acronym.db"),
		},
	}
	return dir
}

func writeInput(t *testing.T, dir, name string, tokens ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(tokens, "\n")+"\n"), 0o644))
	return path
}
