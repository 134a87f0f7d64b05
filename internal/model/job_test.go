package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"API", "api"},
		{"api", "api"},
		{" Api ", "api"},
		{"R&D", "r&d"},
		{"STRASSE", "strasse"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeKey(tt.in))
		})
	}
}

func TestDedupe_FirstOccurrenceWins(t *testing.T) {
	t.Parallel()

	jobs := Dedupe([]Job{
		{Token: "API", Grade: IntPtr(3)},
		{Token: "api", Grade: IntPtr(5)},
		{Token: "CPU"},
		{Token: " API "},
	})

	require.Len(t, jobs, 2)
	assert.Equal(t, "API", jobs[0].Token)
	require.NotNil(t, jobs[0].Grade)
	assert.Equal(t, 3, *jobs[0].Grade)
	assert.Equal(t, "CPU", jobs[1].Token)
	assert.Nil(t, jobs[1].Grade)
}

func TestDedupe_DropsBlankTokens(t *testing.T) {
	t.Parallel()

	jobs := Dedupe([]Job{{Token: ""}, {Token: "   "}, {Token: " NASA "}})
	require.Len(t, jobs, 1)
	assert.Equal(t, "NASA", jobs[0].Token)
}

func TestProgressStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ProgressPending.Terminal())
	assert.True(t, ProgressDone.Terminal())
	assert.True(t, ProgressFailed.Terminal())
	assert.True(t, RunStatusAborted.Terminal())
	assert.False(t, RunStatusDraining.Terminal())
}

func TestTokenUsage_Add(t *testing.T) {
	t.Parallel()

	u := TokenUsage{InputTokens: 10, OutputTokens: 5, Cost: 0.5}
	u.Add(TokenUsage{InputTokens: 1, OutputTokens: 2, Cost: 0.25})
	assert.Equal(t, int64(11), u.InputTokens)
	assert.Equal(t, int64(7), u.OutputTokens)
	assert.InDelta(t, 0.75, u.Cost, 0.0001)
}
