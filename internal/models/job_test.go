package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobIDDeterministic(t *testing.T) {
	a := JobID("tenant-1", "slack:T1:C1:123.4")
	b := JobID("tenant-1", "slack:T1:C1:123.4")
	c := JobID("tenant-2", "slack:T1:C1:123.4")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "enrich:"))
	// The separator keeps ("ab","c") and ("a","bc") apart.
	assert.NotEqual(t, JobID("ab", "c"), JobID("a", "bc"))
}

func TestTrigger(t *testing.T) {
	assert.Equal(t, TriggerAPI, EnrichmentJob{}.Trigger())
	assert.Equal(t, TriggerSlackMention, EnrichmentJob{Slack: &SlackContext{TeamID: "T"}}.Trigger())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héllo", Truncate("héllo", 10))
	assert.Equal(t, "hé", Truncate("héllo", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Len(t, []rune(Truncate(strings.Repeat("x", 900), OutputSummaryLimit)), OutputSummaryLimit)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunRunning.Terminal())
	assert.False(t, RunPending.Terminal())
	assert.True(t, RunDegraded.Terminal())
	assert.True(t, RunFailed.Terminal())
}
