package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"company-intel/internal/fanout"
	"company-intel/internal/models"
	"company-intel/internal/result"
)

func TestRenderSources(t *testing.T) {
	items := make([]result.Item, 7)
	for i := range items {
		items[i] = result.Item{Label: string(rune('a' + i))}
	}
	items[0].Summary = "first"

	got := RenderSources([]fanout.Outcome{
		{Result: result.OK("SLACK", items, result.Options{})},
		{Result: result.OK("GMAIL", []result.Item{{Label: "Re: invoice"}}, result.Options{})},
		{Result: result.Err("TRACKPOD", "Trackpod authentication failed", result.Options{})},
	})

	want := strings.Join([]string{
		"[SLACK] (7 results):\n  • a: first\n  • b\n  • c\n  • d\n  • e",
		"[GMAIL] (1 result):\n  • Re: invoice",
		"[TRACKPOD]: Error — Trackpod authentication failed",
	}, "\n\n")
	assert.Equal(t, want, got)
}

func TestBuildRequestUsesRecentTurnsOnly(t *testing.T) {
	mem := &models.ThreadMemory{}
	for i := 0; i < 10; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		mem.Messages = append(mem.Messages, models.MemoryMessage{Role: role, Content: string(rune('0' + i))})
	}
	mem.Messages[8].Role = models.RoleSystem

	req := BuildRequest(mem, "hello", nil)
	require.Len(t, req.Messages, 6)
	assert.Equal(t, "4", req.Messages[0].Content)
	assert.Equal(t, "9", req.Messages[4].Content)
	assert.Equal(t, "hello", req.Messages[5].Content)
	assert.Equal(t, models.RoleUser, req.Messages[5].Role)
	assert.Equal(t, SystemPrompt, req.System)
}
