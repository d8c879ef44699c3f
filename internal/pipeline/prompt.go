package pipeline

import (
	"fmt"
	"strings"

	"company-intel/internal/fanout"
	"company-intel/internal/llm"
	"company-intel/internal/memory"
	"company-intel/internal/models"
)

const (
	// SystemPrompt frames every enrichment answer.
	SystemPrompt = "You are a company intelligence assistant integrated with Slack. " +
		"You have access to real-time data from connected business integrations. " +
		"Provide concise, accurate, and actionable answers based on the data provided. " +
		"When referencing specific data points, briefly cite the source in parentheses. " +
		"If no relevant data was found, say so clearly and suggest what to check."

	// Apology replaces the answer when no provider could respond.
	Apology = "⚠️ I encountered an error generating a response. Please try again in a moment."

	historyTurns   = 6
	itemsPerSource = 5
)

// RenderSources renders the evidence digest placed in the final user turn.
// Failed sources get an explicit error line so the model can acknowledge the gap.
func RenderSources(outcomes []fanout.Outcome) string {
	blocks := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		r := o.Result
		if !r.Success {
			blocks = append(blocks, fmt.Sprintf("[%s]: Error — %s", r.Source, r.ErrorMessage()))
			continue
		}
		noun := "results"
		if len(r.Items) == 1 {
			noun = "result"
		}
		lines := make([]string, 0, itemsPerSource)
		for i, it := range r.Items {
			if i == itemsPerSource {
				break
			}
			line := "  • " + it.Label
			if it.Summary != "" {
				line += ": " + it.Summary
			}
			lines = append(lines, line)
		}
		blocks = append(blocks, fmt.Sprintf("[%s] (%d %s):\n%s", r.Source, len(r.Items), noun, strings.Join(lines, "\n")))
	}
	return strings.Join(blocks, "\n\n")
}

// BuildRequest assembles the chat request: recent history followed by the
// query enriched with the source digest.
func BuildRequest(mem *models.ThreadMemory, query string, outcomes []fanout.Outcome) llm.Request {
	history := memory.Recent(mem, historyTurns)
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	content := query
	if digest := RenderSources(outcomes); digest != "" {
		content = "User query: " + query + "\n\nLive data from integrations:\n" + digest
	}
	msgs = append(msgs, llm.Message{Role: models.RoleUser, Content: content})
	return llm.Request{System: SystemPrompt, Messages: msgs}
}
