package models

import "time"

// Message roles stored in thread memory.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MemoryMessage is one turn of a conversation thread.
type MemoryMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// ThreadMemory is the bounded conversation history for (TenantID, ThreadKey).
type ThreadMemory struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ThreadKey   string          `json:"thread_key"`
	Messages    []MemoryMessage `json:"messages"`
	SummaryText *string         `json:"summary_text,omitempty"`
	TotalTurns  int64           `json:"total_turns"`
	TotalChars  int64           `json:"total_chars"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ThreadSummary is the list view of a thread, without messages.
type ThreadSummary struct {
	ID          string    `json:"id"`
	ThreadKey   string    `json:"thread_key"`
	SummaryText *string   `json:"summary_text,omitempty"`
	TotalTurns  int64     `json:"total_turns"`
	TotalChars  int64     `json:"total_chars"`
	UpdatedAt   time.Time `json:"updated_at"`
}
