// Package memory keeps a bounded, append-only conversation history per
// (tenant, thread). Trimming always removes the oldest message first.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"company-intel/internal/models"
)

const (
	// MaxMessages caps the number of retained messages per thread.
	MaxMessages = 50
	// MaxChars caps the total content length, in characters, across retained messages.
	MaxChars = 12000
)

// Store persists thread memory. UpdateThread must run fn against the current
// record while holding a per-key write lock (for example a row lock inside a
// transaction), creating the record if it does not exist.
type Store interface {
	UpdateThread(ctx context.Context, tenantID, threadKey string, fn func(*models.ThreadMemory) error) (*models.ThreadMemory, error)
	GetThread(ctx context.Context, tenantID, threadKey string) (*models.ThreadMemory, error)
	ListThreads(ctx context.Context, tenantID string, skip, take int) ([]models.ThreadSummary, error)
}

// Manager is the only writer of thread memory.
type Manager struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, now: time.Now, logger: logger}
}

// Trim drops messages from the front, one at a time, until both bounds hold.
// It returns the retained suffix.
func Trim(msgs []models.MemoryMessage) []models.MemoryMessage {
	total := 0
	for _, m := range msgs {
		total += charLen(m.Content)
	}
	start := 0
	for len(msgs)-start > MaxMessages || total > MaxChars {
		total -= charLen(msgs[start].Content)
		start++
	}
	return msgs[start:]
}

func charLen(s string) int { return len([]rune(s)) }

// GetOrCreate returns the thread record, creating an empty one on first use.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, threadKey string) (*models.ThreadMemory, error) {
	mem, err := m.store.UpdateThread(ctx, tenantID, threadKey, func(*models.ThreadMemory) error { return nil })
	if err != nil {
		return nil, fmt.Errorf("get or create thread %s: %w", threadKey, err)
	}
	return mem, nil
}

// Append concatenates msgs onto the thread, trims it and bumps the
// cumulative counters by the size of the appended batch.
func (m *Manager) Append(ctx context.Context, tenantID, threadKey string, msgs ...models.MemoryMessage) (*models.ThreadMemory, error) {
	now := m.now().UTC()
	batchChars := 0
	stamped := make([]models.MemoryMessage, len(msgs))
	for i, msg := range msgs {
		if msg.TS.IsZero() {
			msg.TS = now
		}
		stamped[i] = msg
		batchChars += charLen(msg.Content)
	}

	mem, err := m.store.UpdateThread(ctx, tenantID, threadKey, func(t *models.ThreadMemory) error {
		combined := make([]models.MemoryMessage, 0, len(t.Messages)+len(stamped))
		combined = append(combined, t.Messages...)
		combined = append(combined, stamped...)
		t.Messages = Trim(combined)
		t.TotalTurns += int64(len(stamped))
		t.TotalChars += int64(batchChars)
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append to thread %s: %w", threadKey, err)
	}
	m.logger.Debug("thread memory appended",
		"tenant_id", tenantID,
		"thread_key", threadKey,
		"appended", len(stamped),
		"retained", len(mem.Messages),
	)
	return mem, nil
}

// SetSummary replaces the rolling summary text of a thread.
func (m *Manager) SetSummary(ctx context.Context, tenantID, threadKey, summary string) (*models.ThreadMemory, error) {
	now := m.now().UTC()
	mem, err := m.store.UpdateThread(ctx, tenantID, threadKey, func(t *models.ThreadMemory) error {
		s := summary
		t.SummaryText = &s
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set summary on thread %s: %w", threadKey, err)
	}
	return mem, nil
}

// GetThread is a pure read. It returns store.ErrNotFound-wrapped errors unchanged.
func (m *Manager) GetThread(ctx context.Context, tenantID, threadKey string) (*models.ThreadMemory, error) {
	return m.store.GetThread(ctx, tenantID, threadKey)
}

// ListThreads pages through a tenant's threads, most recently updated first.
func (m *Manager) ListThreads(ctx context.Context, tenantID string, skip, take int) ([]models.ThreadSummary, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 || take > 200 {
		take = 50
	}
	return m.store.ListThreads(ctx, tenantID, skip, take)
}

// Recent takes the newest n messages and keeps the user and assistant turns
// among them, oldest first.
func Recent(mem *models.ThreadMemory, n int) []models.MemoryMessage {
	if mem == nil || n <= 0 {
		return nil
	}
	tail := mem.Messages
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	out := make([]models.MemoryMessage, 0, len(tail))
	for _, m := range tail {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}
