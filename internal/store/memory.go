package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"company-intel/internal/models"
)

const threadColumns = `id, tenant_id, thread_key, messages, summary_text, total_turns, total_chars, created_at, updated_at`

func scanThread(row rowScanner) (*models.ThreadMemory, error) {
	var (
		t       models.ThreadMemory
		msgs    []byte
		summary pgtype.Text
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.ThreadKey, &msgs, &summary, &t.TotalTurns, &t.TotalChars, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		if err := json.Unmarshal(msgs, &t.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal thread messages: %w", err)
		}
	}
	if t.Messages == nil {
		t.Messages = []models.MemoryMessage{}
	}
	t.SummaryText = textPtr(summary)
	return &t, nil
}

// UpdateThread creates the thread row if needed, locks it with SELECT ... FOR
// UPDATE and writes back whatever fn leaves in the record. Concurrent writers
// to the same (tenant, thread) are serialized by the row lock.
func (s *Store) UpdateThread(ctx context.Context, tenantID, threadKey string, fn func(*models.ThreadMemory) error) (*models.ThreadMemory, error) {
	var out *models.ThreadMemory
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO thread_memory (id, tenant_id, thread_key)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, thread_key) DO NOTHING
		`, uuid.New().String(), tenantID, threadKey); err != nil {
			return fmt.Errorf("ensure thread: %w", err)
		}

		t, err := scanThread(tx.QueryRow(ctx, `
			SELECT `+threadColumns+` FROM thread_memory
			WHERE tenant_id = $1 AND thread_key = $2
			FOR UPDATE
		`, tenantID, threadKey))
		if err != nil {
			return notFound(err, "thread")
		}
		if err := fn(t); err != nil {
			return err
		}

		msgs, err := json.Marshal(t.Messages)
		if err != nil {
			return fmt.Errorf("marshal thread messages: %w", err)
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, `
			UPDATE thread_memory
			SET messages = $2, summary_text = $3, total_turns = $4, total_chars = $5, updated_at = $6
			WHERE id = $1
		`, t.ID, msgs, t.SummaryText, t.TotalTurns, t.TotalChars, t.UpdatedAt); err != nil {
			return fmt.Errorf("update thread: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetThread is a read-only lookup.
func (s *Store) GetThread(ctx context.Context, tenantID, threadKey string) (*models.ThreadMemory, error) {
	t, err := scanThread(s.pool.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM thread_memory WHERE tenant_id = $1 AND thread_key = $2
	`, tenantID, threadKey))
	if err != nil {
		return nil, notFound(err, "thread "+threadKey)
	}
	return t, nil
}

// ListThreads pages through a tenant's threads by most recent update.
func (s *Store) ListThreads(ctx context.Context, tenantID string, skip, take int) ([]models.ThreadSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_key, summary_text, total_turns, total_chars, updated_at
		FROM thread_memory
		WHERE tenant_id = $1
		ORDER BY updated_at DESC
		OFFSET $2 LIMIT $3
	`, tenantID, skip, take)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	out := []models.ThreadSummary{}
	for rows.Next() {
		var (
			ts      models.ThreadSummary
			summary pgtype.Text
		)
		if err := rows.Scan(&ts.ID, &ts.ThreadKey, &summary, &ts.TotalTurns, &ts.TotalChars, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread summary: %w", err)
		}
		ts.SummaryText = textPtr(summary)
		out = append(out, ts)
	}
	return out, rows.Err()
}
