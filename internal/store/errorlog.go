package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"company-intel/internal/models"
)

// InsertErrorLog records an operator-visible failure.
func (s *Store) InsertErrorLog(ctx context.Context, e models.ErrorLog) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal error metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_logs (id, tenant_id, run_id, source, message, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TenantID, e.RunID, e.Source, e.Message, meta, e.Recorded)
	if err != nil {
		return fmt.Errorf("insert error log: %w", err)
	}
	return nil
}

// ListErrorLogs returns a tenant's most recent error rows.
func (s *Store) ListErrorLogs(ctx context.Context, tenantID string, limit int) ([]models.ErrorLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, run_id::text, source, message, metadata, recorded_at
		FROM error_logs WHERE tenant_id = $1
		ORDER BY recorded_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()
	out := []models.ErrorLog{}
	for rows.Next() {
		var (
			e     models.ErrorLog
			runID pgtype.Text
			meta  []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &runID, &e.Source, &e.Message, &meta, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		e.RunID = textPtr(runID)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal error metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
