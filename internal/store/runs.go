package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"company-intel/internal/models"
)

// ErrRunNotRunning is returned when finalizing a Run that already left RUNNING.
var ErrRunNotRunning = errors.New("run is not running")

// CreateRunParams collects inputs required to open a Run.
type CreateRunParams struct {
	TenantID string
	JobID    string
	Trigger  string
	Input    any
}

// CreateRun inserts a Run directly in RUNNING.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, error) {
	input, err := json.Marshal(p.Input)
	if err != nil {
		return models.Run{}, fmt.Errorf("marshal run input: %w", err)
	}
	run := models.Run{
		ID:        uuid.New().String(),
		TenantID:  p.TenantID,
		JobID:     p.JobID,
		Trigger:   p.Trigger,
		Status:    models.RunRunning,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, tenant_id, job_id, trigger, status, input, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.TenantID, run.JobID, run.Trigger, run.Status, input, run.StartedAt)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinalizeRun moves a RUNNING Run to its terminal status. The status guard
// makes the terminal transition happen at most once.
func (s *Store) FinalizeRun(ctx context.Context, id string, status models.RunStatus, outputSummary *string, completedAt time.Time, durationMs int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, output_summary = $3, completed_at = $4, duration_ms = $5
		WHERE id = $1 AND status = $6
	`, id, status, outputSummary, completedAt, durationMs, models.RunRunning)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize run %s: %w", id, ErrRunNotRunning)
	}
	return nil
}

// FailRunningRunsForJob marks every still-RUNNING Run of a job FAILED. It is
// used when the queue reclaims a stalled lease.
func (s *Store) FailRunningRunsForJob(ctx context.Context, jobID, reason string) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE runs
		SET status = $2,
		    output_summary = $3,
		    completed_at = NOW(),
		    duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		WHERE job_id = $1 AND status = $4
		RETURNING id, tenant_id
	`, jobID, models.RunFailed, models.Truncate(reason, models.OutputSummaryLimit), models.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("fail running runs: %w", err)
	}
	defer rows.Close()
	var out []models.Run
	for rows.Next() {
		r := models.Run{JobID: jobID, Status: models.RunFailed}
		if err := rows.Scan(&r.ID, &r.TenantID); err != nil {
			return nil, fmt.Errorf("scan failed run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const runColumns = `id, tenant_id, job_id, trigger, status, input, output_summary, started_at, completed_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.Run, error) {
	var (
		r         models.Run
		input     []byte
		summary   pgtype.Text
		completed pgtype.Timestamptz
		duration  pgtype.Int8
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.JobID, &r.Trigger, &r.Status, &input, &summary, &r.StartedAt, &completed, &duration); err != nil {
		return models.Run{}, err
	}
	r.Input = input
	r.OutputSummary = textPtr(summary)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	r.DurationMs = int8Ptr(duration)
	return r, nil
}

// GetRun fetches a tenant's Run with its steps.
func (s *Store) GetRun(ctx context.Context, tenantID, id string) (models.Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	run, err := scanRun(row)
	if err != nil {
		return models.Run{}, notFound(err, "run")
	}
	steps, err := s.ListSteps(ctx, id)
	if err != nil {
		return models.Run{}, err
	}
	run.Steps = steps
	return run, nil
}

// ListRunsParams filters ListRuns. Zero values mean "any".
type ListRunsParams struct {
	TenantID string
	Status   models.RunStatus
	Limit    int
	Offset   int
}

// ListRuns returns a tenant's Runs, newest first, without steps.
func (s *Store) ListRuns(ctx context.Context, p ListRunsParams) ([]models.Run, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4
	`, p.TenantID, string(p.Status), p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateStep inserts a RunStep at RUNNING before the connector is invoked.
func (s *Store) CreateStep(ctx context.Context, runID, connector string, input any) (models.RunStep, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return models.RunStep{}, fmt.Errorf("marshal step input: %w", err)
	}
	step := models.RunStep{
		ID:        uuid.New().String(),
		RunID:     runID,
		Connector: connector,
		Status:    models.StepRunning,
		Input:     raw,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_steps (id, run_id, connector, status, input, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, step.ID, step.RunID, step.Connector, step.Status, raw, step.CreatedAt)
	if err != nil {
		return models.RunStep{}, fmt.Errorf("insert run step: %w", err)
	}
	return step, nil
}

// CompleteStep records the single completion update of a RunStep.
func (s *Store) CompleteStep(ctx context.Context, id string, status models.StepStatus, output any, errMsg *string, durationMs int64) error {
	var raw []byte
	if output != nil {
		var err error
		if raw, err = json.Marshal(output); err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE run_steps
		SET status = $2, output = $3, error_message = $4, duration_ms = $5
		WHERE id = $1 AND status = $6
	`, id, status, raw, errMsg, durationMs, models.StepRunning)
	if err != nil {
		return fmt.Errorf("complete run step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run step %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSteps returns a Run's steps in creation order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]models.RunStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, connector, status, input, output, error_message, duration_ms, created_at
		FROM run_steps WHERE run_id = $1 ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()
	var out []models.RunStep
	for rows.Next() {
		var (
			st       models.RunStep
			input    []byte
			output   []byte
			errMsg   pgtype.Text
			duration pgtype.Int8
		)
		if err := rows.Scan(&st.ID, &st.RunID, &st.Connector, &st.Status, &input, &output, &errMsg, &duration, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run step: %w", err)
		}
		st.Input, st.Output = input, output
		st.ErrorMessage = textPtr(errMsg)
		st.DurationMs = int8Ptr(duration)
		out = append(out, st)
	}
	return out, rows.Err()
}
