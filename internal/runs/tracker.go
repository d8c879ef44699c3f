// Package runs records one pipeline execution (Run) and its per-connector
// sub-executions (RunStep), and derives the terminal status of a Run.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"company-intel/internal/models"
	"company-intel/internal/result"
	"company-intel/internal/store"
	"company-intel/internal/telemetry"
)

// persistTimeout bounds the writes made on failure paths, where the caller's
// context may already be cancelled.
const persistTimeout = 10 * time.Second

// Store is the persistence the tracker needs.
type Store interface {
	CreateRun(ctx context.Context, p store.CreateRunParams) (models.Run, error)
	FinalizeRun(ctx context.Context, id string, status models.RunStatus, outputSummary *string, completedAt time.Time, durationMs int64) error
	CreateStep(ctx context.Context, runID, connector string, input any) (models.RunStep, error)
	CompleteStep(ctx context.Context, id string, status models.StepStatus, output any, errMsg *string, durationMs int64) error
}

// DeriveStatus maps connector outcomes to a terminal Run status. Any failed
// source degrades the Run; zero connectors count as zero failures.
func DeriveStatus(invoked, failed int) models.RunStatus {
	if failed <= 0 || invoked <= 0 {
		return models.RunCompleted
	}
	return models.RunDegraded
}

// Tracker owns Run and RunStep transitions and emits one structured event per
// transition.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(st Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, logger: logger, now: time.Now}
}

// Open creates the Run directly in RUNNING.
func (t *Tracker) Open(ctx context.Context, job models.EnrichmentJob) (models.Run, error) {
	run, err := t.store.CreateRun(ctx, store.CreateRunParams{
		TenantID: job.TenantID,
		JobID:    job.ID(),
		Trigger:  job.Trigger(),
		Input:    job,
	})
	if err != nil {
		return models.Run{}, fmt.Errorf("open run: %w", err)
	}
	t.logger.Info("run transition",
		"tenant_id", run.TenantID,
		"run_id", run.ID,
		"job_id", run.JobID,
		"status", run.Status,
	)
	return run, nil
}

// Finalize assigns the terminal status derived from the connector outcomes and
// stores the truncated response text.
func (t *Tracker) Finalize(ctx context.Context, run *models.Run, invoked, failed int, response string) error {
	status := DeriveStatus(invoked, failed)
	summary := models.Truncate(response, models.OutputSummaryLimit)
	return t.finish(ctx, run, status, &summary)
}

// Fail marks the Run FAILED. It persists even when ctx is already cancelled.
func (t *Tracker) Fail(ctx context.Context, run *models.Run, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	summary := models.Truncate("pipeline error: "+cause.Error(), models.OutputSummaryLimit)
	return t.finish(ctx, run, models.RunFailed, &summary)
}

func (t *Tracker) finish(ctx context.Context, run *models.Run, status models.RunStatus, summary *string) error {
	completed := t.now().UTC()
	duration := completed.Sub(run.StartedAt).Milliseconds()
	if err := t.store.FinalizeRun(ctx, run.ID, status, summary, completed, duration); err != nil {
		return fmt.Errorf("finalize run %s as %s: %w", run.ID, status, err)
	}
	run.Status = status
	run.OutputSummary = summary
	run.CompletedAt = &completed
	run.DurationMs = &duration

	telemetry.RunsTotal.WithLabelValues(string(status)).Inc()
	telemetry.RunDuration.WithLabelValues(string(status)).Observe(float64(duration) / 1000)
	level := slog.LevelInfo
	if status == models.RunFailed {
		level = slog.LevelError
	}
	t.logger.Log(ctx, level, "run transition",
		"tenant_id", run.TenantID,
		"run_id", run.ID,
		"status", status,
		"duration_ms", duration,
	)
	return nil
}

// StartStep records a RunStep at RUNNING before the connector is invoked.
func (t *Tracker) StartStep(ctx context.Context, runID, connector string, input any) (string, error) {
	step, err := t.store.CreateStep(ctx, runID, connector, input)
	if err != nil {
		return "", err
	}
	t.logger.Debug("step transition",
		"run_id", runID,
		"step_id", step.ID,
		"connector", connector,
		"status", step.Status,
	)
	return step.ID, nil
}

// FinishStep applies the single completion update of a RunStep from the
// connector's normalized result.
func (t *Tracker) FinishStep(ctx context.Context, runID, stepID, connector string, res result.Result) error {
	status := models.StepCompleted
	var errMsg *string
	if !res.Success {
		status = models.StepFailed
		m := res.ErrorMessage()
		errMsg = &m
	}
	if err := t.store.CompleteStep(ctx, stepID, status, res, errMsg, res.DurationMs); err != nil {
		return err
	}
	telemetry.StepsTotal.WithLabelValues(connector, string(status)).Inc()
	telemetry.StepDuration.WithLabelValues(connector).Observe(float64(res.DurationMs) / 1000)

	attrs := []any{
		"run_id", runID,
		"step_id", stepID,
		"connector", connector,
		"status", status,
		"duration_ms", res.DurationMs,
	}
	if errMsg != nil {
		t.logger.Warn("step transition", append(attrs, "err", *errMsg)...)
	} else {
		t.logger.Info("step transition", append(attrs, "items", len(res.Items))...)
	}
	return nil
}
