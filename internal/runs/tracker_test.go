package runs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"company-intel/internal/models"
	"company-intel/internal/result"
	"company-intel/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	runs  map[string]models.Run
	steps map[string]models.RunStep
	seq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]models.Run{}, steps: map[string]models.RunStep{}}
}

func (f *fakeStore) CreateRun(_ context.Context, p store.CreateRunParams) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	r := models.Run{ID: "run-" + string(rune('0'+f.seq)), TenantID: p.TenantID, JobID: p.JobID, Trigger: p.Trigger, Status: models.RunRunning, StartedAt: time.Now().Add(-time.Second)}
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeStore) FinalizeRun(_ context.Context, id string, status models.RunStatus, summary *string, at time.Time, ms int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[id]
	if r.Status != models.RunRunning {
		return store.ErrRunNotRunning
	}
	r.Status, r.OutputSummary, r.CompletedAt, r.DurationMs = status, summary, &at, &ms
	f.runs[id] = r
	return nil
}

func (f *fakeStore) CreateStep(_ context.Context, runID, connector string, _ any) (models.RunStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	s := models.RunStep{ID: "step-" + connector, RunID: runID, Connector: connector, Status: models.StepRunning}
	f.steps[s.ID] = s
	return s, nil
}

func (f *fakeStore) CompleteStep(_ context.Context, id string, status models.StepStatus, _ any, errMsg *string, ms int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.steps[id]
	s.Status, s.ErrorMessage, s.DurationMs = status, errMsg, &ms
	f.steps[id] = s
	return nil
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		invoked, failed int
		want            models.RunStatus
	}{
		{0, 0, models.RunCompleted},
		{3, 0, models.RunCompleted},
		{3, 1, models.RunDegraded},
		{3, 3, models.RunDegraded},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveStatus(tc.invoked, tc.failed), "%d/%d", tc.failed, tc.invoked)
	}
}

func TestOpenFinalizeEmitsEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fs := newFakeStore()
	tr := NewTracker(fs, logger)
	ctx := context.Background()

	run, err := tr.Open(ctx, models.EnrichmentJob{TenantID: "t1", ThreadKey: "T1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, models.TriggerAPI, run.Trigger)

	stepID, err := tr.StartStep(ctx, run.ID, "SLACK", map[string]string{"query": "q"})
	require.NoError(t, err)
	require.NoError(t, tr.FinishStep(ctx, run.ID, stepID, "SLACK", result.Err("SLACK", "boom", result.Options{})))
	assert.Equal(t, models.StepFailed, fs.steps[stepID].Status)

	require.NoError(t, tr.Finalize(ctx, &run, 2, 1, strings.Repeat("r", 900)))
	assert.Equal(t, models.RunDegraded, run.Status)
	assert.Len(t, []rune(*run.OutputSummary), models.OutputSummaryLimit)
	assert.NotNil(t, run.DurationMs)

	out := buf.String()
	assert.Contains(t, out, `"msg":"run transition"`)
	assert.Contains(t, out, `"status":"DEGRADED"`)
	assert.Contains(t, out, `"connector":"SLACK"`)

	// A terminal status is assigned exactly once.
	assert.ErrorIs(t, tr.Fail(ctx, &run, errors.New("late")), store.ErrRunNotRunning)
}

func TestFailPersistsWithCancelledContext(t *testing.T) {
	fs := newFakeStore()
	tr := NewTracker(fs, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	run, err := tr.Open(context.Background(), models.EnrichmentJob{TenantID: "t1", ThreadKey: "T1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Fail(ctx, &run, errors.New("postgres went away")))
	assert.Equal(t, models.RunFailed, fs.runs[run.ID].Status)
	assert.Contains(t, *fs.runs[run.ID].OutputSummary, "postgres went away")
}
