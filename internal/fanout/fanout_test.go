package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"company-intel/internal/connector"
	"company-intel/internal/models"
	"company-intel/internal/result"
)

type recordedStep struct {
	connector string
	input     any
	result    *result.Result
}

type fakeSteps struct {
	mu        sync.Mutex
	steps     map[string]*recordedStep
	failStart bool
	seq       int
}

func (f *fakeSteps) StartStep(_ context.Context, _ string, conn string, input any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return "", errors.New("db down")
	}
	if f.steps == nil {
		f.steps = map[string]*recordedStep{}
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", conn, f.seq)
	f.steps[id] = &recordedStep{connector: conn, input: input}
	return id, nil
}

func (f *fakeSteps) FinishStep(_ context.Context, _ string, stepID, _ string, res result.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[stepID].result = &res
	return nil
}

type stubConnector struct {
	t   connector.Type
	run func(ctx context.Context, q string) result.Result
}

func (s stubConnector) Type() connector.Type                 { return s.t }
func (s stubConnector) TestConnection(context.Context) error { return nil }
func (s stubConnector) RunEnrichment(ctx context.Context, q string) result.Result {
	return s.run(ctx, q)
}

func stubBuild(byType map[connector.Type]func(context.Context, string) result.Result) buildFunc {
	return func(t connector.Type, _ json.RawMessage, _ connector.Options) (connector.Connector, error) {
		run, ok := byType[t]
		if !ok {
			return nil, connector.ErrInvalidConfig
		}
		return stubConnector{t: t, run: run}, nil
	}
}

func TestRunAllIsolatesPanicsAndFailures(t *testing.T) {
	steps := &fakeSteps{}
	ex := NewExecutor(steps, connector.Options{}, nil)
	ex.build = stubBuild(map[connector.Type]func(context.Context, string) result.Result{
		connector.TypeSlack: func(context.Context, string) result.Result {
			return result.OK("SLACK", []result.Item{{Label: "a"}, {Label: "b"}}, result.Options{})
		},
		connector.TypeWooCommerce: func(context.Context, string) result.Result {
			panic("nil map write")
		},
		connector.TypeGmail: func(context.Context, string) result.Result {
			return result.Err("GMAIL", "token expired", result.Options{Code: "HTTP_401"})
		},
	})

	records := []models.ConnectorRecord{
		{ID: "c1", Type: "SLACK", Name: "workspace"},
		{ID: "c2", Type: "woocommerce", Name: "shop"},
		{ID: "c3", Type: "GMAIL", Name: "inbox"},
	}
	out, err := ex.RunAll(context.Background(), "run-1", records, "order 42")
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.True(t, out[0].Result.Success)
	assert.Len(t, out[0].Result.Items, 2)

	assert.False(t, out[1].Result.Success)
	assert.Equal(t, CodePanic, out[1].Result.Error.Code)
	assert.Equal(t, "WOOCOMMERCE", out[1].Result.Source)

	assert.False(t, out[2].Result.Success)
	assert.Equal(t, "c3", out[2].Record.ID)

	invoked, failed := Counts(out)
	assert.Equal(t, 3, invoked)
	assert.Equal(t, 2, failed)

	require.Len(t, steps.steps, 3)
	for _, s := range steps.steps {
		require.NotNil(t, s.result, "step %s never completed", s.connector)
		in := s.input.(stepInput)
		assert.Equal(t, "order 42", in.Query)
	}
}

func TestRunAllConfigErrors(t *testing.T) {
	ex := NewExecutor(&fakeSteps{}, connector.Options{}, nil)
	ex.build = stubBuild(nil)

	out, err := ex.RunAll(context.Background(), "run-1", []models.ConnectorRecord{
		{ID: "c1", Type: "SLACK", DecryptErr: errors.New("bad tag")},
		{ID: "c2", Type: "FAX"},
		{ID: "c3", Type: "TRACKPOD"},
	}, "q")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, CodeConfig, out[0].Result.Error.Code)
	assert.Contains(t, out[0].Result.Error.Message, "bad tag")
	assert.Equal(t, CodeConfig, out[1].Result.Error.Code)
	assert.Equal(t, "FAX", out[1].Result.Source)
	assert.Equal(t, CodeConfig, out[2].Result.Error.Code)
}

func TestRunAllRunsConcurrently(t *testing.T) {
	ex := NewExecutor(&fakeSteps{}, connector.Options{}, nil)
	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	wait := func(context.Context, string) result.Result {
		wg.Done()
		<-gate
		return result.OK("X", nil, result.Options{})
	}
	ex.build = stubBuild(map[connector.Type]func(context.Context, string) result.Result{
		connector.TypeSlack: wait,
		connector.TypeGmail: wait,
	})
	go func() {
		wg.Wait()
		close(gate)
	}()

	done := make(chan struct{})
	go func() {
		_, _ = ex.RunAll(context.Background(), "r", []models.ConnectorRecord{{ID: "a", Type: "SLACK"}, {ID: "b", Type: "GMAIL"}}, "q")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectors did not run in parallel")
	}
}

func TestRunAllReportsPersistenceFailure(t *testing.T) {
	ex := NewExecutor(&fakeSteps{failStart: true}, connector.Options{}, nil)
	ex.build = stubBuild(nil)
	out, err := ex.RunAll(context.Background(), "r", []models.ConnectorRecord{{ID: "a", Type: "SLACK"}}, "q")
	require.Error(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Result.Success)
}
