// Package fanout invokes every enabled connector of a tenant concurrently and
// isolates failures so one broken integration never sinks the others.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"company-intel/internal/connector"
	"company-intel/internal/models"
	"company-intel/internal/result"
)

// Failure codes assigned by the executor itself, as opposed to by a connector.
const (
	CodeConfig = "CONFIG_ERROR"
	CodePanic  = "PANIC"
)

// StepRecorder persists one RunStep per connector invocation.
type StepRecorder interface {
	StartStep(ctx context.Context, runID, connector string, input any) (string, error)
	FinishStep(ctx context.Context, runID, stepID, connector string, res result.Result) error
}

// Outcome pairs a connector record with its normalized result.
type Outcome struct {
	Record models.ConnectorRecord
	Result result.Result
}

type buildFunc func(connector.Type, json.RawMessage, connector.Options) (connector.Connector, error)

// Executor runs connectors in parallel for one Run.
type Executor struct {
	steps  StepRecorder
	opts   connector.Options
	logger *slog.Logger
	build  buildFunc
}

func NewExecutor(steps StepRecorder, opts connector.Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{steps: steps, opts: opts, logger: logger, build: connector.Build}
}

type stepInput struct {
	Query       string `json:"query"`
	ConnectorID string `json:"connector_id"`
	Name        string `json:"name"`
}

// RunAll invokes every record and returns one outcome per record, in input
// order. Connector failures are data and never abort siblings. The returned
// error is the first persistence failure, reported only after every connector
// has finished.
func (e *Executor) RunAll(ctx context.Context, runID string, records []models.ConnectorRecord, query string) ([]Outcome, error) {
	out := make([]Outcome, len(records))
	var g errgroup.Group
	for i, rec := range records {
		g.Go(func() error {
			res, err := e.runOne(ctx, runID, rec, query)
			out[i] = Outcome{Record: rec, Result: res}
			return err
		})
	}
	err := g.Wait()
	return out, err
}

func (e *Executor) runOne(ctx context.Context, runID string, rec models.ConnectorRecord, query string) (result.Result, error) {
	source := sourceName(rec)
	ctx, span := otel.Tracer("company-intel/fanout").Start(ctx, "connector.enrich")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("connector.id", rec.ID),
		attribute.String("connector.type", source),
	)

	stepID, err := e.steps.StartStep(ctx, runID, source, stepInput{Query: query, ConnectorID: rec.ID, Name: rec.Name})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step create failed")
		return result.Err(source, "step create failed: "+err.Error(), result.Options{}), fmt.Errorf("create step for %s: %w", rec.ID, err)
	}

	res := e.invoke(ctx, rec, source, query)
	if !res.Success {
		span.SetStatus(codes.Error, res.ErrorMessage())
	}
	span.SetAttributes(attribute.Int("connector.items", len(res.Items)))

	if err := e.steps.FinishStep(ctx, runID, stepID, source, res); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("complete step %s: %w", stepID, err)
	}
	return res, nil
}

// invoke builds and runs one connector. It always returns a result.
func (e *Executor) invoke(ctx context.Context, rec models.ConnectorRecord, source, query string) (res result.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("connector panicked",
				"connector_id", rec.ID,
				"connector", source,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = result.Err(source, fmt.Sprintf("connector panicked: %v", r), result.Options{
				Code:     CodePanic,
				Duration: time.Since(start),
			})
		}
	}()

	if rec.DecryptErr != nil {
		return result.Err(source, "credentials unavailable: "+rec.DecryptErr.Error(), result.Options{
			Code:     CodeConfig,
			Duration: time.Since(start),
		})
	}
	t, err := connector.ParseType(rec.Type)
	if err != nil {
		return result.Err(source, err.Error(), result.Options{Code: CodeConfig, Duration: time.Since(start)})
	}
	c, err := e.build(t, rec.Config, e.opts)
	if err != nil {
		return result.Err(source, err.Error(), result.Options{Code: CodeConfig, Duration: time.Since(start)})
	}

	res = c.RunEnrichment(ctx, query)
	if res.Source == "" {
		res.Source = source
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res
}

func sourceName(rec models.ConnectorRecord) string {
	if t, err := connector.ParseType(rec.Type); err == nil {
		return string(t)
	}
	return rec.Type
}

// Counts reports how many connectors were invoked and how many failed.
func Counts(outcomes []Outcome) (invoked, failed int) {
	for _, o := range outcomes {
		if !o.Result.Success {
			failed++
		}
	}
	return len(outcomes), failed
}
