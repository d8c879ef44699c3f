// Package pipeline runs one enrichment job end to end: gather evidence from the
// tenant's connectors, answer with the tenant's LLM chain, reply in Slack and
// remember the exchange.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"company-intel/internal/archive"
	"company-intel/internal/fanout"
	"company-intel/internal/llm"
	"company-intel/internal/models"
	"company-intel/internal/result"
	"company-intel/internal/telemetry"
)

// Error log sources.
const (
	SourcePipeline = "pipeline"
	SourceLLM      = "pipeline/llm"
	SourceReply    = "pipeline/reply"
	SourceArchive  = "pipeline/archive"
)

const sideEffectTimeout = 10 * time.Second

type Credentials interface {
	EnabledConnectors(ctx context.Context, tenantID string) ([]models.ConnectorRecord, error)
	ProviderChain(ctx context.Context, tenantID string) ([]models.ProviderConfig, error)
	SlackBotToken(ctx context.Context, tenantID, teamID string) (string, error)
}

type Memory interface {
	GetOrCreate(ctx context.Context, tenantID, threadKey string) (*models.ThreadMemory, error)
	Append(ctx context.Context, tenantID, threadKey string, msgs ...models.MemoryMessage) (*models.ThreadMemory, error)
}

type Tracker interface {
	Open(ctx context.Context, job models.EnrichmentJob) (models.Run, error)
	Finalize(ctx context.Context, run *models.Run, invoked, failed int, response string) error
	Fail(ctx context.Context, run *models.Run, cause error) error
}

type Fanout interface {
	RunAll(ctx context.Context, runID string, records []models.ConnectorRecord, query string) ([]fanout.Outcome, error)
}

type Chatter interface {
	Chat(ctx context.Context, providers []models.ProviderConfig, req llm.Request) (llm.Response, error)
}

type Replier interface {
	PostReply(ctx context.Context, token string, dest models.SlackContext, text string) error
}

type ErrorLogger interface {
	InsertErrorLog(ctx context.Context, e models.ErrorLog) error
}

type Archiver interface {
	Archive(ctx context.Context, t archive.Transcript) (string, error)
}

// Deps wires the orchestrator. Archive may be nil.
type Deps struct {
	Credentials Credentials
	Memory      Memory
	Tracker     Tracker
	Fanout      Fanout
	LLM         Chatter
	Reply       Replier
	Errors      ErrorLogger
	Archive     Archiver
	Logger      *slog.Logger

	MaxTokens   int
	Temperature float64
}

// Outcome is what the queue transport gets back for logging and metrics.
type Outcome struct {
	RunID     string
	Status    models.RunStatus
	Succeeded int
	Failed    int
	Provider  string
	Duration  time.Duration
}

type Orchestrator struct {
	d Deps
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{d: d}
}

// Process runs the job. A returned error means the attempt should be retried
// by the transport; when a Run was opened it has already been marked FAILED.
func (o *Orchestrator) Process(ctx context.Context, job models.EnrichmentJob) (out Outcome, err error) {
	start := time.Now()
	ctx, span := otel.Tracer("company-intel/pipeline").Start(ctx, "enrichment.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", job.TenantID),
		attribute.String("thread.key", job.ThreadKey),
		attribute.String("run.trigger", job.Trigger()),
	)
	log := o.d.Logger.With("tenant_id", job.TenantID, "thread_key", job.ThreadKey, "job_id", job.ID())

	run, err := o.d.Tracker.Open(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open run")
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("run.id", run.ID))
	log = log.With("run_id", run.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline panic: %v", r)
		}
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := o.d.Tracker.Fail(ctx, &run, err); ferr != nil {
			log.Error("mark run failed", "err", ferr)
		}
		o.recordError(ctx, job, run.ID, SourcePipeline, err)
		out = Outcome{RunID: run.ID, Status: models.RunFailed, Duration: time.Since(start)}
	}()

	token := o.resolveReplyToken(ctx, log, job)

	records, err := o.d.Credentials.EnabledConnectors(ctx, job.TenantID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load connectors: %w", err)
	}
	log.Info("loaded connectors", "count", len(records))

	mem, err := o.d.Memory.GetOrCreate(ctx, job.TenantID, job.ThreadKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("load thread memory: %w", err)
	}

	outcomes, err := o.d.Fanout.RunAll(ctx, run.ID, records, job.UserMessage)
	if err != nil {
		return Outcome{}, fmt.Errorf("fan out: %w", err)
	}
	invoked, failed := fanout.Counts(outcomes)

	resp := o.answer(ctx, log, job, run.ID, BuildRequest(mem, job.UserMessage, outcomes))

	if job.Slack != nil && token != "" {
		o.reply(ctx, log, job, run.ID, token, resp.Text)
	}

	if _, err = o.d.Memory.Append(ctx, job.TenantID, job.ThreadKey,
		models.MemoryMessage{Role: models.RoleUser, Content: job.UserMessage},
		models.MemoryMessage{Role: models.RoleAssistant, Content: resp.Text},
	); err != nil {
		return Outcome{}, fmt.Errorf("append thread memory: %w", err)
	}

	if err = o.d.Tracker.Finalize(ctx, &run, invoked, failed, resp.Text); err != nil {
		return Outcome{}, err
	}

	o.archive(ctx, log, job, run, outcomes, resp)

	out = Outcome{
		RunID:     run.ID,
		Status:    run.Status,
		Succeeded: invoked - failed,
		Failed:    failed,
		Provider:  resp.Provider,
		Duration:  time.Since(start),
	}
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	log.Info("enrichment finished",
		"status", out.Status,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"provider", out.Provider,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out, nil
}

// resolveReplyToken returns "" when the job has no Slack origin or the
// workspace cannot be resolved; the reply step is then skipped.
func (o *Orchestrator) resolveReplyToken(ctx context.Context, log *slog.Logger, job models.EnrichmentJob) string {
	if job.Slack == nil || job.Slack.TeamID == "" {
		return ""
	}
	token, err := o.d.Credentials.SlackBotToken(ctx, job.TenantID, job.Slack.TeamID)
	if err != nil {
		log.Warn("slack workspace unavailable, reply disabled", "team_id", job.Slack.TeamID, "err", err)
		return ""
	}
	return token
}

// answer never fails: any LLM-side error yields the apology text.
func (o *Orchestrator) answer(ctx context.Context, log *slog.Logger, job models.EnrichmentJob, runID string, req llm.Request) llm.Response {
	ctx, span := otel.Tracer("company-intel/pipeline").Start(ctx, "llm.chat")
	defer span.End()

	req.MaxTokens = o.d.MaxTokens
	req.Temperature = o.d.Temperature

	providers, err := o.d.Credentials.ProviderChain(ctx, job.TenantID)
	if err == nil {
		var resp llm.Response
		resp, err = o.chat(ctx, log, providers, req)
		if err == nil {
			span.SetAttributes(
				attribute.String("llm.provider", resp.Provider),
				attribute.String("llm.model", resp.Model),
				attribute.Int("llm.attempts", resp.Attempts),
			)
			log.Info("llm responded", "provider", resp.Provider, "model", resp.Model, "attempts", resp.Attempts)
			return resp
		}
	} else {
		err = fmt.Errorf("load provider chain: %w", err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "llm failed")
	if errors.Is(err, llm.ErrNoProviders) {
		log.Warn("no llm provider configured", "err", err)
	} else {
		log.Error("llm call failed", "err", err)
	}
	o.recordError(ctx, job, runID, SourceLLM, err)
	return llm.Response{Text: Apology}
}

func (o *Orchestrator) archive(ctx context.Context, log *slog.Logger, job models.EnrichmentJob, run models.Run, outcomes []fanout.Outcome, resp llm.Response) {
	if o.d.Archive == nil {
		return
	}
	results := make([]result.Result, len(outcomes))
	for i, oc := range outcomes {
		results[i] = oc.Result
	}
	finished := time.Now().UTC()
	if run.CompletedAt != nil {
		finished = *run.CompletedAt
	}
	loc, err := o.d.Archive.Archive(ctx, archive.Transcript{
		RunID:      run.ID,
		TenantID:   run.TenantID,
		ThreadKey:  job.ThreadKey,
		Status:     run.Status,
		Job:        job,
		Results:    results,
		Provider:   resp.Provider,
		Model:      resp.Model,
		Response:   resp.Text,
		FinishedAt: finished,
	})
	if err != nil {
		log.Warn("archive transcript", "err", err)
		o.recordError(ctx, job, run.ID, SourceArchive, err)
		return
	}
	if loc != "" {
		log.Debug("transcript archived", "location", loc)
	}
}

// recordError writes an error_logs row. Failures here are only logged.
func (o *Orchestrator) recordError(ctx context.Context, job models.EnrichmentJob, runID, source string, cause error) {
	if o.d.Errors == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	rid := runID
	entry := models.ErrorLog{
		TenantID: job.TenantID,
		RunID:    &rid,
		Source:   source,
		Message:  cause.Error(),
		Metadata: map[string]any{"job_id": job.ID(), "thread_key": job.ThreadKey},
	}
	if err := o.d.Errors.InsertErrorLog(ctx, entry); err != nil {
		o.d.Logger.Error("write error log", "source", source, "run_id", runID, "err", err)
	}
}

// chat runs the fallback chain. A panic in a provider client is reported as a
// chain failure so the Run still completes with the apology.
func (o *Orchestrator) chat(ctx context.Context, log *slog.Logger, providers []models.ProviderConfig, req llm.Request) (resp llm.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("llm provider panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("llm panic: %v", r)
		}
	}()
	return o.d.LLM.Chat(ctx, providers, req)
}

// reply posts the answer in the origin thread. Failures, including panics,
// are logged and recorded but never fail the Run.
func (o *Orchestrator) reply(ctx context.Context, log *slog.Logger, job models.EnrichmentJob, runID, token, text string) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("slack reply panicked", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("reply panic: %v", r)
			}
		}()
		return o.d.Reply.PostReply(ctx, token, *job.Slack, text)
	}()
	if err != nil {
		telemetry.ReplyFailures.Inc()
		log.Error("post slack reply", "channel", job.Slack.ChannelID, "err", err)
		o.recordError(ctx, job, runID, SourceReply, err)
		return
	}
	log.Info("slack reply posted", "channel", job.Slack.ChannelID)
}
