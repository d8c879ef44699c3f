package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"company-intel/internal/config"
	"company-intel/internal/models"
	"company-intel/internal/queue"
	"company-intel/internal/telemetry"
)

// GlobalRateKey is the token bucket key shared by every worker process.
const GlobalRateKey = "jobs:global"

const bookkeepingTimeout = 10 * time.Second

// Handler executes one enrichment job. A nil error acknowledges the job; an
// error schedules a retry until the attempt budget is spent.
type Handler func(ctx context.Context, job models.EnrichmentJob) error

// RunFailer marks Runs orphaned by a stalled job as FAILED.
type RunFailer interface {
	FailRunningRunsForJob(ctx context.Context, jobID, reason string) ([]models.Run, error)
}

// Throttle is the global job rate limit.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	runs     RunFailer
	throttle Throttle
	handler  Handler
	logger   *slog.Logger
	workerID string
}

// NewProcessor builds a processor. runs and throttle may be nil.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, runs RunFailer, throttle Throttle, handler Handler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{cfg: cfg, queue: q, runs: runs, throttle: throttle, handler: handler, logger: logger}
}

// WithWorkerID tags log lines with an identifier for this process.
func (p *Processor) WithWorkerID(id string) *Processor {
	p.workerID = id
	if id != "" {
		p.logger = p.logger.With("worker_id", id)
	}
	return p
}

// Run starts the main worker loop until context cancellation. At most
// WorkerConcurrency jobs run at once; Run waits for them before returning.
func (p *Processor) Run(ctx context.Context) error {
	slots := make(chan struct{}, p.cfg.WorkerConcurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	p.logger.Info("worker started", "concurrency", p.cfg.WorkerConcurrency, "max_attempts", p.cfg.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slots <- struct{}{}:
		}
		release := func() { <-slots }

		p.housekeep(ctx, time.Now())

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			release()
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("dequeue failed", "err", err)
			}
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		if p.throttle != nil {
			if err := p.throttle.Wait(ctx, GlobalRateKey); err != nil {
				if ctx.Err() != nil {
					// The lease expires and the job is reclaimed.
					release()
					return ctx.Err()
				}
				p.logger.Warn("rate limiter unavailable, proceeding", "err", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			p.process(ctx, jobID)
		}()
	}
}

// housekeep promotes due retries, reclaims expired leases and refreshes gauges.
func (p *Processor) housekeep(ctx context.Context, now time.Time) {
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled", "err", err)
	}
	p.reclaim(ctx, now)
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// reclaim requeues stalled jobs and fails any Run they left RUNNING.
func (p *Processor) reclaim(ctx context.Context, now time.Time) {
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("requeue expired", "err", err)
		}
		return
	}
	for _, id := range reclaimed {
		telemetry.StalledJobs.Inc()
		p.logger.Warn("job stalled, lease reclaimed", "job_id", id)
		if p.runs == nil {
			continue
		}
		failed, err := p.runs.FailRunningRunsForJob(ctx, id, "job stalled: lease expired")
		if err != nil {
			p.logger.Error("fail stalled runs", "job_id", id, "err", err)
			continue
		}
		for _, r := range failed {
			p.logger.Warn("run transition", "tenant_id", r.TenantID, "run_id", r.ID, "status", r.Status, "reason", "stalled")
		}
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	// Queue bookkeeping must land even when shutdown cancels ctx.
	bg := context.WithoutCancel(ctx)
	log := p.logger.With("job_id", jobID)

	d, err := p.queue.Load(ctx, jobID)
	if errors.Is(err, queue.ErrJobMissing) {
		log.Warn("leased job has no payload, dropping")
		_ = p.queue.Ack(bg, jobID)
		return
	}
	if err != nil {
		log.Error("load job", "err", err)
		return
	}
	if d.Attempts, err = p.queue.RecordAttempt(ctx, jobID); err != nil {
		log.Error("record attempt", "err", err)
		return
	}
	log = log.With("tenant_id", d.Job.TenantID, "attempt", d.Attempts)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stop := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, jobID)
	err = p.runJob(ctx, d.Job)
	stop()

	bctx, cancel := context.WithTimeout(bg, bookkeepingTimeout)
	defer cancel()

	if err == nil {
		if aerr := p.queue.Ack(bctx, jobID); aerr != nil {
			log.Error("ack job", "err", aerr)
		}
		telemetry.WorkerSuccess.Inc()
		return
	}

	if d.Attempts >= p.cfg.MaxAttempts {
		if derr := p.queue.DeadLetter(bctx, d, err.Error()); derr != nil {
			log.Error("dead letter job", "err", derr)
		}
		telemetry.WorkerDeadLetter.Inc()
		log.Error("job dead-lettered", "err", err)
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, d.Attempts))
	if serr := p.queue.Schedule(bctx, jobID, nextRun); serr != nil {
		log.Error("schedule retry", "err", serr)
	}
	telemetry.WorkerFailures.Inc()
	log.Warn("job failed, retry scheduled", "err", err, "next_run", nextRun.UTC().Format(time.RFC3339))
}

// runJob executes the handler and converts a panic into an error.
func (p *Processor) runJob(ctx context.Context, job models.EnrichmentJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if p.handler == nil {
		return errors.New("no handler registered")
	}
	return p.handler(ctx, job)
}

// heartbeat keeps the lease alive while the handler runs.
func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(p.cfg.VisibilityTimeout / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				p.logger.Warn("extend lease", "job_id", jobID, "err", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
