package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_jobs_enqueued_total", Help: "Jobs accepted by the producer"}, []string{"result"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_jobs_completed_total", Help: "Jobs acknowledged as consumed"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_jobs_failed_total", Help: "Job attempts that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	StalledJobs      = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_jobs_stalled_total", Help: "Leases reclaimed after the visibility timeout"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrichment_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrichment_jobs_inflight", Help: "Jobs currently being processed by this worker"})

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichment_runs_total",
		Help: "Runs by terminal status",
	}, []string{"status"})
	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrichment_run_duration_seconds",
		Help:    "Wall time of a Run from open to terminal status",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"status"})
	StepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichment_steps_total",
		Help: "Connector invocations by outcome",
	}, []string{"connector", "status"})
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrichment_step_duration_seconds",
		Help:    "Connector invocation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"connector"})
	ProviderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichment_llm_provider_calls_total",
		Help: "LLM provider attempts by outcome",
	}, []string{"provider", "outcome"})
	ProviderDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrichment_llm_provider_duration_seconds",
		Help:    "LLM provider call latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider"})
	ReplyFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_reply_failures_total", Help: "Reply dispatches that failed"})
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			StalledJobs,
			QueueDepthGauge,
			InFlightGauge,
			RunsTotal,
			RunDuration,
			StepsTotal,
			StepDuration,
			ProviderCalls,
			ProviderDuration,
			ReplyFailures,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// ProviderObserver records LLM provider attempts. It satisfies llm.Observer.
type ProviderObserver struct{}

func (ProviderObserver) ProviderAttempt(provider string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ProviderCalls.WithLabelValues(provider, outcome).Inc()
	ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
}
