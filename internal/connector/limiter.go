package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"company-intel/internal/result"
)

// Limiters hands out one process-wide token bucket per connector type so that
// concurrent runs do not hammer the same third-party host.
type Limiters struct {
	mu       sync.Mutex
	perType  map[Type]*rate.Limiter
	rps      float64
	burst    int
	override map[Type]rate.Limit
}

// NewLimiters allows rps requests per second per type with the given burst.
func NewLimiters(rps float64, burst int) *Limiters {
	if burst <= 0 {
		burst = 1
	}
	return &Limiters{
		perType:  make(map[Type]*rate.Limiter),
		rps:      rps,
		burst:    burst,
		override: map[Type]rate.Limit{},
	}
}

// SetRate overrides the rate for one connector type. Must be called before For.
func (l *Limiters) SetRate(t Type, rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.override[t] = rate.Limit(rps)
}

// For returns the limiter shared by every connector of type t.
func (l *Limiters) For(t Type) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.perType[t]; ok {
		return lim
	}
	r := rate.Limit(l.rps)
	if l.rps <= 0 {
		r = rate.Inf
	}
	if o, ok := l.override[t]; ok {
		r = o
	}
	lim := rate.NewLimiter(r, l.burst)
	l.perType[t] = lim
	return lim
}

type limited struct {
	next    Connector
	limiter *rate.Limiter
}

func (c *limited) Type() Type { return c.next.Type() }

func (c *limited) TestConnection(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.next.TestConnection(ctx)
}

func (c *limited) RunEnrichment(ctx context.Context, query string) result.Result {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return result.Err(string(c.next.Type()), "rate limit wait: "+err.Error(), result.Options{
			Code:     "RATE_LIMITED",
			Duration: time.Since(start),
		})
	}
	return c.next.RunEnrichment(ctx, query)
}
