// Package wake turns external change signals into prompt wake-ups of the
// scheduler and the command handler.
package wake

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Coalescer merges bursts of signals into at most one pending wake-up and
// rate-limits delivery.
type Coalescer struct {
	in      chan struct{}
	out     chan struct{}
	limiter *rate.Limiter
}

// NewCoalescer delivers at most one wake-up per every after the first burst.
func NewCoalescer(every time.Duration, burst int) *Coalescer {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &Coalescer{
		in:      make(chan struct{}, 1),
		out:     make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Notify records a signal. It never blocks.
func (c *Coalescer) Notify() {
	select {
	case c.in <- struct{}{}:
	default:
	}
}

// C delivers wake-ups.
func (c *Coalescer) C() <-chan struct{} {
	return c.out
}

// Run forwards signals to C until ctx is done.
func (c *Coalescer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.in:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case c.out <- struct{}{}:
			default:
			}
		}
	}
}
