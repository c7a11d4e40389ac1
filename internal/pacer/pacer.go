// Package pacer enforces a fixed minimum delay between remote calls.
package pacer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
)

// Pacer lets one call through per interval. The interval is measured
// between call starts: a call that itself takes longer than the interval
// leaves no wait before the next one. The first call never waits.
type Pacer struct {
	limiter *rate.Limiter
}

// New creates a Pacer. A non-positive delay disables pacing.
func New(delay time.Duration) *Pacer {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next call may start or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacerDelay(waited)
	}
	return nil
}
