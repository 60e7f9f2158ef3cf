package spider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/whynot-archive/whynot/internal/metrics"
)

// Politeness enforces a minimum interval between requests to the same
// host, across all workers. Different hosts never wait on each other.
type Politeness struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewPoliteness builds a limiter map with the given per-host interval.
// A non-positive interval disables throttling.
func NewPoliteness(interval time.Duration) *Politeness {
	return &Politeness{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Wait blocks until host may be contacted again, respecting ctx.
func (p *Politeness) Wait(ctx context.Context, host string) error {
	if p.interval <= 0 || host == "" {
		return nil
	}

	p.mu.Lock()
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[host] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(host, waited)
	}
	return nil
}
