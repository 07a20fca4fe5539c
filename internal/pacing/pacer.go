// Package pacing spaces fetch attempts out with randomized delays so traffic
// does not look machine-regular, optionally capped by a per-host rate.
package pacing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/metrics"
)

// Config controls the delay distribution.
type Config struct {
	// Min and Max bound the uniform pre-attempt delay, inclusive.
	Min time.Duration
	Max time.Duration
	// PerHostRPS enables a per-host token bucket when positive.
	PerHostRPS float64
	// Rand overrides the random source. It is guarded internally.
	Rand *rand.Rand
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Min < 0 {
		return fetch.NewConfigError("fetch.request_delay.min", "must be >= 0, got %s", c.Min)
	}
	if c.Max < 0 {
		return fetch.NewConfigError("fetch.request_delay.max", "must be >= 0, got %s", c.Max)
	}
	if c.Min > c.Max {
		return fetch.NewConfigError("fetch.request_delay", "min %s exceeds max %s", c.Min, c.Max)
	}
	if c.PerHostRPS < 0 {
		return fetch.NewConfigError("fetch.per_host_rps", "must be >= 0, got %v", c.PerHostRPS)
	}
	return nil
}

// Controller draws and applies pacing delays.
type Controller struct {
	min, max time.Duration
	hosts    *HostLimiter

	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds a Controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{min: cfg.Min, max: cfg.Max, rnd: cfg.Rand}
	if cfg.PerHostRPS > 0 {
		c.hosts = NewHostLimiter(cfg.PerHostRPS, 1)
	}
	return c, nil
}

// DelayFor draws a delay uniformly from [Min, Max]. The request is accepted
// so callers can later vary pacing per target.
func (c *Controller) DelayFor(_ fetch.Request) time.Duration {
	span := int64(c.max - c.min)
	if span <= 0 {
		return c.min
	}
	var n int64
	if c.rnd != nil {
		c.mu.Lock()
		n = c.rnd.Int64N(span + 1)
		c.mu.Unlock()
	} else {
		n = rand.Int64N(span + 1)
	}
	return c.min + time.Duration(n)
}

// Wait sleeps for a freshly drawn delay, then for the host's token bucket.
// It returns the randomized delay that was applied.
func (c *Controller) Wait(ctx context.Context, req fetch.Request) (time.Duration, error) {
	d := c.DelayFor(req)
	metrics.ObservePacingDelay(d)
	if err := Sleep(ctx, d); err != nil {
		return d, err
	}
	if c.hosts != nil {
		if err := c.hosts.Wait(ctx, req.Target); err != nil {
			return d, fmt.Errorf("%w: %w", fetch.ErrCancelled, err)
		}
	}
	return d, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", fetch.ErrCancelled, err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", fetch.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
