// Package pool multiplexes a fixed set of isolated browser execution contexts
// across many fetch attempts. A context is lent to one attempt at a time and
// gets a fresh identity every time it is returned.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/metrics"
)

var (
	// ErrClosed is returned by Acquire once the pool is shutting down.
	ErrClosed = fmt.Errorf("context pool closed: %w", fetch.ErrCancelled)
	// ErrExhausted is returned by Acquire when every context was retired
	// after failed rotations.
	ErrExhausted = errors.New("no usable execution contexts")
)

// rotationTries is how many times Release applies a new identity before
// replacing the backend context.
const rotationTries = 2

// Config sizes the pool and describes the identities it hands out.
type Config struct {
	Size           int
	UserAgents     []string
	Script         string
	BlockResources []string
	Locale         string
	Timezone       string
	Viewport       fetch.Viewport
	// Rand overrides the source used to pick user agents.
	Rand *rand.Rand
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fetch.NewConfigError("fetch.max_concurrent", "must be > 0, got %d", c.Size)
	}
	if len(c.UserAgents) == 0 {
		return fetch.NewConfigError("browser.user_agents", "must not be empty")
	}
	return nil
}

// Context is one execution context owned by the pool.
type Context struct {
	id       string
	handle   fetch.Handle
	identity fetch.Identity
	busy     bool
	leases   int

	closeOnce sync.Once
	closed    bool
}

// ID returns the pool-assigned identifier.
func (c *Context) ID() string { return c.id }

// Handle returns the backend handle to navigate with.
func (c *Context) Handle() fetch.Handle { return c.handle }

// Identity returns the identity the context had when it was lent.
func (c *Context) Identity() fetch.Identity { return c.identity }

// Pool lends contexts to attempts.
type Pool struct {
	browser fetch.Browser
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	contexts []*Context
	busy     int
	peakBusy int
	closing  bool
	changed  chan struct{}

	rndMu sync.Mutex
}

// New opens cfg.Size contexts. Any failure closes what was opened and is
// returned; the process cannot run without its full pool.
func New(ctx context.Context, browser fetch.Browser, cfg Config, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if browser == nil {
		return nil, errors.New("browser capability is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		browser: browser,
		cfg:     cfg,
		logger:  logger,
		changed: make(chan struct{}),
	}
	for i := range cfg.Size {
		identity := fetch.Identity{UserAgent: p.pickUserAgent(""), Script: cfg.Script}
		handle, err := browser.OpenContext(ctx, p.profile(identity))
		if err != nil {
			for _, c := range p.contexts {
				p.closeContext(c)
			}
			return nil, fmt.Errorf("open execution context %d of %d: %w", i+1, cfg.Size, err)
		}
		p.contexts = append(p.contexts, &Context{
			id:       fmt.Sprintf("ctx-%d", i),
			handle:   handle,
			identity: identity,
		})
	}
	logger.Info("execution context pool ready", zap.Int("size", cfg.Size))
	return p, nil
}

// Acquire lends an idle context. When avoid names a context and the pool has
// more than one, that context is skipped so the next attempt runs under a
// different identity.
func (p *Pool) Acquire(ctx context.Context, avoid string) (*Context, error) {
	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if p.liveLocked() == 0 {
			p.mu.Unlock()
			return nil, ErrExhausted
		}
		if c := p.pickIdleLocked(avoid); c != nil {
			c.busy = true
			c.leases++
			p.busy++
			if p.busy > p.peakBusy {
				p.peakBusy = p.busy
			}
			metrics.SetBusyContexts(p.busy)
			p.mu.Unlock()
			return c, nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("context acquire: %w: %w", fetch.ErrCancelled, ctx.Err())
		}
	}
}

// Release rotates c's identity and returns it to the pool. A failed rotation
// is retried once; after that the backend context is replaced by a freshly
// opened one, and if that fails too c is retired. Releasing a context that
// was force-closed is a no-op.
func (p *Pool) Release(ctx context.Context, c *Context) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if !c.busy || c.closed {
		p.mu.Unlock()
		return
	}
	next := fetch.Identity{
		UserAgent:  p.pickUserAgent(c.identity.UserAgent),
		Script:     p.cfg.Script,
		Generation: c.identity.Generation + 1,
	}
	current := c.handle
	p.mu.Unlock()

	fresh, err := p.rotate(ctx, c.id, current, next)

	p.mu.Lock()
	if !c.busy {
		// Force-closed while rotating.
		p.mu.Unlock()
		if fresh != nil && fresh != current {
			p.closeHandle(c.id, fresh)
		}
		return
	}
	var stale fetch.Handle
	switch {
	case fresh == nil:
		c.closed = true
	case fresh != current:
		stale = current
		c.handle = fresh
		c.identity = next
	default:
		c.identity = next
	}
	c.busy = false
	p.busy--
	metrics.SetBusyContexts(p.busy)
	closing := p.closing
	p.broadcastLocked()
	p.mu.Unlock()

	if stale != nil {
		p.closeHandle(c.id, stale)
	}
	if fresh == nil {
		p.logger.Error("execution context retired", zap.String("context_id", c.id), zap.Error(err))
		p.closeContext(c)
		return
	}
	if closing {
		p.closeContext(c)
	}
}

// rotate applies next to h. It returns the handle that serves the context
// from now on: h itself, a replacement, or nil when neither worked.
func (p *Pool) rotate(ctx context.Context, id string, h fetch.Handle, next fetch.Identity) (fetch.Handle, error) {
	var err error
	for try := 1; try <= rotationTries; try++ {
		err = p.browser.ApplyIdentity(ctx, h, next)
		metrics.ObserveRotation(err == nil)
		if err == nil {
			return h, nil
		}
		p.logger.Warn("context rotation failed",
			zap.String("context_id", id),
			zap.Int("try", try),
			zap.Error(err),
		)
	}
	fresh, openErr := p.browser.OpenContext(ctx, p.profile(next))
	if openErr != nil {
		return nil, errors.Join(err, openErr)
	}
	p.logger.Info("execution context replaced after failed rotation", zap.String("context_id", id))
	return fresh, nil
}

// Close stops lending. Idle contexts close immediately; busy ones close when
// released or, once ctx is done, are force-closed. Each context is closed
// exactly once.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	idle := make([]*Context, 0, len(p.contexts))
	for _, c := range p.contexts {
		if !c.busy {
			idle = append(idle, c)
		}
	}
	p.broadcastLocked()
	p.mu.Unlock()

	for _, c := range idle {
		p.closeContext(c)
	}

	for {
		p.mu.Lock()
		busy := p.busy
		changed := p.changed
		p.mu.Unlock()
		if busy == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			forced := p.forceClose()
			p.logger.Warn("force-closed busy execution contexts", zap.Int("count", forced))
			return fmt.Errorf("pool close: %d contexts force-closed: %w", forced, ctx.Err())
		}
	}
}

// Size reports the number of contexts.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Busy reports how many contexts are lent out.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// PeakBusy reports the most contexts ever lent out at once.
func (p *Pool) PeakBusy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peakBusy
}

func (p *Pool) forceClose() int {
	p.mu.Lock()
	var busy []*Context
	for _, c := range p.contexts {
		if c.busy {
			busy = append(busy, c)
			c.busy = false
			p.busy--
		}
	}
	metrics.SetBusyContexts(p.busy)
	p.broadcastLocked()
	p.mu.Unlock()

	for _, c := range busy {
		p.closeContext(c)
	}
	return len(busy)
}

func (p *Pool) closeContext(c *Context) {
	c.closeOnce.Do(func() {
		p.mu.Lock()
		c.closed = true
		h := c.handle
		p.mu.Unlock()
		p.closeHandle(c.id, h)
	})
}

func (p *Pool) closeHandle(id string, h fetch.Handle) {
	if err := p.browser.CloseContext(h); err != nil {
		p.logger.Warn("close execution context failed",
			zap.String("context_id", id),
			zap.Error(err),
		)
	}
}

func (p *Pool) liveLocked() int {
	live := 0
	for _, c := range p.contexts {
		if !c.closed {
			live++
		}
	}
	return live
}

func (p *Pool) profile(identity fetch.Identity) fetch.Profile {
	return fetch.Profile{
		Identity:       identity,
		BlockResources: p.cfg.BlockResources,
		Locale:         p.cfg.Locale,
		Timezone:       p.cfg.Timezone,
		Viewport:       p.cfg.Viewport,
	}
}

func (p *Pool) pickIdleLocked(avoid string) *Context {
	var fallback *Context
	for _, c := range p.contexts {
		if c.busy || c.closed {
			continue
		}
		if avoid != "" && c.id == avoid && len(p.contexts) > 1 {
			continue
		}
		if fallback == nil || c.leases < fallback.leases {
			fallback = c
		}
	}
	return fallback
}

// pickUserAgent draws a user agent that differs from current whenever the
// list allows it.
func (p *Pool) pickUserAgent(current string) string {
	agents := p.cfg.UserAgents
	if len(agents) == 1 {
		return agents[0]
	}
	candidates := make([]string, 0, len(agents))
	for _, ua := range agents {
		if ua != current {
			candidates = append(candidates, ua)
		}
	}
	if len(candidates) == 0 {
		return agents[0]
	}
	return candidates[p.intN(len(candidates))]
}

func (p *Pool) intN(n int) int {
	if p.cfg.Rand == nil {
		return rand.IntN(n)
	}
	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	return p.cfg.Rand.IntN(n)
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
