// Package stub implements a deterministic, in-process browser capability. It
// backs unit tests and the "stub" backend used to dry-run a configuration
// without launching Chrome.
package stub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// ErrHandleClosed is returned when a closed handle is used.
var ErrHandleClosed = errors.New("stub handle closed")

// Responder produces the result for one navigation. attempt counts
// navigations to the same target across all handles, starting at 1.
type Responder func(req fetch.Request, h *Handle, attempt int) fetch.RawResult

// Config controls the stub's behavior.
type Config struct {
	Respond Responder
	// Latency is how long each navigation takes.
	Latency time.Duration
	// FailOpenAfter makes OpenContext fail once this many contexts are open.
	// Zero disables the failure.
	FailOpenAfter int
	// FailApplyIdentity runs before every rotation; a non-nil error fails
	// it and leaves the handle's cookies and identity untouched.
	FailApplyIdentity func(h *Handle) error
}

// Browser is a scripted fetch.Browser.
type Browser struct {
	cfg Config

	mu       sync.Mutex
	handles  []*Handle
	attempts map[string]int

	inFlight     atomic.Int32
	peakInFlight atomic.Int32
}

// New builds a Browser. A nil Respond serves a small page for every target.
func New(cfg Config) *Browser {
	if cfg.Respond == nil {
		cfg.Respond = func(req fetch.Request, _ *Handle, _ int) fetch.RawResult {
			return Page(http.StatusOK, fmt.Sprintf("<html><head><title>%s</title></head><body>ok</body></html>", req.Target))
		}
	}
	return &Browser{cfg: cfg, attempts: make(map[string]int)}
}

// Handle is one stub execution context.
type Handle struct {
	id      string
	profile fetch.Profile

	mu          sync.Mutex
	identity    fetch.Identity
	cookies     map[string]string
	navigations int
	closeCount  int
}

// ID implements fetch.Handle.
func (h *Handle) ID() string { return h.id }

// Identity reports the handle's current identity.
func (h *Handle) Identity() fetch.Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// Cookies returns a copy of the handle's cookie jar.
func (h *Handle) Cookies() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.cookies))
	for k, v := range h.cookies {
		out[k] = v
	}
	return out
}

// SetCookie stores a cookie, as a page visit would.
func (h *Handle) SetCookie(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cookies[name] = value
}

// Profile reports the static settings the handle was opened with.
func (h *Handle) Profile() fetch.Profile { return h.profile }

// Navigations counts completed navigations.
func (h *Handle) Navigations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.navigations
}

// CloseCount reports how many times the handle was closed.
func (h *Handle) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCount
}

// OpenContext implements fetch.Browser.
func (b *Browser) OpenContext(_ context.Context, profile fetch.Profile) (fetch.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.FailOpenAfter > 0 && len(b.handles) >= b.cfg.FailOpenAfter {
		return nil, fmt.Errorf("open stub context %d: resource exhausted", len(b.handles))
	}
	h := &Handle{
		id:       fmt.Sprintf("stub-%d", len(b.handles)),
		profile:  profile,
		identity: profile.Identity,
		cookies:  make(map[string]string),
	}
	b.handles = append(b.handles, h)
	return h, nil
}

// Navigate implements fetch.Browser.
func (b *Browser) Navigate(ctx context.Context, handle fetch.Handle, req fetch.Request) (fetch.RawResult, error) {
	h, err := b.handle(handle)
	if err != nil {
		return fetch.RawResult{}, err
	}
	if h.CloseCount() > 0 {
		return fetch.RawResult{}, ErrHandleClosed
	}

	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		peak := b.peakInFlight.Load()
		if n <= peak || b.peakInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	b.mu.Lock()
	b.attempts[req.Target]++
	attempt := b.attempts[req.Target]
	b.mu.Unlock()

	start := time.Now()
	if b.cfg.Latency > 0 {
		timer := time.NewTimer(b.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fetch.RawResult{URL: req.Target, Err: fmt.Errorf("navigate: %w", ctx.Err())}, nil
		case <-timer.C:
		}
	}

	res := b.cfg.Respond(req, h, attempt)
	if res.URL == "" {
		res.URL = req.Target
	}
	if res.FinalURL == "" {
		res.FinalURL = res.URL
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	h.mu.Lock()
	h.navigations++
	h.cookies["session"] = fmt.Sprintf("%s-%d", h.id, h.navigations)
	h.mu.Unlock()
	return res, nil
}

// ApplyIdentity implements fetch.Browser.
func (b *Browser) ApplyIdentity(_ context.Context, handle fetch.Handle, id fetch.Identity) error {
	h, err := b.handle(handle)
	if err != nil {
		return err
	}
	if b.cfg.FailApplyIdentity != nil {
		if err := b.cfg.FailApplyIdentity(h); err != nil {
			return fmt.Errorf("apply identity on %s: %w", h.id, err)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeCount > 0 {
		return ErrHandleClosed
	}
	h.cookies = make(map[string]string)
	h.identity = id
	return nil
}

// CloseContext implements fetch.Browser.
func (b *Browser) CloseContext(handle fetch.Handle) error {
	h, err := b.handle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCount++
	if h.closeCount > 1 {
		return ErrHandleClosed
	}
	return nil
}

// Handles returns every handle opened so far.
func (b *Browser) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Handle(nil), b.handles...)
}

// Attempts reports how many navigations targeted url.
func (b *Browser) Attempts(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[url]
}

// PeakInFlight reports the most navigations ever running at once.
func (b *Browser) PeakInFlight() int {
	return int(b.peakInFlight.Load())
}

func (b *Browser) handle(handle fetch.Handle) (*Handle, error) {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("stub browser: foreign handle %T", handle)
	}
	return h, nil
}

// Page builds a RawResult with the given status and body.
func Page(status int, body string) fetch.RawResult {
	return fetch.RawResult{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

// Sequence serves results in order per target, repeating the last one.
func Sequence(results ...fetch.RawResult) Responder {
	return func(_ fetch.Request, _ *Handle, attempt int) fetch.RawResult {
		if len(results) == 0 {
			return Page(http.StatusOK, "")
		}
		idx := attempt - 1
		if idx >= len(results) {
			idx = len(results) - 1
		}
		return results[idx]
	}
}

// ByTarget dispatches to a per-target responder, falling back to fallback.
func ByTarget(routes map[string]Responder, fallback Responder) Responder {
	return func(req fetch.Request, h *Handle, attempt int) fetch.RawResult {
		if r, ok := routes[req.Target]; ok {
			return r(req, h, attempt)
		}
		return fallback(req, h, attempt)
	}
}
