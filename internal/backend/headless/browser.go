// Package headless implements fetch.Browser on top of headless Chrome via
// chromedp. Every handle is a separate browser context (its own cookie jar
// and cache) inside one shared Chrome process.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// ErrHandleClosed is returned when a closed handle is used.
var ErrHandleClosed = errors.New("headless handle closed")

// Config controls the Chrome process and per-navigation behavior.
type Config struct {
	// Headless runs Chrome without a window. Disable it to watch a run.
	Headless bool
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// NavigationTimeout bounds a single Navigate call.
	NavigationTimeout time.Duration
	// SettleDelay caps the wait for the document to stop changing after the
	// body is ready. Zero skips the wait.
	SettleDelay time.Duration
}

const (
	// settleChecks is how many consecutive equal document lengths count as
	// a settled page.
	settleChecks   = 3
	settleInterval = 100 * time.Millisecond
)

// Browser owns the Chrome allocator and the root browser context.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	allocCancel context.CancelFunc
	root        context.Context
	rootCancel  context.CancelFunc

	seq atomic.Int64
}

// New starts Chrome. Close must be called to stop it.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		return nil, fetch.NewConfigError("browser.settle_delay", "must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(cfg)...)
	root, rootCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Warn("chromedp error", zap.String("detail", fmt.Sprintf(format, args...)))
		}),
	)
	if err := chromedp.Run(root); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		root:        root,
		rootCancel:  rootCancel,
	}, nil
}

// Close stops Chrome. Handles must be closed first.
func (b *Browser) Close() {
	b.rootCancel()
	b.allocCancel()
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Handle is one Chrome browser context with a single page target.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	// locale is fixed at open and re-sent with every user-agent override.
	locale string

	closed atomic.Bool

	mu       sync.Mutex
	scriptID page.ScriptIdentifier
	meta     *responseMeta
}

// ID implements fetch.Handle.
func (h *Handle) ID() string { return h.id }

func (h *Handle) userAgentOverride(ua string) *emulation.SetUserAgentOverrideParams {
	params := emulation.SetUserAgentOverride(ua)
	if h.locale != "" {
		params = params.WithAcceptLanguage(h.locale)
	}
	return params
}

func (h *Handle) currentMeta() *responseMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta
}

func (h *Handle) resetMeta() *responseMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meta = newResponseMeta()
	return h.meta
}

// OpenContext implements fetch.Browser.
func (b *Browser) OpenContext(ctx context.Context, profile fetch.Profile) (fetch.Handle, error) {
	blocked, err := ParseResourceTypes(profile.BlockResources)
	if err != nil {
		return nil, err
	}

	hctx, cancel := chromedp.NewContext(b.root, chromedp.WithNewBrowserContext())
	h := &Handle{
		id:     fmt.Sprintf("chrome-%d", b.seq.Add(1)),
		ctx:    hctx,
		cancel: cancel,
		locale: profile.Locale,
		meta:   newResponseMeta(),
	}
	chromedp.ListenTarget(hctx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			h.currentMeta().capture(e)
		case *cdpfetch.EventRequestPaused:
			go b.failPaused(hctx, e.RequestID)
		}
	})

	setup := chromedp.ActionFunc(func(actx context.Context) error {
		if err := network.Enable().Do(actx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(blocked) > 0 {
			if err := cdpfetch.Enable().WithPatterns(blockPatterns(blocked)).Do(actx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		if profile.Locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(profile.Locale).Do(actx); err != nil {
				return fmt.Errorf("set locale: %w", err)
			}
		}
		if profile.Timezone != "" {
			if err := emulation.SetTimezoneOverride(profile.Timezone).Do(actx); err != nil {
				return fmt.Errorf("set timezone: %w", err)
			}
		}
		if profile.Viewport.Width > 0 && profile.Viewport.Height > 0 {
			vp := profile.Viewport
			if err := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1, false).Do(actx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		return b.applyIdentity(actx, h, profile.Identity)
	})
	if err := runWithin(ctx, hctx, setup); err != nil {
		cancel()
		return nil, fmt.Errorf("open browser context: %w", err)
	}
	b.logger.Debug("opened browser context",
		zap.String("context_id", h.id),
		zap.String("blocked", describe(blocked)),
	)
	return h, nil
}

// failPaused aborts an intercepted request. Only blocked resource types are
// intercepted, so every paused request fails.
func (b *Browser) failPaused(hctx context.Context, id cdpfetch.RequestID) {
	c := chromedp.FromContext(hctx)
	if c == nil || c.Target == nil {
		return
	}
	ectx := cdp.WithExecutor(hctx, c.Target)
	if err := cdpfetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(ectx); err != nil {
		b.logger.Debug("fail intercepted request", zap.Error(err))
	}
}

// Navigate implements fetch.Browser.
func (b *Browser) Navigate(ctx context.Context, handle fetch.Handle, req fetch.Request) (fetch.RawResult, error) {
	h, err := b.handle(handle)
	if err != nil {
		return fetch.RawResult{}, err
	}

	meta := h.resetMeta()
	var (
		html     string
		title    string
		finalURL string
	)
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(actx context.Context) error {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Headers)).Do(actx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
			return nil
		}),
		chromedp.Navigate(req.Target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.cfg.SettleDelay > 0 {
		actions = append(actions, b.waitSettled(h))
	}
	actions = append(actions,
		b.logCookies(h),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavigationTimeout)
	defer cancel()

	start := time.Now()
	runErr := runWithin(navCtx, h.ctx, actions...)
	res := fetch.RawResult{URL: req.Target, Duration: time.Since(start)}
	if runErr != nil {
		if h.closed.Load() {
			return fetch.RawResult{}, ErrHandleClosed
		}
		res.Err = fmt.Errorf("chromedp run: %w", runErr)
		return res, nil
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.Target, finalURL)
	res.FinalURL = responseURL
	res.StatusCode = status
	res.Headers = headers
	res.Body = []byte(html)
	res.Title = title
	return res, nil
}

// waitSettled polls the document length until it holds for settleChecks
// readings or SettleDelay runs out. An unsettled page is still captured.
func (b *Browser) waitSettled(h *Handle) chromedp.Action {
	return chromedp.ActionFunc(func(actx context.Context) error {
		deadline := time.Now().Add(b.cfg.SettleDelay)
		var s settler
		for {
			var length int
			if err := chromedp.Evaluate(`document.documentElement.outerHTML.length`, &length).Do(actx); err != nil {
				return fmt.Errorf("measure document: %w", err)
			}
			if s.observe(length) {
				return nil
			}
			if time.Now().Add(settleInterval).After(deadline) {
				b.logger.Debug("document still changing at settle deadline",
					zap.String("context_id", h.id),
					zap.Int("length", length),
				)
				return nil
			}
			timer := time.NewTimer(settleInterval)
			select {
			case <-actx.Done():
				timer.Stop()
				return actx.Err()
			case <-timer.C:
			}
		}
	})
}

// logCookies reports how many cookies the page set. Challenge scripts often
// set theirs late, so an empty jar is worth a debug line.
func (b *Browser) logCookies(h *Handle) chromedp.Action {
	return chromedp.ActionFunc(func(actx context.Context) error {
		cookies, err := network.GetCookies().Do(actx)
		if err != nil {
			b.logger.Debug("read cookies", zap.String("context_id", h.id), zap.Error(err))
			return nil
		}
		b.logger.Debug("page cookies", zap.String("context_id", h.id), zap.Int("count", len(cookies)))
		return nil
	})
}

// settler tracks consecutive equal document lengths.
type settler struct {
	last   int
	stable int
}

func (s *settler) observe(length int) bool {
	if length == s.last {
		s.stable++
	} else {
		s.last = length
		s.stable = 0
	}
	return s.stable >= settleChecks
}

// ApplyIdentity implements fetch.Browser.
func (b *Browser) ApplyIdentity(ctx context.Context, handle fetch.Handle, id fetch.Identity) error {
	h, err := b.handle(handle)
	if err != nil {
		return err
	}
	return runWithin(ctx, h.ctx, chromedp.ActionFunc(func(actx context.Context) error {
		if err := network.ClearBrowserCookies().Do(actx); err != nil {
			return fmt.Errorf("clear cookies: %w", err)
		}
		return b.applyIdentity(actx, h, id)
	}))
}

func (b *Browser) applyIdentity(actx context.Context, h *Handle, id fetch.Identity) error {
	if id.UserAgent != "" {
		if err := h.userAgentOverride(id.UserAgent).Do(actx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
	}

	h.mu.Lock()
	prev := h.scriptID
	h.scriptID = ""
	h.mu.Unlock()
	if prev != "" {
		if err := page.RemoveScriptToEvaluateOnNewDocument(prev).Do(actx); err != nil {
			return fmt.Errorf("remove stealth script: %w", err)
		}
	}
	if strings.TrimSpace(id.Script) == "" {
		return nil
	}
	scriptID, err := page.AddScriptToEvaluateOnNewDocument(id.Script).Do(actx)
	if err != nil {
		return fmt.Errorf("add stealth script: %w", err)
	}
	h.mu.Lock()
	h.scriptID = scriptID
	h.mu.Unlock()
	return nil
}

// CloseContext implements fetch.Browser.
func (b *Browser) CloseContext(handle fetch.Handle) error {
	h, err := b.handle(handle)
	if err != nil {
		return err
	}
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	defer h.cancel()
	if err := chromedp.Cancel(h.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser context %s: %w", h.id, err)
	}
	return nil
}

func (b *Browser) handle(handle fetch.Handle) (*Handle, error) {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("headless browser: foreign handle %T", handle)
	}
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	return h, nil
}

// runWithin runs actions on the handle's target while honoring the caller's
// ctx. chromedp binds the target to hctx, so caller cancellation is relayed
// through a derived context.
func runWithin(ctx context.Context, hctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(hctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = strings.Join(values, ", ")
		}
	}
	return headers
}
