// Package httpcolly implements fetch.Browser with plain HTTP requests issued
// through gocolly. It renders no JavaScript, so the stealth script, viewport
// and resource blocking are accepted but have no effect; each handle still
// keeps its own cookie jar and user agent.
package httpcolly

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// ErrHandleClosed is returned when a closed handle is used.
var ErrHandleClosed = errors.New("http handle closed")

// Config controls the HTTP client behavior.
type Config struct {
	// Timeout bounds a single request.
	Timeout time.Duration
	// MaxBodySize caps the bytes read from a response; zero keeps colly's default.
	MaxBodySize int
	// Transport overrides the shared round tripper.
	Transport http.RoundTripper
}

// Browser issues requests through one colly collector per handle.
type Browser struct {
	cfg       Config
	transport http.RoundTripper
	seq       atomic.Int64
}

// New builds a Browser with a pooled transport shared across handles.
func New(cfg Config) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	return &Browser{cfg: cfg, transport: transport}
}

// Handle is one cookie-isolated client identity.
type Handle struct {
	id     string
	locale string

	mu        sync.Mutex
	collector *colly.Collector
	identity  fetch.Identity
	closed    bool
}

// ID implements fetch.Handle.
func (h *Handle) ID() string { return h.id }

// OpenContext implements fetch.Browser.
func (b *Browser) OpenContext(_ context.Context, profile fetch.Profile) (fetch.Handle, error) {
	collector, err := b.newCollector(profile.Identity.UserAgent)
	if err != nil {
		return nil, err
	}
	return &Handle{
		id:        fmt.Sprintf("http-%d", b.seq.Add(1)),
		locale:    profile.Locale,
		collector: collector,
		identity:  profile.Identity,
	}, nil
}

func (b *Browser) newCollector(userAgent string) (*colly.Collector, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	c.ParseHTTPErrorResponse = true
	c.WithTransport(b.transport)
	c.SetCookieJar(jar)
	c.SetRequestTimeout(b.cfg.Timeout)
	if b.cfg.MaxBodySize > 0 {
		c.MaxBodySize = b.cfg.MaxBodySize
	}
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	return c, nil
}

// Navigate implements fetch.Browser.
func (b *Browser) Navigate(ctx context.Context, handle fetch.Handle, req fetch.Request) (fetch.RawResult, error) {
	h, err := b.handle(handle)
	if err != nil {
		return fetch.RawResult{}, err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fetch.RawResult{}, ErrHandleClosed
	}
	collector := h.collector.Clone()
	h.mu.Unlock()

	start := time.Now()
	done := make(chan fetch.RawResult, 1)
	go func() {
		result := fetch.RawResult{URL: req.Target}
		var fetchErr error
		configureHooks(collector, req, h.locale, &result, &fetchErr)
		err := collector.Visit(req.Target)
		switch {
		case fetchErr != nil:
			result.Err = fmt.Errorf("http response failed: %w", fetchErr)
		case err != nil:
			result.Err = fmt.Errorf("http visit failed: %w", err)
		}
		done <- result
	}()

	var result fetch.RawResult
	select {
	case <-ctx.Done():
		result = fetch.RawResult{URL: req.Target, Err: fmt.Errorf("http fetch canceled: %w", ctx.Err())}
	case result = <-done:
	}
	result.Duration = time.Since(start)
	if result.FinalURL == "" {
		result.FinalURL = result.URL
	}
	return result, nil
}

// configureHooks wires per-navigation callbacks that fill result.
func configureHooks(c *colly.Collector, req fetch.Request, locale string, result *fetch.RawResult, fetchErr *error) {
	c.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
		if locale != "" && r.Headers.Get("Accept-Language") == "" {
			r.Headers.Set("Accept-Language", locale)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		result.FinalURL = r.Request.URL.String()
		result.StatusCode = r.StatusCode
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
		result.Body = append([]byte(nil), r.Body...)
	})
	c.OnHTML("head > title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = strings.TrimSpace(e.Text)
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// ApplyIdentity implements fetch.Browser. The cookie jar is replaced and the
// new user agent takes effect on the next navigation.
func (b *Browser) ApplyIdentity(_ context.Context, handle fetch.Handle, id fetch.Identity) error {
	h, err := b.handle(handle)
	if err != nil {
		return err
	}
	collector, err := b.newCollector(id.UserAgent)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	h.collector = collector
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
	if h.closed {
		return ErrHandleClosed
	}
	h.closed = true
	return nil
}

func (b *Browser) handle(handle fetch.Handle) (*Handle, error) {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("http browser: foreign handle %T", handle)
	}
	return h, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
