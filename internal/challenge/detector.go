// Package challenge classifies raw navigation results into ok, retryable,
// terminal, or challenged verdicts.
package challenge

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// Rules configures what counts as a challenge and which statuses are final.
type Rules struct {
	// Markers are case-insensitive substrings of the page body.
	Markers []string
	// TitleMarkers are case-insensitive substrings of the page title.
	TitleMarkers []string
	// Selectors are CSS selectors whose presence marks a challenge page.
	Selectors []string
	// RedirectMarkers are substrings of a final URL that differs from the
	// requested one.
	RedirectMarkers []string
	// ChallengeStatuses mark a challenge regardless of body.
	ChallengeStatuses []int
	TerminalStatuses  []int
	RetryableStatuses []int
}

// DefaultRules returns the built-in challenge signatures.
func DefaultRules() Rules {
	return Rules{
		Markers: []string{
			"captcha",
			"recaptcha",
			"hcaptcha",
			"verify you are human",
			"checking your browser",
			"challenge-platform",
			"cf-browser-verification",
			"cf-turnstile",
		},
		TitleMarkers: []string{
			"just a moment",
			"attention required",
			"access denied",
		},
		Selectors: []string{
			`iframe[src*="recaptcha"]`,
			`iframe[src*="hcaptcha"]`,
			`div[class*="captcha"]`,
			`div[id*="captcha"]`,
			"#captcha",
			".g-recaptcha",
			".h-captcha",
			"#challenge-form",
		},
		RedirectMarkers: []string{
			"/cdn-cgi/challenge",
			"captcha",
			"/sorry/",
		},
		TerminalStatuses: []int{
			http.StatusNotFound,
			http.StatusGone,
			http.StatusUnavailableForLegalReasons,
		},
		RetryableStatuses: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Hook lets callers add site-specific classification. It is consulted after
// the built-in rules found nothing wrong; returning false defers.
type Hook func(raw fetch.RawResult) (fetch.Classification, bool)

// Detector applies Rules and Hooks to raw results. It is safe for concurrent use.
type Detector struct {
	markers         [][]byte
	titleMarkers    []string
	selectors       []string
	redirectMarkers []string
	challengeStatus []int
	terminalStatus  []int
	retryableStatus []int
	hooks           []Hook
}

// New builds a Detector.
func New(rules Rules, hooks ...Hook) *Detector {
	markers := make([][]byte, 0, len(rules.Markers))
	for _, m := range rules.Markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	return &Detector{
		markers:         markers,
		titleMarkers:    lowerAll(rules.TitleMarkers),
		selectors:       nonEmpty(rules.Selectors),
		redirectMarkers: lowerAll(rules.RedirectMarkers),
		challengeStatus: slices.Clone(rules.ChallengeStatuses),
		terminalStatus:  slices.Clone(rules.TerminalStatuses),
		retryableStatus: slices.Clone(rules.RetryableStatuses),
		hooks:           slices.Clone(hooks),
	}
}

// Classify inspects raw in priority order: transport error, challenge
// signature, terminal status, retryable status, hooks.
func (d *Detector) Classify(raw fetch.RawResult) fetch.Classification {
	if raw.Err != nil {
		if fetch.IsTerminal(raw.Err) {
			return fetch.Classification{Verdict: fetch.VerdictTerminal, Reason: "transport", Err: raw.Err}
		}
		return fetch.Classification{Verdict: fetch.VerdictRetryable, Reason: "transport", Err: fetch.Retryable(raw.Err)}
	}
	if reason, ok := d.challengeSignature(raw); ok {
		return fetch.Classification{
			Verdict: fetch.VerdictChallenged,
			Reason:  reason,
			Err:     fetch.ErrChallenged,
		}
	}
	if slices.Contains(d.terminalStatus, raw.StatusCode) {
		return fetch.Classification{
			Verdict: fetch.VerdictTerminal,
			Reason:  fmt.Sprintf("status %d", raw.StatusCode),
		}
	}
	if slices.Contains(d.retryableStatus, raw.StatusCode) {
		reason := fmt.Sprintf("status %d", raw.StatusCode)
		return fetch.Classification{
			Verdict: fetch.VerdictRetryable,
			Reason:  reason,
			Err:     fetch.Retryable(errors.New(reason)),
		}
	}
	for _, hook := range d.hooks {
		if c, ok := hook(raw); ok {
			return c
		}
	}
	return fetch.Classification{Verdict: fetch.VerdictOk}
}

func (d *Detector) challengeSignature(raw fetch.RawResult) (string, bool) {
	if slices.Contains(d.challengeStatus, raw.StatusCode) {
		return fmt.Sprintf("challenge status %d", raw.StatusCode), true
	}
	if m, ok := d.redirectMarker(raw); ok {
		return fmt.Sprintf("redirect marker %q", m), true
	}
	if len(raw.Body) == 0 {
		return d.titleMarker(raw.Title)
	}
	lowerBody := bytes.ToLower(raw.Body)
	for _, m := range d.markers {
		if bytes.Contains(lowerBody, m) {
			return fmt.Sprintf("marker %q", m), true
		}
	}
	if reason, ok := d.titleMarker(raw.Title); ok {
		return reason, true
	}
	if len(d.selectors) == 0 && len(d.titleMarkers) == 0 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return "", false
	}
	if raw.Title == "" {
		if reason, ok := d.titleMarker(doc.Find("title").First().Text()); ok {
			return reason, true
		}
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() > 0 {
			return fmt.Sprintf("selector %q", sel), true
		}
	}
	return "", false
}

func (d *Detector) titleMarker(title string) (string, bool) {
	if title == "" {
		return "", false
	}
	lower := strings.ToLower(title)
	for _, m := range d.titleMarkers {
		if strings.Contains(lower, m) {
			return fmt.Sprintf("title marker %q", m), true
		}
	}
	return "", false
}

func (d *Detector) redirectMarker(raw fetch.RawResult) (string, bool) {
	if raw.FinalURL == "" || raw.FinalURL == raw.URL {
		return "", false
	}
	lower := strings.ToLower(raw.FinalURL)
	for _, m := range d.redirectMarkers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	return "", false
}

// EmptyBody is a Hook that treats a successful status with no payload as a
// transient failure.
func EmptyBody(raw fetch.RawResult) (fetch.Classification, bool) {
	if len(bytes.TrimSpace(raw.Body)) > 0 {
		return fetch.Classification{}, false
	}
	return fetch.Classification{Verdict: fetch.VerdictRetryable, Reason: "empty body"}, true
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
