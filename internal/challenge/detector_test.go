package challenge

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	const target = "https://shop.example/item/1"

	tests := []struct {
		name    string
		raw     fetch.RawResult
		verdict fetch.Verdict
	}{
		{
			name:    "plain page is ok",
			raw:     fetch.RawResult{URL: target, StatusCode: 200, Body: []byte("<html><body><h1>Widget</h1></body></html>")},
			verdict: fetch.VerdictOk,
		},
		{
			name:    "transport error is retryable",
			raw:     fetch.RawResult{URL: target, Err: errors.New("net::ERR_TIMED_OUT")},
			verdict: fetch.VerdictRetryable,
		},
		{
			name:    "terminal transport error",
			raw:     fetch.RawResult{URL: target, Err: fetch.Terminal(errors.New("invalid url"))},
			verdict: fetch.VerdictTerminal,
		},
		{
			name:    "body marker is challenged",
			raw:     fetch.RawResult{URL: target, StatusCode: 200, Body: []byte("<p>Please Verify You Are Human</p>")},
			verdict: fetch.VerdictChallenged,
		},
		{
			name: "selector is challenged",
			raw: fetch.RawResult{
				URL:        target,
				StatusCode: 200,
				Body:       []byte(`<html><body><form id="challenge-form"></form></body></html>`),
			},
			verdict: fetch.VerdictChallenged,
		},
		{
			name:    "title from capability is challenged",
			raw:     fetch.RawResult{URL: target, StatusCode: 200, Title: "Just a moment...", Body: []byte("<p>hold on</p>")},
			verdict: fetch.VerdictChallenged,
		},
		{
			name: "title parsed from body is challenged",
			raw: fetch.RawResult{
				URL:        target,
				StatusCode: 200,
				Body:       []byte("<html><head><title>Attention Required! | Cloudflare</title></head></html>"),
			},
			verdict: fetch.VerdictChallenged,
		},
		{
			name:    "redirect to challenge path is challenged",
			raw:     fetch.RawResult{URL: target, FinalURL: "https://shop.example/cdn-cgi/challenge?x=1", StatusCode: 200, Body: []byte("ok")},
			verdict: fetch.VerdictChallenged,
		},
		{
			name:    "marker wins over terminal status",
			raw:     fetch.RawResult{URL: target, StatusCode: 404, Body: []byte("recaptcha")},
			verdict: fetch.VerdictChallenged,
		},
		{
			name:    "404 is terminal",
			raw:     fetch.RawResult{URL: target, StatusCode: http.StatusNotFound, Body: []byte("missing")},
			verdict: fetch.VerdictTerminal,
		},
		{
			name:    "429 is retryable",
			raw:     fetch.RawResult{URL: target, StatusCode: http.StatusTooManyRequests, Body: []byte("slow down")},
			verdict: fetch.VerdictRetryable,
		},
		{
			name:    "503 is retryable",
			raw:     fetch.RawResult{URL: target, StatusCode: http.StatusServiceUnavailable, Body: []byte("later")},
			verdict: fetch.VerdictRetryable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := d.Classify(tt.raw)
			assert.Equal(t, tt.verdict, got.Verdict, "reason: %s", got.Reason)
		})
	}
}

func TestChallengeMarkerAlwaysWins(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	for _, status := range []int{200, 301, 403, 404, 410, 429, 500, 503} {
		for _, marker := range DefaultRules().Markers {
			body := "<html><body>" + strings.ToUpper(marker) + "</body></html>"
			got := d.Classify(fetch.RawResult{URL: "https://a.test", StatusCode: status, Body: []byte(body)})
			require.Equal(t, fetch.VerdictChallenged, got.Verdict, "status %d marker %q", status, marker)
			require.ErrorIs(t, got.Err, fetch.ErrChallenged)
		}
	}
}

func TestChallengeStatus(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	rules.ChallengeStatuses = []int{http.StatusForbidden}
	d := New(rules)

	got := d.Classify(fetch.RawResult{StatusCode: http.StatusForbidden, Body: []byte("nope")})
	assert.Equal(t, fetch.VerdictChallenged, got.Verdict)
	assert.Contains(t, got.Reason, "403")
}

func TestHooksRunAfterBuiltInRules(t *testing.T) {
	t.Parallel()

	calls := 0
	outOfStock := func(raw fetch.RawResult) (fetch.Classification, bool) {
		calls++
		if strings.Contains(string(raw.Body), "sold out") {
			return fetch.Classification{Verdict: fetch.VerdictTerminal, Reason: "sold out"}, true
		}
		return fetch.Classification{}, false
	}
	d := New(Rules{}, EmptyBody, outOfStock)

	assert.Equal(t, fetch.VerdictTerminal, d.Classify(fetch.RawResult{StatusCode: 200, Body: []byte("sold out")}).Verdict)
	assert.Equal(t, fetch.VerdictOk, d.Classify(fetch.RawResult{StatusCode: 200, Body: []byte("in stock")}).Verdict)
	assert.Equal(t, 2, calls)

	empty := d.Classify(fetch.RawResult{StatusCode: 200, Body: []byte("  ")})
	assert.Equal(t, fetch.VerdictRetryable, empty.Verdict)
	assert.Equal(t, "empty body", empty.Reason)
	assert.Equal(t, 2, calls)
}

func TestNewSkipsBlankRules(t *testing.T) {
	t.Parallel()

	d := New(Rules{Markers: []string{"", "  "}, Selectors: []string{""}, TitleMarkers: []string{" "}})
	assert.Empty(t, d.markers)
	assert.Empty(t, d.selectors)
	assert.Empty(t, d.titleMarkers)
	assert.Equal(t, fetch.VerdictOk, d.Classify(fetch.RawResult{StatusCode: 200, Body: []byte("anything")}).Verdict)
}

func TestRetryableVerdictsCarryRetryableError(t *testing.T) {
	t.Parallel()

	d := New(DefaultRules())
	cause := errors.New("net::ERR_CONNECTION_RESET")

	transport := d.Classify(fetch.RawResult{Err: cause})
	require.Equal(t, fetch.VerdictRetryable, transport.Verdict)
	var re *fetch.RetryableError
	require.ErrorAs(t, transport.Err, &re)
	assert.ErrorIs(t, transport.Err, cause)

	status := d.Classify(fetch.RawResult{StatusCode: http.StatusBadGateway, Body: []byte("upstream")})
	require.Equal(t, fetch.VerdictRetryable, status.Verdict)
	assert.True(t, fetch.IsRetryable(status.Err))
	assert.Contains(t, status.Err.Error(), "status 502")

	terminal := d.Classify(fetch.RawResult{Err: fetch.Terminal(cause)})
	assert.False(t, fetch.IsRetryable(terminal.Err))
}
