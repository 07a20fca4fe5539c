package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if admissionOutstanding == nil || poolBusyContexts == nil || verdictsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestHelpersUpdateCollectors(t *testing.T) {
	SetAdmission(2, 5)
	if got := testutil.ToFloat64(admissionOutstanding); got != 2 {
		t.Errorf("outstanding = %f; want 2", got)
	}
	if got := testutil.ToFloat64(admissionQueued); got != 5 {
		t.Errorf("queued = %f; want 5", got)
	}

	SetBusyContexts(3)
	if got := testutil.ToFloat64(poolBusyContexts); got != 3 {
		t.Errorf("busy = %f; want 3", got)
	}

	before := testutil.ToFloat64(verdictsTotal.WithLabelValues("metrics.test", "challenged"))
	ObserveVerdict("https://metrics.test/a", "challenged")
	after := testutil.ToFloat64(verdictsTotal.WithLabelValues("metrics.test", "challenged"))
	if after-before != 1 {
		t.Errorf("verdict counter delta = %f; want 1", after-before)
	}

	ObserveRotation(false)
	if got := testutil.ToFloat64(poolRotationsTotal.WithLabelValues("error")); got < 1 {
		t.Errorf("rotation errors = %f; want >= 1", got)
	}

	ObservePacingDelay(time.Second)
	ObserveRateLimitDelay("metrics.test", time.Millisecond)

	ObserveHTTPRequest("GET", "/healthz", 200, 5*time.Millisecond)
	if n := testutil.CollectAndCount(httpRequestDuration, "fetchgate_http_request_duration_seconds"); n < 1 {
		t.Errorf("http request series = %d; want >= 1", n)
	}
}
