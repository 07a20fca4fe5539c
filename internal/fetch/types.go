// Package fetch defines the request, result, and outcome types shared by the
// fetch control layer, along with the browser capability it drives.
package fetch

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Request describes a single logical fetch. It is created by the caller and
// never mutated once submitted.
type Request struct {
	// ID uniquely identifies the request in logs and progress events.
	ID string
	// Target is the URL to navigate to.
	Target string
	// Headers are optional extra headers sent with the navigation.
	Headers http.Header
	// ExpectContentType is an optional hint about the expected payload type.
	ExpectContentType string
	// Seq orders admission. Zero means the orchestrator stamps it on submit.
	Seq uint64
}

// NewRequest builds a Request with a fresh ID.
func NewRequest(target string) Request {
	return Request{ID: uuid.NewString(), Target: target}
}

// RawResult is what the browser capability reports for one navigation.
type RawResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Title      string
	Duration   time.Duration
	// Err is set when navigation failed at the transport level.
	Err error
}

// Verdict is the classification of a single attempt.
type Verdict int

// Supported verdicts.
const (
	VerdictOk Verdict = iota
	VerdictRetryable
	VerdictTerminal
	VerdictChallenged
)

func (v Verdict) String() string {
	switch v {
	case VerdictOk:
		return "ok"
	case VerdictRetryable:
		return "retryable"
	case VerdictTerminal:
		return "terminal"
	case VerdictChallenged:
		return "challenged"
	default:
		return "unknown"
	}
}

// Classification pairs a verdict with the reason that produced it.
type Classification struct {
	Verdict Verdict
	Reason  string
	Err     error
}

// Kind is the terminal state of a request.
type Kind int

// Supported outcome kinds.
const (
	KindSuccess Kind = iota
	KindFailed
	KindChallenged
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailed:
		return "failed"
	case KindChallenged:
		return "challenged"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Attempt records one navigation made on behalf of a request.
type Attempt struct {
	Number         int
	ContextID      string
	Started        time.Time
	Finished       time.Time
	Verdict        Verdict
	Reason         string
	StatusCode     int
	ForcedRotation bool
}

// Duration reports how long the attempt held its context.
func (a Attempt) Duration() time.Duration {
	if a.Finished.IsZero() {
		return 0
	}
	return a.Finished.Sub(a.Started)
}

// Outcome is the final, immutable result of a request.
type Outcome struct {
	Request  Request
	Kind     Kind
	Payload  *RawResult
	Err      error
	Attempts int
	History  []Attempt
	Duration time.Duration
}

// OK reports whether the request succeeded.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}
