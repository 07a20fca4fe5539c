// Package stats aggregates run statistics: per-outcome counters and timing
// histograms, safe for concurrent updates and readable as a point-in-time
// snapshot.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// Recorder accumulates counters for one orchestrator.
type Recorder struct {
	submitted  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	challenged atomic.Int64
	cancelled  atomic.Int64
	retried    atomic.Int64
	attempts   atomic.Int64
	inFlight   atomic.Int64

	registry        *prometheus.Registry
	attemptDuration prometheus.Histogram
	fetchDuration   prometheus.Histogram
	pacingDelay     prometheus.Histogram
	backoffDelay    prometheus.Histogram
}

// New builds a Recorder with its own Prometheus registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetchgate_attempt_duration_seconds",
			Help:    "Time an attempt held its execution context.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetchgate_fetch_duration_seconds",
			Help:    "Submit-to-outcome latency per request.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),
		pacingDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetchgate_run_pacing_delay_seconds",
			Help:    "Pacing delays applied before attempts.",
			Buckets: []float64{0.1, 0.5, 1, 2, 3, 5},
		}),
		backoffDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetchgate_backoff_delay_seconds",
			Help:    "Backoff delays applied between attempts.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32},
		}),
	}
	r.registry.MustRegister(
		r.attemptDuration,
		r.fetchDuration,
		r.pacingDelay,
		r.backoffDelay,
		counterFunc("fetchgate_requests_submitted_total", "Requests submitted.", &r.submitted),
		counterFunc("fetchgate_requests_succeeded_total", "Requests that succeeded.", &r.succeeded),
		counterFunc("fetchgate_requests_failed_total", "Requests that failed.", &r.failed),
		counterFunc("fetchgate_requests_challenged_total", "Requests that ended challenged.", &r.challenged),
		counterFunc("fetchgate_requests_cancelled_total", "Requests cancelled before completion.", &r.cancelled),
		counterFunc("fetchgate_retries_total", "Attempts scheduled as retries.", &r.retried),
		counterFunc("fetchgate_attempts_total", "Navigation attempts made.", &r.attempts),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fetchgate_requests_in_flight",
			Help: "Requests submitted and not yet resolved.",
		}, func() float64 { return float64(r.inFlight.Load()) }),
	)
	return r
}

func counterFunc(name, help string, v *atomic.Int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
		return float64(v.Load())
	})
}

// Registry exposes the recorder's collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Submitted counts a new request.
func (r *Recorder) Submitted() {
	r.submitted.Add(1)
	r.inFlight.Add(1)
}

// AttemptStarted counts a navigation.
func (r *Recorder) AttemptStarted() {
	r.attempts.Add(1)
}

// AttemptFinished records how long an attempt held its context.
func (r *Recorder) AttemptFinished(d time.Duration) {
	r.attemptDuration.Observe(d.Seconds())
}

// Paced records a pacing delay.
func (r *Recorder) Paced(d time.Duration) {
	r.pacingDelay.Observe(d.Seconds())
}

// Retried counts a scheduled retry and its backoff.
func (r *Recorder) Retried(backoff time.Duration) {
	r.retried.Add(1)
	r.backoffDelay.Observe(backoff.Seconds())
}

// Finished records the terminal outcome of a request. It must be called
// exactly once per submitted request.
func (r *Recorder) Finished(kind fetch.Kind, d time.Duration) {
	switch kind {
	case fetch.KindSuccess:
		r.succeeded.Add(1)
	case fetch.KindFailed:
		r.failed.Add(1)
	case fetch.KindChallenged:
		r.challenged.Add(1)
	default:
		r.cancelled.Add(1)
	}
	r.inFlight.Add(-1)
	r.fetchDuration.Observe(d.Seconds())
}

// Bucket is one cumulative histogram bucket.
type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// Histogram is a read-only histogram view in seconds.
type Histogram struct {
	Count   uint64   `json:"count"`
	Sum     float64  `json:"sum_seconds"`
	Buckets []Bucket `json:"buckets"`
}

// Mean returns the average observation, or zero when empty.
func (h Histogram) Mean() time.Duration {
	if h.Count == 0 {
		return 0
	}
	return time.Duration(h.Sum / float64(h.Count) * float64(time.Second))
}

// Snapshot is a point-in-time view of a Recorder.
type Snapshot struct {
	Submitted       int64     `json:"submitted"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	Challenged      int64     `json:"challenged"`
	Cancelled       int64     `json:"cancelled"`
	Retried         int64     `json:"retried"`
	Attempts        int64     `json:"attempts"`
	InFlight        int64     `json:"in_flight"`
	AttemptDuration Histogram `json:"attempt_duration"`
	FetchDuration   Histogram `json:"fetch_duration"`
	PacingDelay     Histogram `json:"pacing_delay"`
	Backoff         Histogram `json:"backoff"`
}

// Resolved is the number of requests with a terminal outcome.
func (s Snapshot) Resolved() int64 {
	return s.Succeeded + s.Failed + s.Challenged + s.Cancelled
}

// Snapshot reads the current counters. Counters are read individually, so a
// snapshot taken mid-run may be off by requests resolving concurrently.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Submitted:       r.submitted.Load(),
		Succeeded:       r.succeeded.Load(),
		Failed:          r.failed.Load(),
		Challenged:      r.challenged.Load(),
		Cancelled:       r.cancelled.Load(),
		Retried:         r.retried.Load(),
		Attempts:        r.attempts.Load(),
		InFlight:        r.inFlight.Load(),
		AttemptDuration: readHistogram(r.attemptDuration),
		FetchDuration:   readHistogram(r.fetchDuration),
		PacingDelay:     readHistogram(r.pacingDelay),
		Backoff:         readHistogram(r.backoffDelay),
	}
}

// String renders a one-line summary for logs.
func (s Snapshot) String() string {
	return fmt.Sprintf("submitted=%d succeeded=%d failed=%d challenged=%d cancelled=%d retried=%d attempts=%d",
		s.Submitted, s.Succeeded, s.Failed, s.Challenged, s.Cancelled, s.Retried, s.Attempts)
}

func readHistogram(h prometheus.Histogram) Histogram {
	var m dto.Metric
	if err := h.Write(&m); err != nil || m.GetHistogram() == nil {
		return Histogram{}
	}
	src := m.GetHistogram()
	out := Histogram{
		Count:   src.GetSampleCount(),
		Sum:     src.GetSampleSum(),
		Buckets: make([]Bucket, 0, len(src.GetBucket())),
	}
	for _, b := range src.GetBucket() {
		out.Buckets = append(out.Buckets, Bucket{UpperBound: b.GetUpperBound(), Count: b.GetCumulativeCount()})
	}
	return out
}
