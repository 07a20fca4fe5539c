package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fetchgate/internal/progress"
)

// PrometheusSink exports per-site progress metrics: attempts by verdict and
// outcomes by kind.
type PrometheusSink struct {
	runsStarted     prometheus.Counter
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	outcomeAttempts *prometheus.HistogramVec
	bytes           *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchgate_runs_started_total",
			Help: "Orchestrator runs started.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchgate_site_attempts_total",
			Help: "Finished attempts partitioned by site, verdict, and status class.",
		}, []string{"site", "verdict", "status_class"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchgate_site_attempt_duration_seconds",
			Help:    "Attempt duration partitioned by site and verdict.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "verdict"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchgate_site_outcomes_total",
			Help: "Resolved requests partitioned by site and kind.",
		}, []string{"site", "kind"}),
		outcomeAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchgate_site_outcome_attempts",
			Help:    "Attempts needed to resolve a request.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchgate_site_bytes_total",
			Help: "Payload bytes of successful requests per site.",
		}, []string{"site"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.attempts,
		s.attemptDuration,
		s.outcomes,
		s.outcomeAttempts,
		s.bytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageAttemptDone:
			statusClass := string(evt.StatusClass)
			if statusClass == "" {
				statusClass = string(progress.StatusOther)
			}
			s.attempts.WithLabelValues(site, evt.Verdict, statusClass).Inc()
			if evt.Dur > 0 {
				s.attemptDuration.WithLabelValues(site, evt.Verdict).Observe(evt.Dur.Seconds())
			}
		case progress.StageOutcome:
			s.outcomes.WithLabelValues(site, evt.Kind).Inc()
			if evt.Attempt > 0 {
				s.outcomeAttempts.WithLabelValues(evt.Kind).Observe(float64(evt.Attempt))
			}
			if evt.Bytes > 0 {
				s.bytes.WithLabelValues(site).Add(float64(evt.Bytes))
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
