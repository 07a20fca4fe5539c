// Package retry decides whether a classified attempt is retried, how long to
// back off first, and whether the next attempt must use a different context.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// Config controls attempt ceilings and backoff growth.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// ChallengeCap bounds attempts for challenged requests. 0 and 1 both mean
	// a challenge is never retried.
	ChallengeCap int
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
		ChallengeCap:  1,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fetch.NewConfigError("retry.max_attempts", "must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BackoffFactor < 1.0 {
		return fetch.NewConfigError("retry.backoff_factor", "must be >= 1.0, got %v", c.BackoffFactor)
	}
	if c.BaseDelay < 0 {
		return fetch.NewConfigError("retry.base_delay", "must be >= 0, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fetch.NewConfigError("retry.max_delay", "must be >= base_delay, got %s", c.MaxDelay)
	}
	// A challenge earns fewer attempts than a transient failure.
	maxCap := max(c.MaxAttempts-1, 1)
	if c.ChallengeCap < 0 || c.ChallengeCap > maxCap {
		return fetch.NewConfigError("challenge.cap", "must be within [0, %d] and below retry.max_attempts, got %d", maxCap, c.ChallengeCap)
	}
	return nil
}

// Action is the policy's decision for one attempt.
type Action struct {
	Retry         bool
	Backoff       time.Duration
	RotateContext bool
	// Final and Err describe the outcome when Retry is false.
	Final fetch.Kind
	Err   error
}

// Policy maps classified attempts to actions.
type Policy struct {
	cfg Config
}

// New builds a Policy.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

// Next decides what follows attempt number attempt (1-based).
func (p *Policy) Next(attempt int, c fetch.Classification) Action {
	switch c.Verdict {
	case fetch.VerdictOk:
		return Action{Final: fetch.KindSuccess}
	case fetch.VerdictRetryable:
		if attempt < p.cfg.MaxAttempts {
			return Action{Retry: true, Backoff: p.Backoff(attempt)}
		}
		cause := causeOf(c)
		if !fetch.IsRetryable(cause) {
			cause = fetch.Retryable(cause)
		}
		return Action{
			Final: fetch.KindFailed,
			Err:   fmt.Errorf("gave up after %d attempts: %w", attempt, cause),
		}
	case fetch.VerdictChallenged:
		if attempt < p.cfg.ChallengeCap {
			return Action{Retry: true, Backoff: p.Backoff(attempt), RotateContext: true}
		}
		return Action{
			Final: fetch.KindChallenged,
			Err:   fmt.Errorf("%w: %s", fetch.ErrChallenged, c.Reason),
		}
	default:
		return Action{Final: fetch.KindFailed, Err: fetch.Terminal(causeOf(c))}
	}
}

// Backoff returns base * factor^(attempt-1), capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffFactor, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) || math.IsInf(delay, 1) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func causeOf(c fetch.Classification) error {
	if c.Err != nil {
		var te *fetch.TerminalError
		if errors.As(c.Err, &te) {
			return te.Err
		}
		return c.Err
	}
	if c.Reason != "" {
		return errors.New(c.Reason)
	}
	return errors.New(c.Verdict.String())
}
