package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

func newPolicy(t *testing.T, mutate func(*Config)) *Policy {
	t.Helper()
	cfg := Config{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      time.Second,
		ChallengeCap:  2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"factor below one", func(c *Config) { c.BackoffFactor = 0.5 }},
		{"negative base", func(c *Config) { c.BaseDelay = -time.Second }},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }},
		{"cap above attempts", func(c *Config) { c.ChallengeCap = c.MaxAttempts + 1 }},
		{"cap equal to attempts", func(c *Config) { c.ChallengeCap = c.MaxAttempts }},
		{"negative cap", func(c *Config) { c.ChallengeCap = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, fetch.ErrConfiguration)
		})
	}
}

func TestRetryableRetriesUntilMaxAttempts(t *testing.T) {
	t.Parallel()

	p := newPolicy(t, nil)
	cause := errors.New("navigation timeout")
	c := fetch.Classification{Verdict: fetch.VerdictRetryable, Err: cause}

	for attempt := 1; attempt < 3; attempt++ {
		a := p.Next(attempt, c)
		require.True(t, a.Retry, "attempt %d", attempt)
		assert.False(t, a.RotateContext)
	}
	final := p.Next(3, c)
	assert.False(t, final.Retry)
	assert.Equal(t, fetch.KindFailed, final.Final)
	assert.ErrorIs(t, final.Err, cause)
	var re *fetch.RetryableError
	require.ErrorAs(t, final.Err, &re)
	assert.Contains(t, final.Err.Error(), "gave up after 3 attempts")
}

func TestSingleAttemptAllowsCapOne(t *testing.T) {
	t.Parallel()

	p := newPolicy(t, func(c *Config) { c.MaxAttempts = 1; c.ChallengeCap = 1 })
	a := p.Next(1, fetch.Classification{Verdict: fetch.VerdictRetryable, Err: fetch.Retryable(errors.New("reset"))})
	assert.False(t, a.Retry)
	assert.True(t, fetch.IsRetryable(a.Err))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := newPolicy(t, func(c *Config) { c.MaxAttempts = 10; c.ChallengeCap = 1 })
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5))
	assert.Equal(t, time.Second, p.Backoff(500))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := p.Next(attempt, fetch.Classification{Verdict: fetch.VerdictRetryable}).Backoff
		assert.Greater(t, d, prev)
		prev = d
	}
}

func TestChallengeCapForcesRotation(t *testing.T) {
	t.Parallel()

	p := newPolicy(t, nil)
	c := fetch.Classification{Verdict: fetch.VerdictChallenged, Reason: "marker \"captcha\""}

	first := p.Next(1, c)
	require.True(t, first.Retry)
	assert.True(t, first.RotateContext)

	second := p.Next(2, c)
	assert.False(t, second.Retry)
	assert.Equal(t, fetch.KindChallenged, second.Final)
	assert.ErrorIs(t, second.Err, fetch.ErrChallenged)
}

func TestChallengeCapZeroAndOneNeverRetry(t *testing.T) {
	t.Parallel()

	for _, capValue := range []int{0, 1} {
		p := newPolicy(t, func(c *Config) { c.ChallengeCap = capValue })
		a := p.Next(1, fetch.Classification{Verdict: fetch.VerdictChallenged})
		assert.False(t, a.Retry, "cap %d", capValue)
		assert.Equal(t, fetch.KindChallenged, a.Final)
	}
}

func TestTerminalGivesUpImmediately(t *testing.T) {
	t.Parallel()

	p := newPolicy(t, nil)
	a := p.Next(1, fetch.Classification{Verdict: fetch.VerdictTerminal, Reason: "status 404"})
	assert.False(t, a.Retry)
	assert.Equal(t, fetch.KindFailed, a.Final)
	assert.True(t, fetch.IsTerminal(a.Err))
	assert.Contains(t, a.Err.Error(), "status 404")
}

func TestOkIsFinalSuccess(t *testing.T) {
	t.Parallel()

	a := newPolicy(t, nil).Next(1, fetch.Classification{Verdict: fetch.VerdictOk})
	assert.False(t, a.Retry)
	assert.Equal(t, fetch.KindSuccess, a.Final)
	assert.NoError(t, a.Err)
}
