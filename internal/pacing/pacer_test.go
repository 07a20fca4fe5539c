package pacing

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"min above max", Config{Min: 3 * time.Second, Max: time.Second}},
		{"negative min", Config{Min: -time.Second, Max: time.Second}},
		{"negative rps", Config{Max: time.Second, PerHostRPS: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			require.ErrorIs(t, err, fetch.ErrConfiguration)
		})
	}
}

func TestDelayForStaysWithinBounds(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Min: time.Second, Max: 3 * time.Second, Rand: rand.New(rand.NewPCG(1, 2))})
	require.NoError(t, err)

	req := fetch.NewRequest("https://example.com")
	seen := make(map[time.Duration]struct{})
	for range 10_000 {
		d := c.DelayFor(req)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 3*time.Second)
		seen[d] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "delays must not all be equal")
}

func TestDelayForDefaultSource(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond})
	require.NoError(t, err)
	for range 1000 {
		d := c.DelayFor(fetch.Request{})
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 20*time.Millisecond)
	}
}

func TestDelayForDegenerateRange(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Min: 2 * time.Second, Max: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.DelayFor(fetch.Request{}))
}

func TestWaitIsCancellable(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Min: time.Hour, Max: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	d, err := c.Wait(ctx, fetch.NewRequest("https://example.com"))
	require.ErrorIs(t, err, fetch.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, time.Hour, d)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitAppliesHostLimit(t *testing.T) {
	t.Parallel()

	c, err := New(Config{PerHostRPS: 10})
	require.NoError(t, err)
	ctx := context.Background()
	req := fetch.NewRequest("https://limited.test/a")

	_, err = c.Wait(ctx, req)
	require.NoError(t, err)
	start := time.Now()
	_, err = c.Wait(ctx, req)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	_, err = c.Wait(ctx, fetch.NewRequest("https://other.test/"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, c.hosts.Hosts())
}

func TestSleepZeroDuration(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, 0), fetch.ErrCancelled)
}
