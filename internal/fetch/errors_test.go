package fetch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("load: %w", NewConfigError("fetch.max_concurrent", "must be > 0, got %d", 0))
	require.ErrorIs(t, err, ErrConfiguration)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "fetch.max_concurrent", cfgErr.Field)
	assert.Contains(t, err.Error(), "must be > 0, got 0")
}

func TestRetryableAndTerminalWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	assert.Nil(t, Retryable(nil))
	assert.Nil(t, Terminal(nil))

	r := Retryable(base)
	assert.ErrorIs(t, r, base)
	assert.False(t, IsTerminal(r))
	assert.True(t, IsRetryable(fmt.Errorf("attempt 3: %w", r)))
	assert.False(t, IsRetryable(base))

	term := fmt.Errorf("navigate: %w", Terminal(base))
	assert.ErrorIs(t, term, base)
	assert.True(t, IsTerminal(term))
}

func TestKindAndVerdictStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "success", KindSuccess.String())
	assert.Equal(t, "cancelled", KindCancelled.String())
	assert.Equal(t, "challenged", VerdictChallenged.String())
	assert.Equal(t, "unknown", Verdict(99).String())
	assert.NotEmpty(t, NewRequest("https://example.com").ID)
}
