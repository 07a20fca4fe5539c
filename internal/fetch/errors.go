package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid configuration. It is fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrChallenged signals that the target served an anti-bot challenge.
	ErrChallenged = errors.New("challenged by target")
	// ErrCancelled signals shutdown or caller cancellation.
	ErrCancelled = errors.New("fetch cancelled")
)

// ConfigError describes an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError builds a ConfigError.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// RetryableError wraps a transient failure such as a navigation timeout.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError wraps a failure that retrying cannot fix.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %v", e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Terminal wraps err as a TerminalError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsRetryable reports whether err is, or wraps, a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsTerminal reports whether err is, or wraps, a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
