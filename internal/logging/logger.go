// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/fetchgate/internal/fetch"
)

// RootName names the logger every component logger descends from.
const RootName = "fetchgate"

// Options selects the encoder, the minimum level and where logs go.
type Options struct {
	// Development switches to the colored console encoder with caller and
	// stack traces on warnings.
	Development bool
	// Level is a zap level name; empty means info.
	Level string
	// Outputs are zap sink URLs or file paths; empty means stderr.
	Outputs []string
}

// Validate reports configuration errors.
func (o Options) Validate() error {
	if _, err := o.level(); err != nil {
		return fetch.NewConfigError("logging.level", "%v", err)
	}
	return nil
}

func (o Options) level() (zapcore.Level, error) {
	if o.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(o.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown level %q", o.Level)
	}
	return lvl, nil
}

func (o Options) zapConfig() (zap.Config, error) {
	lvl, err := o.level()
	if err != nil {
		return zap.Config{}, err
	}
	var cfg zap.Config
	if o.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	if len(o.Outputs) > 0 {
		cfg.OutputPaths = append([]string(nil), o.Outputs...)
	}
	return cfg, nil
}

// New builds the root logger described by opts.
func New(opts Options) (*zap.Logger, error) {
	cfg, err := opts.zapConfig()
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named(RootName), nil
}
