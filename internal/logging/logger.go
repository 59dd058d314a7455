// Package logging builds the shared zap logger for the skyhive binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger flavor from the pipeline configuration.
type Config struct {
	// Development switches to console encoding with colored levels, for
	// watching a headful run alongside the browser window.
	Development bool
	// Level is the minimum enabled level: debug, info, warn, or error.
	// Empty means info.
	Level string
}

// New builds the process logger. Production output is JSON with sampling
// disabled: volume is bounded by what one browser session can navigate, and
// dropped lines would punch holes in the per-entity transition trail.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.Sampling = nil
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("skyhive"), nil
}
