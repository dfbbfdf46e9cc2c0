// Package logger provides the zap logger used across the settler.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	Debug bool
}

// NewLogger creates a production zap logger, switched to debug level
// (with development encoding) when cfg.Debug is set.
func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg != nil && cfg.Debug {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return c.Build()
	}
	return zap.NewProduction()
}

// NewNoopLogger returns a logger that discards everything. Used in tests
// that do not care about log output.
func NewNoopLogger() *zap.Logger {
	return zap.NewNop()
}
