// Package log provides the structured logger used across hbackup's
// engines to report progress, warnings, and errors during a run.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the sugared zap logger used throughout the engines.
type Logger = zap.SugaredLogger

// New builds a Logger writing to stderr. verbose selects debug-level
// output; otherwise only info-and-above is emitted.
func New(verbose bool) *Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = ""

	l, err := cfg.Build()
	if err != nil {
		// zap's development config cannot fail to build; fall back
		// to a no-op logger rather than panicking a backup run.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Nop returns a logger that discards everything, used by tests.
func Nop() *Logger {
	return zap.NewNop().Sugar()
}
