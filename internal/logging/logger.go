package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a configured level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger returns a zap logger configured for structured production logging.
// When store is non-nil every enabled entry is also captured in the in-memory ring buffer.
func NewLogger(level string, store *Store) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	if store == nil {
		return cfg.Build()
	}
	return cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, store.Core(cfg.Level))
	}))
}

// Audit records a security relevant action on the structured log.
func Audit(logger *zap.Logger, action string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Info("audit: "+action, append([]zap.Field{zap.Bool("audit", true), zap.String("action", action)}, fields...)...)
}
