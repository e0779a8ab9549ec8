// Package log provides the zap-backed logger used by every component in
// this module. A single process-wide logger is configured once (typically
// from cmd/sheepd), and components derive named children from it.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	std = NewLoggerWithLevel("sheepd", zapcore.InfoLevel)
)

// NewLoggerWithLevel builds a console-encoded zap.Logger at the given level.
func NewLoggerWithLevel(name string, level zapcore.Level, opts ...zap.Option) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core, opts...).Named(name)
}

// SetLevel replaces the process-wide default logger with one at the given
// level. Used by the CLI for its --verbose flag and for the config file's
// debug/log-level settings.
func SetLevel(level zapcore.Level) {
	mu.Lock()
	defer mu.Unlock()
	std = NewLoggerWithLevel("sheepd", level)
}

func logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// Named returns a child logger scoped to the given component name.
func Named(name string) *zap.Logger {
	return logger().Named(name)
}

func Debug(msg string, fields ...zap.Field) { logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { logger().Sugar().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger().Sugar().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger().Sugar().Errorf(format, args...) }
