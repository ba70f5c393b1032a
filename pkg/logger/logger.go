// Package logger is the package-level run logger. Calls before Init are
// dropped.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config contains configuration for the logger
type Config struct {
	Path    string // Log file path; empty logs to stderr only when Verbose
	Format  string // "json" or "human"
	Debug   bool   // Enable debug level logging
	Verbose bool   // Mirror log output to stderr
}

var (
	mu     sync.RWMutex
	base   = zap.NewNop()
	sugar  = base.Sugar()
	closed = true
)

// Init initializes the global logger with the specified log file path.
func Init(logPath string) error {
	return InitWithConfig(Config{Path: logPath, Format: "human", Debug: true})
}

// InitWithConfig initializes the global logger from cfg.
func InitWithConfig(cfg Config) error {
	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zapConfig.DisableStacktrace = true
	}

	var outputs []string
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		outputs = append(outputs, cfg.Path)
	}
	if cfg.Verbose {
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		outputs = append(outputs, "stderr")
	}
	if len(outputs) == 0 {
		return nil
	}
	zapConfig.OutputPaths = outputs
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	if cfg.Debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	l, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	base = l
	sugar = l.Sugar()
	closed = false
	return nil
}

// Close flushes the log and resets to the no-op logger.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if !closed {
		_ = base.Sync()
	}
	base = zap.NewNop()
	sugar = base.Sugar()
	closed = true
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// With returns a logger with structured fields attached, e.g.
// logger.With("flow", name).Infow("step passed", "step", id).
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return current().With(keysAndValues...)
}

// Zap returns the underlying logger for libraries that take a *zap.Logger.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}
