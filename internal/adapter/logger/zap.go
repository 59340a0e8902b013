package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Zap implements domain.Logger on top of a zap SugaredLogger.
type Zap struct {
	logger *zap.SugaredLogger
}

// NewZap creates a production zap logger writing JSON to stderr.
func NewZap() (*Zap, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	base, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Zap{logger: base.Sugar()}, nil
}

// Sync flushes buffered log entries.
func (l *Zap) Sync() {
	_ = l.logger.Sync()
}

// Info logs an informational message with key-value pairs.
func (l *Zap) Info(msg string, args ...any) {
	l.logger.Infow(msg, args...)
}

// Warn logs a warning with key-value pairs.
func (l *Zap) Warn(msg string, args ...any) {
	l.logger.Warnw(msg, args...)
}

// Error logs an error message with key-value pairs.
func (l *Zap) Error(msg string, args ...any) {
	l.logger.Errorw(msg, args...)
}
