package logger

import (
	"context"
	"os"
)

// WithKV returns a logger carrying a single metadata key/value pair.
func WithKV(log Logger, key string, value interface{}) Logger {
	return log.With(map[string]interface{}{key: value})
}

type nopLogger struct{}

var _ Logger = nopLogger{}

// NewNopLogger returns a Logger that discards everything. Stores and session
// handlers use it when no logger is configured.
func NewNopLogger() Logger {
	return nopLogger{}
}

func (n nopLogger) With(map[string]interface{}) Logger { return n }
func (n nopLogger) WithPrefix(string) Logger           { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
func (nopLogger) Trace(string, ...interface{})         {}
func (nopLogger) Debug(string, ...interface{})         {}
func (nopLogger) Info(string, ...interface{})          {}
func (nopLogger) Warn(string, ...interface{})          {}
func (nopLogger) Error(string, ...interface{})         {}
func (nopLogger) Fatal(string, ...interface{})         { os.Exit(1) }
func (nopLogger) Stack(next Logger) Logger             { return next }
