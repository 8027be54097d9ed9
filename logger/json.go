package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"
)

// jsonEntry is one line of JSON output.
type jsonEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type jsonLogger struct {
	out        *writer
	level      LogLevel
	components []string
	metadata   map[string]interface{}
	now        func() time.Time
	child      Logger
}

var _ Logger = (*jsonLogger)(nil)

// NewJSONLogger returns a Logger writing one JSON object per line to w, or to
// stderr when w is nil.
func NewJSONLogger(w io.Writer, level LogLevel) Logger {
	return &jsonLogger{out: newWriter(w), level: level, now: time.Now}
}

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		out:        c.out,
		level:      c.level,
		components: slices.Clone(c.components),
		metadata:   metadata,
		now:        c.now,
		child:      c.child,
	}
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

// WithPrefix adds prefix, without its brackets, to the entry's component.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	name := strings.Trim(prefix, "[] ")
	if name != "" && !slices.Contains(clone.components, name) {
		clone.components = append(clone.components, name)
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if level < c.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := jsonEntry{
		Timestamp: c.now(),
		Severity:  level.severity(),
		Message:   msg,
		Component: strings.Join(c.components, ", "),
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		buf, _ = json.Marshal(jsonEntry{
			Timestamp: entry.Timestamp,
			Severity:  entry.Severity,
			Message:   msg + " (metadata dropped: " + err.Error() + ")",
			Component: entry.Component,
		})
	}
	c.out.line(string(buf))
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
	os.Exit(1)
}

func (c *jsonLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}
