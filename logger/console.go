package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

const (
	reset       = "\033[0m"
	red         = "\033[31m"
	green       = "\033[32m"
	magenta     = "\033[35m"
	blueBold    = "\033[34;1m"
	magentaBold = "\033[35;1m"
	redBold     = "\033[31;1m"
	yellowBold  = "\033[33;1m"
	whiteBold   = "\033[37;1m"
	cyanBold    = "\033[36;1m"
	gray        = "\033[1;90m"
	purple      = "\u001b[38;5;200m"
)

// palette holds the level and message colors for each level.
var palette = map[LogLevel][2]string{
	LevelTrace: {cyanBold, gray},
	LevelDebug: {blueBold, green},
	LevelInfo:  {yellowBold, whiteBold},
	LevelWarn:  {magentaBold, magenta},
	LevelError: {redBold, red},
}

// writer serializes lines from every logger derived from the same root.
type writer struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *writer) line(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	io.WriteString(w.w, s+"\n")
}

func newWriter(w io.Writer) *writer {
	if w == nil {
		w = os.Stderr
	}
	return &writer{w: w}
}

// colorful reports whether w is a terminal that understands ANSI colors.
func colorful(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type consoleLogger struct {
	out      *writer
	level    LogLevel
	color    bool
	prefixes []string
	metadata map[string]interface{}
	child    Logger
}

var _ Logger = (*consoleLogger)(nil)

// NewConsoleLogger returns a Logger writing human readable lines to w, or to
// stderr when w is nil. Colors are used only when w is a terminal.
func NewConsoleLogger(w io.Writer, level LogLevel) Logger {
	out := newWriter(w)
	return &consoleLogger{out: out, level: level, color: colorful(out.w)}
}

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		out:      c.out,
		level:    c.level,
		color:    c.color,
		prefixes: slices.Clone(c.prefixes),
		metadata: metadata,
		child:    c.child,
	}
}

func (c *consoleLogger) paint(code, s string) string {
	if !c.color {
		return s
	}
	return code + s + reset
}

func (c *consoleLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	if level < c.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	colors := palette[level]
	name := level.severity()
	if level == LevelWarn {
		name = "WARN"
	}
	var b strings.Builder
	b.WriteString(c.paint(colors[0], fmt.Sprintf("%-7s", "["+name+"]")))
	b.WriteByte(' ')
	if len(c.prefixes) > 0 {
		b.WriteString(c.paint(purple, strings.Join(c.prefixes, " ")))
		b.WriteByte(' ')
	}
	b.WriteString(c.paint(colors[1], msg))
	if len(c.metadata) > 0 {
		buf, _ := json.Marshal(c.metadata)
		b.WriteByte(' ')
		b.WriteString(c.paint(gray, string(buf)))
	}
	c.out.line(b.String())
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...) // Error because we want to log the error before exiting
	}
	os.Exit(1)
}

func (c *consoleLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}
