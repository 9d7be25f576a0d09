package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ConsoleTag prefixes every line written to a job console.
const ConsoleTag = "[JobCooldown]"

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// JSONLogger writes each event as a single JSON object on its own line.
type JSONLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now}
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// ConsoleLogger renders events as plain "[JobCooldown] <message>" lines, the format
// job consoles show to operators.
type ConsoleLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleLogger builds a ConsoleLogger writing to w.
func NewConsoleLogger(w io.Writer) *ConsoleLogger {
	return &ConsoleLogger{w: w}
}

// Log implements Logger. Events without a message fall back to their name.
func (l *ConsoleLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("console logger is not configured")
	}
	msg := event.Message
	if strings.TrimSpace(msg) == "" {
		msg = event.Event
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, ConsoleTag+" "+msg+"\n"); err != nil {
		return fmt.Errorf("write console line: %w", err)
	}
	return nil
}

// MultiLogger fans events out to every configured logger.
type MultiLogger []Logger

// Log implements Logger. Every logger is invoked even when an earlier one fails.
func (m MultiLogger) Log(ctx context.Context, event Event) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.Log(ctx, event.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Logger = (*JSONLogger)(nil)
var _ Logger = (*ConsoleLogger)(nil)
var _ Logger = MultiLogger(nil)
