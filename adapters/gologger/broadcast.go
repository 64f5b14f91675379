package gologger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-purchases/core"
)

const EventLog = "log"

// DiagnosticPublisher receives log lines as diagnostic events.
// *core.StateStore implements it.
type DiagnosticPublisher interface {
	PublishDiagnostic(event core.DiagnosticEvent)
}

// BroadcastLogger forwards every call to the wrapped logger and publishes
// calls at or above the minimum level to the diagnostic stream.
type BroadcastLogger struct {
	next      glog.Logger
	publisher DiagnosticPublisher
	minLevel  core.LogLevel
	now       func() time.Time
}

type BroadcastOption func(*BroadcastLogger)

func WithBroadcastClock(now func() time.Time) BroadcastOption {
	return func(l *BroadcastLogger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewBroadcastLogger(next glog.Logger, publisher DiagnosticPublisher, minLevel core.LogLevel, opts ...BroadcastOption) *BroadcastLogger {
	logger := &BroadcastLogger{
		next:      glog.Ensure(next),
		publisher: publisher,
		minLevel:  minLevel,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(logger)
		}
	}
	return logger
}

// BroadcastProvider wraps every logger handed out by provider.
type BroadcastProvider struct {
	provider  glog.LoggerProvider
	publisher DiagnosticPublisher
	minLevel  core.LogLevel
}

func NewBroadcastProvider(provider glog.LoggerProvider, publisher DiagnosticPublisher, minLevel core.LogLevel) *BroadcastProvider {
	return &BroadcastProvider{provider: provider, publisher: publisher, minLevel: minLevel}
}

func (p *BroadcastProvider) GetLogger(name string) glog.Logger {
	var next glog.Logger
	if p != nil && p.provider != nil {
		next = p.provider.GetLogger(name)
	}
	if p == nil {
		return glog.Ensure(next)
	}
	return NewBroadcastLogger(next, p.publisher, p.minLevel)
}

func (l *BroadcastLogger) Trace(msg string, args ...any) {
	l.next.Trace(msg, args...)
	l.publish(core.LogLevelTrace, msg, args)
}

func (l *BroadcastLogger) Debug(msg string, args ...any) {
	l.next.Debug(msg, args...)
	l.publish(core.LogLevelDebug, msg, args)
}

func (l *BroadcastLogger) Info(msg string, args ...any) {
	l.next.Info(msg, args...)
	l.publish(core.LogLevelInfo, msg, args)
}

func (l *BroadcastLogger) Warn(msg string, args ...any) {
	l.next.Warn(msg, args...)
	l.publish(core.LogLevelWarn, msg, args)
}

func (l *BroadcastLogger) Error(msg string, args ...any) {
	l.next.Error(msg, args...)
	l.publish(core.LogLevelError, msg, args)
}

// Fatal is published at error level before it reaches the wrapped logger,
// which may exit the process.
func (l *BroadcastLogger) Fatal(msg string, args ...any) {
	l.publish(core.LogLevelError, msg, args)
	l.next.Fatal(msg, args...)
}

func (l *BroadcastLogger) WithContext(ctx context.Context) glog.Logger {
	return &BroadcastLogger{
		next:      glog.Ensure(l.next.WithContext(ctx)),
		publisher: l.publisher,
		minLevel:  l.minLevel,
		now:       l.now,
	}
}

func (l *BroadcastLogger) publish(level core.LogLevel, msg string, args []any) {
	if l.publisher == nil || level < l.minLevel {
		return
	}
	event := core.DiagnosticEvent{
		ID:      uuid.NewString(),
		Level:   level,
		Event:   EventLog,
		Message: msg,
		Fields:  argsToFields(args),
		At:      l.now(),
	}
	if err, ok := event.Fields["error"].(error); ok {
		event.Err = err
		event.Kind = core.KindOf(err)
	}
	if token, ok := event.Fields["token"].(string); ok {
		event.Token = token
	}
	l.publisher.PublishDiagnostic(event)
}

// argsToFields pairs up key/value args. A dangling value is kept under
// "extra".
func argsToFields(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]any, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["extra"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}

var (
	_ glog.Logger         = (*BroadcastLogger)(nil)
	_ glog.LoggerProvider = (*BroadcastProvider)(nil)
	_ DiagnosticPublisher = (*core.StateStore)(nil)
)
