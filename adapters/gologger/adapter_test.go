package gologger

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-purchases/core"
)

func TestNewBundle_DeterministicFallback(t *testing.T) {
	loggerOnly := &capturingLogger{id: "logger"}
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	bundle := NewBundle("purchases", provider, loggerOnly)
	if got := bundle.Logger.(*capturingLogger); got.id != "provider" {
		t.Fatalf("expected provider logger precedence, got %q", got.id)
	}

	bundle = NewBundle("purchases", nil, loggerOnly)
	if got := bundle.Logger.(*capturingLogger); got.id != "logger" {
		t.Fatalf("expected direct logger when provider is nil, got %q", got.id)
	}
	if bundle.Provider == nil {
		t.Fatalf("expected provider wrapper from logger")
	}

	if bundle = NewBundle("purchases", nil, nil); bundle.Logger == nil || bundle.JobLogger == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestNewBundle_JobBridgeForwardsToProvider(t *testing.T) {
	providerLogger := &capturingLogger{id: "provider"}
	bundle := NewBundle("purchases", &capturingProvider{logger: providerLogger}, nil)
	if bundle.JobProvider == nil || bundle.JobLogger == nil {
		t.Fatalf("expected go-job bridges")
	}

	bundle.JobProvider.GetLogger("purchases").Info("hello", "k", "v")

	captured := providerLogger.lastInfo
	if captured.msg != "hello" {
		t.Fatalf("expected bridged message, got %q", captured.msg)
	}
	if captured.args[0] != "k" || captured.args[1] != "v" {
		t.Fatalf("expected bridged args, got %#v", captured.args)
	}
}

func TestNewBundle_WithDiagnosticsPublishesJobLogs(t *testing.T) {
	store := core.NewStateStore()
	defer store.Close()
	providerLogger := &capturingLogger{id: "provider"}

	bundle := NewBundle("purchases", &capturingProvider{logger: providerLogger}, nil,
		WithDiagnostics(store, core.LogLevelInfo))
	bundle.JobLogger.Info("job finished", "job_id", core.JobIDCatalogRefresh)

	if providerLogger.lastInfo.msg != "job finished" {
		t.Fatalf("expected record forwarded to wrapped logger")
	}
	event, ok := store.LastDiagnostic()
	if !ok || event.Message != "job finished" || event.Fields["job_id"] != core.JobIDCatalogRefresh {
		t.Fatalf("expected job log in diagnostic stream, got %+v (%v)", event, ok)
	}
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger *capturingLogger
}

func (p *capturingProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{
		msg:  msg,
		args: append([]any(nil), args...),
	}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
