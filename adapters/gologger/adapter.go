// Package gologger bridges go-logger to go-job and to the engine's
// diagnostic stream.
package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-purchases/core"
)

// Bundle is one resolved logging surface shared by the engine and the job
// workers that drive it.
type Bundle struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

type BundleOption func(*bundleConfig)

type bundleConfig struct {
	publisher DiagnosticPublisher
	minLevel  core.LogLevel
}

// WithDiagnostics mirrors records at or above minLevel into publisher.
func WithDiagnostics(publisher DiagnosticPublisher, minLevel core.LogLevel) BundleOption {
	return func(cfg *bundleConfig) {
		cfg.publisher = publisher
		cfg.minLevel = minLevel
	}
}

// NewBundle resolves name with precedence provider > logger > nop and maps
// the result onto the go-job logger contracts.
func NewBundle(name string, provider glog.LoggerProvider, logger glog.Logger, opts ...BundleOption) Bundle {
	cfg := bundleConfig{minLevel: core.LogLevelInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	if cfg.publisher != nil {
		broadcast := NewBroadcastProvider(resolvedProvider, cfg.publisher, cfg.minLevel)
		resolvedProvider = broadcast
		resolvedLogger = broadcast.GetLogger(name)
	}
	return Bundle{
		Provider:    resolvedProvider,
		Logger:      resolvedLogger,
		JobProvider: job.GoLoggerProvider(resolvedProvider),
		JobLogger:   job.GoLogger(resolvedLogger),
	}
}
