package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type engineBuilder struct {
	runtimeConfig      Config
	logger             Logger
	loggerProvider     LoggerProvider
	metricsRecorder    MetricsRecorder
	errorFactory       ErrorFactory
	errorMapper        ErrorMapper
	configProvider     ConfigProvider
	optionsResolver    OptionsResolver
	catalogClient      CatalogClient
	verificationClient VerificationClient
	gateway            MarketplaceGateway
	backendFactory     BackendFactory
	ledger             EntitlementLedger
	store              *StateStore
	clock              func() time.Time
}

type Option func(*engineBuilder)

func WithLogger(logger Logger) Option {
	return func(b *engineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *engineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *engineBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *engineBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *engineBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *engineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *engineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithCatalogClient(client CatalogClient) Option {
	return func(b *engineBuilder) {
		b.catalogClient = client
	}
}

func WithVerificationClient(client VerificationClient) Option {
	return func(b *engineBuilder) {
		b.verificationClient = client
	}
}

func WithMarketplaceGateway(gateway MarketplaceGateway) Option {
	return func(b *engineBuilder) {
		b.gateway = gateway
	}
}

// WithBackendFactory sets the constructor used for backend clients that were
// not supplied directly, and again on Reconfigure.
func WithBackendFactory(factory BackendFactory) Option {
	return func(b *engineBuilder) {
		b.backendFactory = factory
	}
}

func WithEntitlementLedger(ledger EntitlementLedger) Option {
	return func(b *engineBuilder) {
		b.ledger = ledger
	}
}

// WithStateStore shares a store between the engine and other observers such
// as a broadcast logger built before the engine.
func WithStateStore(store *StateStore) Option {
	return func(b *engineBuilder) {
		b.store = store
	}
}

func WithClock(clock func() time.Time) Option {
	return func(b *engineBuilder) {
		b.clock = clock
	}
}

func defaultEngineBuilder(runtime Config) engineBuilder {
	loggerProvider, logger := glog.Resolve("purchases", nil, nil)
	return engineBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return purchaseErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader returns a loader that serves a fixed raw map.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString := func(target map[string]any, key, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			target[key] = strings.TrimSpace(value)
		}
	}
	setDuration := func(target map[string]any, key string, value time.Duration) {
		if includeZero || value > 0 {
			target[key] = value
		}
	}

	setString(layer, "service_name", cfg.ServiceName)
	setString(layer, "platform", cfg.Platform)
	setString(layer, "acknowledgement", strings.ToLower(cfg.Acknowledgement))
	if includeZero || cfg.Workers > 0 {
		layer["workers"] = cfg.Workers
	}

	timeouts := map[string]any{}
	setDuration(timeouts, "catalog", cfg.Timeouts.Catalog)
	setDuration(timeouts, "verify", cfg.Timeouts.Verify)
	setDuration(timeouts, "acknowledge", cfg.Timeouts.Acknowledge)
	if len(timeouts) > 0 {
		layer["timeouts"] = timeouts
	}

	diagnostics := map[string]any{}
	setString(diagnostics, "min_level", strings.ToLower(cfg.Diagnostics.MinLevel))
	if len(diagnostics) > 0 {
		layer["diagnostics"] = diagnostics
	}

	backend := map[string]any{}
	setString(backend, "environment", strings.ToLower(cfg.Backend.Environment))
	setString(backend, "base_url", cfg.Backend.BaseURL)
	setString(backend, "api_key", cfg.Backend.APIKey)
	setString(backend, "app_version", cfg.Backend.AppVersion)
	setString(backend, "country", cfg.Backend.Country)
	setString(backend, "user_id", cfg.Backend.UserID)
	setString(backend, "utm_source", cfg.Backend.UtmSource)
	setString(backend, "environment_tag", cfg.Backend.EnvironmentTag)
	setString(backend, "package_name", cfg.Backend.PackageName)
	if len(backend) > 0 {
		layer["backend"] = backend
	}
	return layer
}
