package core

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

type failingConfigProvider struct{}

func (failingConfigProvider) Load(context.Context, Config) (Config, error) {
	return Config{}, errors.New("config source unreadable")
}

func engineOptions(extra ...Option) []Option {
	return append([]Option{
		WithCatalogClient(&fakeCatalogClient{}),
		WithVerificationClient(newFakeVerifier()),
		WithMarketplaceGateway(newFakeGateway()),
	}, extra...)
}

func TestNewEngine_DefaultConfig(t *testing.T) {
	engine := newTestEngine(t, Config{}, engineOptions()...)
	cfg := engine.Config()
	if cfg.ServiceName != "purchases" {
		t.Fatalf("expected default service_name=purchases, got %q", cfg.ServiceName)
	}
	if cfg.Platform != PlatformGoogle {
		t.Fatalf("expected GOOGLE platform, got %q", cfg.Platform)
	}
	if cfg.ClientAcknowledgement() {
		t.Fatalf("expected backend acknowledgement by default")
	}
	if cfg.Timeouts.Verify != defaultVerifyTimeout || cfg.Timeouts.Catalog != defaultCatalogTimeout {
		t.Fatalf("expected default timeouts, got %+v", cfg.Timeouts)
	}
	if cfg.Backend.ResolvedBaseURL() != ProductionBaseURL {
		t.Fatalf("expected production base url, got %q", cfg.Backend.ResolvedBaseURL())
	}
	if engine.Logger() == nil || engine.Store() == nil || engine.Reconciler() == nil {
		t.Fatalf("expected default collaborators to be wired")
	}
}

func TestNewEngine_WithXOverrides(t *testing.T) {
	sentinel := errors.New("sentinel")
	customMapper := func(error) *goerrors.Error {
		return goerrors.Wrap(sentinel, goerrors.CategoryOperation, "mapped")
	}
	store := NewStateStore()
	engine := newTestEngine(t, Config{ServiceName: "runtime"}, engineOptions(
		WithErrorMapper(customMapper),
		WithConfigProvider(&fixedConfigProvider{cfg: Config{ServiceName: "from-provider"}}),
		WithOptionsResolver(&fixedOptionsResolver{cfg: Config{ServiceName: "resolved", Workers: 3}}),
		WithStateStore(store),
	)...)

	if got := engine.Config().ServiceName; got != "resolved" {
		t.Fatalf("expected options resolver output config, got %q", got)
	}
	if engine.Store() != store {
		t.Fatalf("expected custom state store")
	}
	if err := engine.mapError(errors.New("x")); !errors.Is(err, sentinel) {
		t.Fatalf("expected custom mapper to be used, got %v", err)
	}
}

func TestNewEngine_ConfigLayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(StaticConfigLoader(map[string]any{
		"service_name":    "from-config",
		"acknowledgement": "client",
		"backend": map[string]any{
			"api_key":     "from-config-key",
			"environment": "staging",
		},
	}))

	engine := newTestEngine(t, Config{ServiceName: "from-runtime"}, engineOptions(WithConfigProvider(provider))...)

	cfg := engine.Config()
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime value to override config/default, got %q", cfg.ServiceName)
	}
	if !cfg.ClientAcknowledgement() {
		t.Fatalf("expected config layer acknowledgement, got %q", cfg.Acknowledgement)
	}
	if cfg.Backend.APIKey != "from-config-key" || cfg.Backend.ResolvedBaseURL() != StagingBaseURL {
		t.Fatalf("expected config layer backend values, got %+v", cfg.Backend)
	}
	if cfg.Timeouts.Acknowledge != defaultAcknowledgeTimeout {
		t.Fatalf("expected default layer timeouts, got %+v", cfg.Timeouts)
	}
}

func TestGoOptionsResolver_RuntimeTimeoutsWin(t *testing.T) {
	resolved, err := GoOptionsResolver{}.Resolve(DefaultConfig(), Config{}, Config{
		Timeouts: TimeoutConfig{Verify: 3 * time.Second},
		Workers:  2,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Timeouts.Verify != 3*time.Second {
		t.Fatalf("expected runtime verify timeout, got %v", resolved.Timeouts.Verify)
	}
	if resolved.Timeouts.Catalog != defaultCatalogTimeout {
		t.Fatalf("expected default catalog timeout, got %v", resolved.Timeouts.Catalog)
	}
	if resolved.Workers != 2 {
		t.Fatalf("expected runtime workers, got %d", resolved.Workers)
	}
}

func TestGoOptionsResolver_RejectsInvalidValues(t *testing.T) {
	if _, err := (GoOptionsResolver{}).Resolve(DefaultConfig(), Config{}, Config{Acknowledgement: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected invalid acknowledgement to be rejected")
	}
	if _, err := (GoOptionsResolver{}).Resolve(DefaultConfig(), Config{}, Config{Backend: BackendConfig{Environment: "qa"}}); err == nil {
		t.Fatalf("expected invalid environment to be rejected")
	}
}

func TestNewEngine_ConfigProviderFailureIsMapped(t *testing.T) {
	_, err := NewEngine(Config{}, engineOptions(WithLogger(stubLogger{}), WithConfigProvider(failingConfigProvider{}))...)
	if err == nil {
		t.Fatalf("expected config provider failure")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode == "" {
		t.Fatalf("expected mapped error envelope, got %#v", err)
	}
}

func TestBackendConfig_ValidateAndRedact(t *testing.T) {
	if err := (BackendConfig{}).Validate(); KindOf(err) != KindFatalConfig {
		t.Fatalf("expected missing api key to be a config error, got %v", err)
	}
	cfg := BackendConfig{APIKey: "abcdefghijk", BaseURL: "http://localhost:9000/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.RedactedAPIKey(); got != "abcde..." {
		t.Fatalf("expected redacted key, got %q", got)
	}
	if got := (BackendConfig{APIKey: "abc"}).RedactedAPIKey(); got != "***" {
		t.Fatalf("expected short key to be masked, got %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	if level, ok := ParseLogLevel("WARNING"); !ok || level != LogLevelWarn {
		t.Fatalf("expected warn, got %v", level)
	}
	if level, ok := ParseLogLevel(""); !ok || level != LogLevelDebug {
		t.Fatalf("expected empty level to default to debug, got %v", level)
	}
	if _, ok := ParseLogLevel("verbose"); ok {
		t.Fatalf("expected unknown level to fail")
	}
}
