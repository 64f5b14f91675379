package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	AcknowledgeBackend = "backend"
	AcknowledgeClient  = "client"

	EnvironmentProduction = "production"
	EnvironmentStaging    = "staging"

	ProductionBaseURL = "https://api.linkfive.io"
	StagingBaseURL    = "https://api.staging.linkfive.io"
)

const (
	defaultCatalogTimeout     = 15 * time.Second
	defaultVerifyTimeout      = 20 * time.Second
	defaultAcknowledgeTimeout = 10 * time.Second
)

type TimeoutConfig struct {
	Catalog     time.Duration `koanf:"catalog" mapstructure:"catalog"`
	Verify      time.Duration `koanf:"verify" mapstructure:"verify"`
	Acknowledge time.Duration `koanf:"acknowledge" mapstructure:"acknowledge"`
}

type DiagnosticsConfig struct {
	MinLevel string `koanf:"min_level" mapstructure:"min_level"`
}

type BackendConfig struct {
	Environment    string `koanf:"environment" mapstructure:"environment"`
	BaseURL        string `koanf:"base_url" mapstructure:"base_url"`
	APIKey         string `koanf:"api_key" mapstructure:"api_key"`
	AppVersion     string `koanf:"app_version" mapstructure:"app_version"`
	Country        string `koanf:"country" mapstructure:"country"`
	UserID         string `koanf:"user_id" mapstructure:"user_id"`
	UtmSource      string `koanf:"utm_source" mapstructure:"utm_source"`
	EnvironmentTag string `koanf:"environment_tag" mapstructure:"environment_tag"`
	PackageName    string `koanf:"package_name" mapstructure:"package_name"`
}

type Config struct {
	ServiceName     string            `koanf:"service_name" mapstructure:"service_name"`
	Platform        string            `koanf:"platform" mapstructure:"platform"`
	Acknowledgement string            `koanf:"acknowledgement" mapstructure:"acknowledgement"`
	Workers         int               `koanf:"workers" mapstructure:"workers"`
	Timeouts        TimeoutConfig     `koanf:"timeouts" mapstructure:"timeouts"`
	Diagnostics     DiagnosticsConfig `koanf:"diagnostics" mapstructure:"diagnostics"`
	Backend         BackendConfig     `koanf:"backend" mapstructure:"backend"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:     "purchases",
		Platform:        PlatformGoogle,
		Acknowledgement: AcknowledgeBackend,
		Timeouts: TimeoutConfig{
			Catalog:     defaultCatalogTimeout,
			Verify:      defaultVerifyTimeout,
			Acknowledge: defaultAcknowledgeTimeout,
		},
		Diagnostics: DiagnosticsConfig{MinLevel: "debug"},
		Backend:     BackendConfig{Environment: EnvironmentProduction},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Acknowledgement)) {
	case "", AcknowledgeBackend, AcknowledgeClient:
	default:
		return fmt.Errorf("core: acknowledgement %q is invalid", c.Acknowledgement)
	}
	if c.Workers < 0 {
		return fmt.Errorf("core: workers must not be negative")
	}
	if c.Timeouts.Catalog < 0 || c.Timeouts.Verify < 0 || c.Timeouts.Acknowledge < 0 {
		return fmt.Errorf("core: timeouts must not be negative")
	}
	if _, ok := ParseLogLevel(c.Diagnostics.MinLevel); !ok {
		return fmt.Errorf("core: diagnostics min_level %q is invalid", c.Diagnostics.MinLevel)
	}
	switch strings.TrimSpace(strings.ToLower(c.Backend.Environment)) {
	case "", EnvironmentProduction, EnvironmentStaging:
	default:
		return fmt.Errorf("core: backend environment %q is invalid", c.Backend.Environment)
	}
	return nil
}

func (c Config) ClientAcknowledgement() bool {
	return strings.EqualFold(strings.TrimSpace(c.Acknowledgement), AcknowledgeClient)
}

func (c Config) MinDiagnosticLevel() LogLevel {
	level, _ := ParseLogLevel(c.Diagnostics.MinLevel)
	return level
}

// Validate checks the settings required to talk to the backend. An API key
// is mandatory; a missing key is a configuration failure.
func (c BackendConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return NewConfigError(nil, "core: backend api_key is required", nil)
	}
	switch strings.TrimSpace(strings.ToLower(c.Environment)) {
	case "", EnvironmentProduction, EnvironmentStaging:
	default:
		return NewConfigError(nil, "core: backend environment is invalid", map[string]any{
			"environment": c.Environment,
		})
	}
	return nil
}

// ResolvedBaseURL returns the explicit base URL when set, otherwise the host
// for the configured environment.
func (c BackendConfig) ResolvedBaseURL() string {
	if base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); base != "" {
		return base
	}
	if strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentStaging) {
		return StagingBaseURL
	}
	return ProductionBaseURL
}

// RedactedAPIKey keeps the first five characters of the key for log lines.
func (c BackendConfig) RedactedAPIKey() string {
	key := strings.TrimSpace(c.APIKey)
	if len(key) <= 5 {
		return strings.Repeat("*", len(key))
	}
	return key[:5] + "..."
}
