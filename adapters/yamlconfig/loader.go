// Package yamlconfig loads engine configuration from a YAML file.
package yamlconfig

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-purchases/core"
	"gopkg.in/yaml.v3"
)

// FileLoader reads a YAML document into the raw map consumed by
// core.CfgxConfigProvider. ${VAR} references are expanded from the
// environment before parsing.
type FileLoader struct {
	Path string
	// Optional makes a missing file load as an empty document.
	Optional bool
	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
}

type Option func(*FileLoader)

// WithOptional tolerates a missing file.
func WithOptional() Option {
	return func(l *FileLoader) {
		l.Optional = true
	}
}

func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(l *FileLoader) {
		if lookup != nil {
			l.lookup = lookup
		}
	}
}

func NewFileLoader(path string, opts ...Option) *FileLoader {
	loader := &FileLoader{
		Path:     strings.TrimSpace(path),
		lookup:   os.LookupEnv,
		readFile: os.ReadFile,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loader)
		}
	}
	return loader
}

func (l *FileLoader) LoadRaw(context.Context) (map[string]any, error) {
	if l == nil || l.Path == "" {
		return nil, core.NewConfigError(nil, "yamlconfig: config path is required", nil)
	}
	data, err := l.readFile(l.Path)
	if err != nil {
		if l.Optional && errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, core.NewConfigError(err, "yamlconfig: read config file", map[string]any{"path": l.Path})
	}
	return Parse(data, l.lookup)
}

// Parse decodes a YAML document. Duration fields under timeouts accept Go
// duration strings ("15s") or integer milliseconds.
func Parse(data []byte, lookup func(string) (string, bool)) (map[string]any, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	expanded := os.Expand(string(data), func(key string) string {
		value, _ := lookup(key)
		return value
	})

	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, core.NewConfigError(err, "yamlconfig: parse config file", nil)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := normalizeDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func normalizeDurations(raw map[string]any) error {
	timeouts, ok := raw["timeouts"].(map[string]any)
	if !ok {
		return nil
	}
	for key, value := range timeouts {
		switch typed := value.(type) {
		case string:
			parsed, err := time.ParseDuration(strings.TrimSpace(typed))
			if err != nil {
				return core.NewConfigError(err, "yamlconfig: invalid duration", map[string]any{
					"field": "timeouts." + key,
					"value": typed,
				})
			}
			timeouts[key] = parsed
		case int:
			timeouts[key] = time.Duration(typed) * time.Millisecond
		}
	}
	return nil
}

var _ core.RawConfigLoader = (*FileLoader)(nil)
