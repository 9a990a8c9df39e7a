// Package config handles loading, validating, and writing the ccproxy
// configuration from its ccproxy.yaml file, plus hot-reload of that file
// and the rule/routing definitions it contains.
//
// The YAML schema is the Config struct below and the types in types.go.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ccproxy configuration.
type Config struct {
	Debug                   bool                       `yaml:"debug"`
	Port                    int                        `yaml:"port"`
	DefaultModelPassthrough bool                       `yaml:"default_model_passthrough"`
	OATSources              map[string]OATSourceConfig `yaml:"oat_sources"`
	OAuthTTLSeconds         int                        `yaml:"oauth_ttl"`
	OAuthRefreshBuffer      float64                    `yaml:"oauth_refresh_buffer"`
	Hooks                   []HookConfig               `yaml:"hooks"`
	Rules                   []RuleConfig               `yaml:"rules"`
	Models                  []ModelRouteConfig         `yaml:"models"`
	Mitm                    MitmConfig                 `yaml:"mitm"`
	MetricsEnabled          bool                       `yaml:"metrics_enabled"`
}

// Load reads and parses ccproxy.yaml from the given path. If the file
// doesn't exist, returns defaults (not an error). Invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default ccproxy.yaml with all fields populated
// and a comment header. Used by first-run setup and `ccproxy config
// generate` when no config file exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# ccproxy configuration
#
# port: main HTTP listener port (default 4000)
# default_model_passthrough: unmatched requests keep the client's model
# oat_sources: per-provider OAuth source, "shell command" or a mapping
#   with exactly one of command/file, plus optional user_agent and
#   destinations (hostname substrings used for provider resolution)
# hooks: ordered list of hook names, bare or {hook, params}
# rules: ordered list of {name, rule, param|threshold}
# mitm: capture addon settings

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Port:                    4000,
		DefaultModelPassthrough: true,
		OATSources:              map[string]OATSourceConfig{},
		OAuthTTLSeconds:         28800,
		OAuthRefreshBuffer:      0.1,
		Mitm: MitmConfig{
			Enabled:       false,
			Port:          8081,
			CaptureBodies: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", cfg.Port)
	}
	if cfg.Mitm.Enabled && (cfg.Mitm.Port < 1 || cfg.Mitm.Port > 65535) {
		return fmt.Errorf("mitm.port %d out of range (1-65535)", cfg.Mitm.Port)
	}
	for provider, src := range cfg.OATSources {
		if err := src.Validate(provider); err != nil {
			return err
		}
	}
	if cfg.OAuthRefreshBuffer < 0 || cfg.OAuthRefreshBuffer >= 1 {
		return fmt.Errorf("oauth_refresh_buffer must be in [0, 1)")
	}
	seen := make(map[string]struct{}, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		if h.Name == "" {
			return fmt.Errorf("hook entry missing a name")
		}
		if _, dup := seen[h.Name]; dup {
			return fmt.Errorf("duplicate hook name %q", h.Name)
		}
		seen[h.Name] = struct{}{}
	}
	for _, r := range cfg.Rules {
		if r.Name == "" || r.Rule == "" {
			return fmt.Errorf("rule entry requires both name and rule")
		}
	}
	for _, m := range cfg.Models {
		if m.Label == "" || m.Model == "" {
			return fmt.Errorf("model route entry requires both label and model")
		}
	}
	return nil
}
