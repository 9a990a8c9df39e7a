package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// OATSourceConfig is one provider's OAuth source entry. It accepts two
// YAML shapes: a bare string (shorthand for {command: <string>}), or the
// extended map form with command/file (exactly one), user_agent, and
// destinations.
type OATSourceConfig struct {
	Command      string   `yaml:"command,omitempty"`
	File         string   `yaml:"file,omitempty"`
	UserAgent    string   `yaml:"user_agent,omitempty"`
	Destinations []string `yaml:"destinations,omitempty"`
}

// UnmarshalYAML accepts either a bare shell-command string or the
// extended map form, following the same string-or-mapping custom
// unmarshal idiom as HookConfig below.
func (o *OATSourceConfig) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		o.Command = value.Value
		return nil
	case yaml.MappingNode:
		type plain OATSourceConfig
		var p plain
		if err := value.Decode(&p); err != nil {
			return fmt.Errorf("decoding oat source mapping: %w", err)
		}
		*o = OATSourceConfig(p)
		return nil
	default:
		return fmt.Errorf("oat source must be a string or a mapping, got %v", value.Kind)
	}
}

// Validate enforces the command-XOR-file invariant at config-parse time.
func (o OATSourceConfig) Validate(provider string) error {
	hasCommand := o.Command != ""
	hasFile := o.File != ""
	if hasCommand == hasFile {
		return fmt.Errorf("oat_sources.%s must specify exactly one of command or file", provider)
	}
	return nil
}

// HookConfig is one entry in the ordered hooks list: either a bare hook
// name, or {hook: name, params: {...}}.
type HookConfig struct {
	Name   string         `yaml:"hook"`
	Params map[string]any `yaml:"params,omitempty"`
}

// UnmarshalYAML accepts either a bare hook-name string or the
// with-params map form.
func (h *HookConfig) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		h.Name = value.Value
		return nil
	case yaml.MappingNode:
		type plain HookConfig
		var p plain
		if err := value.Decode(&p); err != nil {
			return fmt.Errorf("decoding hook mapping: %w", err)
		}
		*h = HookConfig(p)
		return nil
	default:
		return fmt.Errorf("hook entry must be a string or a mapping, got %v", value.Kind)
	}
}

// RuleConfig is one entry in the ordered rules list. `Rule` names a
// compiled-in rule kind (thinking, match_model, match_tool, token_count)
// rather than a dotted import path, per the dynamic-dispatch replacement
// recommended for a target-language rewrite (see spec design notes on
// plugin loading).
type RuleConfig struct {
	Name      string `yaml:"name"`
	Rule      string `yaml:"rule"`
	Param     string `yaml:"param,omitempty"`
	Threshold int    `yaml:"threshold,omitempty"`
}

// ModelRouteConfig is one entry in the standalone binary's own routing
// table — the `models` YAML list. In the original deployment this table
// is supplied by the host LiteLLM proxy's own `model_list` config
// section (out of scope per spec.md §1); `internal/server` has no such
// host to lean on, so ccproxy.yaml carries the table itself.
type ModelRouteConfig struct {
	Label             string `yaml:"label"`
	Model             string `yaml:"model"`
	APIBase           string `yaml:"api_base,omitempty"`
	APIKey            string `yaml:"api_key,omitempty"`
	CustomLLMProvider string `yaml:"custom_llm_provider,omitempty"`
}

// MitmConfig controls the MITM capture addon.
type MitmConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Port          int      `yaml:"port"`
	MaxBodySize   int      `yaml:"max_body_size"`
	CaptureBodies bool     `yaml:"capture_bodies"`
	ExcludedHosts []string `yaml:"excluded_hosts,omitempty"`
	LLMHosts      []string `yaml:"llm_hosts,omitempty"`
	Debug         bool     `yaml:"debug"`
	DatabaseURL   string   `yaml:"database_url,omitempty"`
}
