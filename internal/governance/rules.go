// Package governance provides namespace-scoped governance defaults for the
// dataset catalog.
//
// Producers should attach governance facets to their events, but many
// pipelines predate facet support. This package loads prefix rules from
// .traceline.yaml so operators can declare GDPR categories and residency
// zones per namespace prefix, filling catalog fields the events leave blank.
package governance

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule assigns governance defaults to every namespace under a prefix.
type Rule struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	NamespacePrefix string `yaml:"namespace_prefix"`
	//nolint:tagliatelle
	GDPRCategory string `yaml:"gdpr_category"`
	Residency    string `yaml:"residency"`
}

// Config holds governance rules loaded from .traceline.yaml.
type Config struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	GovernanceRules []Rule `yaml:"governance_rules"`
}

// DefaultConfigPath is the default location for the traceline configuration
// file, following hidden-file tool conventions.
const DefaultConfigPath = ".traceline.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "TRACELINE_CONFIG_PATH"

// LoadConfig loads governance rules from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist - rules are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// Graceful degradation ensures the catalog sink can start without any rules
// configured; events then rely entirely on their own governance facets.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without governance rules",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without governance rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without governance rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{}, nil
	}

	return cfg, nil
}

// ConfigPath returns the config file path, honoring the env override.
func ConfigPath() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}

	return DefaultConfigPath
}

// Resolver answers governance lookups with longest-prefix-match semantics.
type Resolver struct {
	rules []Rule // sorted by descending prefix length
}

// NewResolver builds a Resolver from loaded rules. Rules with an empty
// prefix are dropped.
func NewResolver(cfg *Config) *Resolver {
	var rules []Rule

	if cfg != nil {
		for _, rule := range cfg.GovernanceRules {
			if rule.NamespacePrefix == "" {
				continue
			}

			rules = append(rules, rule)
		}
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].NamespacePrefix) > len(rules[j].NamespacePrefix)
	})

	return &Resolver{rules: rules}
}

// Resolve returns the most specific rule matching the namespace, if any.
func (r *Resolver) Resolve(namespace string) (Rule, bool) {
	for _, rule := range r.rules {
		if strings.HasPrefix(namespace, rule.NamespacePrefix) {
			return rule, true
		}
	}

	return Rule{}, false
}

// RuleCount returns how many rules the resolver holds.
func (r *Resolver) RuleCount() int {
	return len(r.rules)
}
