// Package config loads the YAML run configuration. Values support
// ${VAR} and ${VAR:default} environment substitution so credentials
// stay out of the file itself.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/filter"
)

const (
	DefaultRateLimitSeconds = 1.0
	MinRateLimitSeconds     = 0.1
	MaxRateLimitSeconds     = 300.0

	defaultMaxRetries     = 3
	defaultTimeoutSeconds = 30
)

type Config struct {
	OutputDir             string          `yaml:"output_dir"`
	State                 State           `yaml:"state"`
	RateLimitSeconds      float64         `yaml:"rate_limit_seconds"`
	MaxRetries            int             `yaml:"max_retries"`
	RequestTimeoutSeconds int             `yaml:"request_timeout_seconds"`
	AllowedHosts          []string        `yaml:"allowed_hosts"`
	Defaults              filter.Criteria `yaml:"defaults"`
	Sources               []Source        `yaml:"sources"`
}

type State struct {
	Backend             string `yaml:"backend"`
	Path                string `yaml:"path"`
	RetentionDays       int    `yaml:"retention_days"`
	MaxEntriesPerSource int    `yaml:"max_entries_per_source"`
}

// Source configures one acquisition source. Options carries
// type-specific settings the core loop does not interpret.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	URLs     []string          `yaml:"urls"`
	Filters  filter.Criteria   `yaml:"filters"`
	Actions  []string          `yaml:"actions"`
	MaxItems int               `yaml:"max_items"`
	Options  map[string]string `yaml:"options"`
}

func (c *Config) RateLimit() time.Duration {
	return time.Duration(c.RateLimitSeconds * float64(time.Second))
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// EffectiveFilters returns the source's criteria with the global
// defaults cascaded in.
func (c *Config) EffectiveFilters(src Source) filter.Criteria {
	return filter.Merge(c.Defaults, src.Filters)
}

// Load reads, substitutes, parses, and validates the configuration at
// path. A .env file next to the config is loaded first, so it can
// supply the substituted variables.
func Load(path string) (*Config, error) {
	// Best-effort: a missing .env just means the variables come from the
	// real environment.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigf("cannot read config %s: %v", path, err)
	}

	expanded, err := substituteEnv(raw)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RateLimitSeconds:      DefaultRateLimitSeconds,
		MaxRetries:            defaultMaxRetries,
		RequestTimeoutSeconds: defaultTimeoutSeconds,
	}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.NewConfigf("invalid config %s: %v", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.State.Backend == "" {
		c.State.Backend = "sqlite"
	}
	if c.State.Path == "" && c.OutputDir != "" {
		name := "state.db"
		if c.State.Backend == "json" {
			name = "state.json"
		}
		c.State.Path = filepath.Join(c.OutputDir, ".gather", name)
	}
}

func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return errors.NewConfig("output_dir is required")
	}
	if c.RateLimitSeconds < MinRateLimitSeconds || c.RateLimitSeconds > MaxRateLimitSeconds {
		return errors.NewConfigf("rate_limit_seconds %.2f out of range [%.1f, %.1f]",
			c.RateLimitSeconds, MinRateLimitSeconds, MaxRateLimitSeconds)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return errors.NewConfigf("max_retries %d out of range [0, 10]", c.MaxRetries)
	}
	if c.RequestTimeoutSeconds < 1 || c.RequestTimeoutSeconds > 600 {
		return errors.NewConfigf("request_timeout_seconds %d out of range [1, 600]", c.RequestTimeoutSeconds)
	}

	switch c.State.Backend {
	case "sqlite", "json":
	default:
		return errors.NewConfigf("state.backend %q is not one of sqlite, json", c.State.Backend)
	}
	if c.State.RetentionDays < 0 {
		return errors.NewConfig("state.retention_days cannot be negative")
	}
	if c.State.MaxEntriesPerSource < 0 {
		return errors.NewConfig("state.max_entries_per_source cannot be negative")
	}

	if len(c.Sources) == 0 {
		return errors.NewConfig("at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return errors.NewConfigf("sources[%d]: name is required", i)
		}
		if src.Type == "" {
			return errors.NewConfigf("source %q: type is required", src.Name)
		}
		if seen[src.Name] {
			return errors.NewConfigf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if src.MaxItems < 0 {
			return errors.NewConfigf("source %q: max_items cannot be negative", src.Name)
		}
	}
	return nil
}

// FindSource returns the named source, for --source runs.
func (c *Config) FindSource(name string) (Source, bool) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// substituteEnv replaces ${VAR} and ${VAR:default} occurrences. A
// variable that is unset and has no default is a config error, not an
// empty string, so typos fail loudly.
func substituteEnv(raw []byte) ([]byte, error) {
	var missing []string
	out := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if len(groups[2]) > 0 || bytes.Contains(match, []byte(":")) {
			return groups[2]
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return nil, errors.NewConfigf("undefined environment variables in config: %v", missing)
	}
	return out, nil
}
