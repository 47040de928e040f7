package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaypool/relaypool/internal/typ"
)

// Settings holds the tunables shared by the pool and the lifecycle.
type Settings struct {
	SelectionStrategy  typ.SelectionStrategy `yaml:"selection_strategy"`
	UnhealthyThreshold int                   `yaml:"unhealthy_threshold"`
	FailureCooldown    int                   `yaml:"failure_cooldown"` // seconds
	// RateLimitCooldown is the shorter cooldown applied on 429s. Defaults to
	// half the failure cooldown.
	RateLimitCooldown int `yaml:"rate_limit_cooldown,omitempty"`
	// CountTokensCooldown is the cooldown for the count-tokens sub-breaker.
	CountTokensCooldown int `yaml:"count_tokens_cooldown,omitempty"`
	// CountTokensTimeoutOverride replaces all timeouts for count-tokens
	// upstream calls when set.
	CountTokensTimeoutOverride int    `yaml:"count_tokens_timeout_override,omitempty"`
	LogLevel                   string `yaml:"log_level"`

	// Timeouts for upstream attempts, seconds. The read timeout is per chunk
	// for streaming responses, not per stream.
	ConnectTimeout int `yaml:"connect_timeout,omitempty"`
	ReadTimeout    int `yaml:"read_timeout,omitempty"`
	WriteTimeout   int `yaml:"write_timeout,omitempty"`
	PoolTimeout    int `yaml:"pool_timeout,omitempty"`

	// DedupBufferCap bounds the per-session replay buffer (frames). New
	// subscribers are rejected once a session exceeds it.
	DedupBufferCap int `yaml:"dedup_buffer_cap,omitempty"`
}

// Config is the typed representation of the YAML configuration file.
type Config struct {
	Providers   []*typ.Provider               `yaml:"providers"`
	ModelRoutes map[string][]typ.RouteEntry   `yaml:"model_routes"`
	Settings    Settings                      `yaml:"settings"`
	OAuthTokens map[string]string             `yaml:"oauth_tokens,omitempty"` // email -> access token seed
	UsageDBPath string                        `yaml:"usage_db,omitempty"`
	LogDir      string                        `yaml:"log_dir,omitempty"`

	// ConfigFile is the path the config was loaded from; the watcher uses it.
	ConfigFile string `yaml:"-"`
}

const (
	defaultUnhealthyThreshold = 3
	defaultFailureCooldown    = 120
	defaultConnectTimeout     = 10
	defaultReadTimeout        = 120
	defaultWriteTimeout       = 30
	defaultPoolTimeout        = 10
	defaultDedupBufferCap     = 1024
)

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ConfigFile = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Settings
	if s.SelectionStrategy == "" {
		s.SelectionStrategy = typ.StrategyPriority
	}
	if s.UnhealthyThreshold <= 0 {
		s.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	if s.FailureCooldown <= 0 {
		s.FailureCooldown = defaultFailureCooldown
	}
	if s.RateLimitCooldown <= 0 {
		s.RateLimitCooldown = s.FailureCooldown / 2
	}
	if s.CountTokensCooldown <= 0 {
		s.CountTokensCooldown = s.FailureCooldown / 4
		if s.CountTokensCooldown <= 0 {
			s.CountTokensCooldown = 30
		}
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.PoolTimeout <= 0 {
		s.PoolTimeout = defaultPoolTimeout
	}
	if s.DedupBufferCap <= 0 {
		s.DedupBufferCap = defaultDedupBufferCap
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// Validate checks structural invariants: provider fields, the uniqueness of
// (name, account_email) across enabled providers, and that every route entry
// references a known provider.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no providers defined")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		switch p.Type {
		case typ.ProviderAnthropic, typ.ProviderOpenAI:
		default:
			return fmt.Errorf("config: provider %q has unsupported type %q", p.Name, p.Type)
		}
		switch p.AuthType {
		case typ.AuthTypeAPIKey, typ.AuthTypeAuthToken:
		default:
			return fmt.Errorf("config: provider %q has unsupported auth_type %q", p.Name, p.AuthType)
		}
		if _, err := url.Parse(p.BaseURL); err != nil || p.BaseURL == "" {
			return fmt.Errorf("config: provider %q has invalid base_url %q", p.Name, p.BaseURL)
		}
		if !p.Enabled {
			continue
		}
		key := p.Key()
		if seen[key] {
			return fmt.Errorf("config: duplicate enabled provider (name=%q, account_email=%q)", p.Name, p.AccountEmail)
		}
		seen[key] = true
	}

	for model, entries := range c.ModelRoutes {
		if len(entries) == 0 {
			return fmt.Errorf("config: model route %q is empty", model)
		}
		for _, e := range entries {
			if e.Provider == "" {
				return fmt.Errorf("config: model route %q has an entry with no provider", model)
			}
			if e.Model == "" {
				return fmt.Errorf("config: model route %q entry for provider %q has no model", model, e.Provider)
			}
		}
	}
	return nil
}

// FailureCooldownDuration returns the primary cooldown as a duration.
func (s Settings) FailureCooldownDuration() time.Duration {
	return time.Duration(s.FailureCooldown) * time.Second
}

// RateLimitCooldownDuration returns the 429 cooldown as a duration.
func (s Settings) RateLimitCooldownDuration() time.Duration {
	return time.Duration(s.RateLimitCooldown) * time.Second
}

// CountTokensCooldownDuration returns the sub-breaker cooldown as a duration.
func (s Settings) CountTokensCooldownDuration() time.Duration {
	return time.Duration(s.CountTokensCooldown) * time.Second
}

// ConnectTimeoutDuration returns the upstream connect timeout as a duration.
func (s Settings) ConnectTimeoutDuration() time.Duration {
	return time.Duration(s.ConnectTimeout) * time.Second
}

// ReadTimeoutDuration returns the upstream read timeout as a duration. For
// streaming responses it applies per chunk.
func (s Settings) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// CountTokensTimeoutDuration returns the count-tokens timeout override, or
// zero when unset.
func (s Settings) CountTokensTimeoutDuration() time.Duration {
	return time.Duration(s.CountTokensTimeoutOverride) * time.Second
}
