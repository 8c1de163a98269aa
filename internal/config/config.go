// Package config loads relay configuration from YAML and environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Context  ContextConfig  `mapstructure:"context"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ProviderConfig describes the OpenAI-compatible completion endpoint.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"` // per-attempt wall clock
}

// RetryConfig tunes the phased retry protocol.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"` // attempts per phase
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// ContextConfig tunes usage tracking and auto-compaction.
type ContextConfig struct {
	Window         int     `mapstructure:"window"`          // model context window, tokens
	CompactPercent float64 `mapstructure:"compact_percent"` // auto-compact threshold, (0,100]
	CompactRetain  int     `mapstructure:"compact_retain"`  // recent messages kept verbatim
}

// SessionsConfig controls session persistence and tool scratch space.
type SessionsConfig struct {
	Dir      string `mapstructure:"dir"`       // persisted session files
	NotesDir string `mapstructure:"notes_dir"` // write_note tool output
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// Dir returns the relay configuration directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".relay"), nil
}

// Load reads configuration from the provided path, or from ~/.relay/config.yaml
// when path is empty. A missing default file is not an error; defaults apply.
// Environment variables override file values (prefix RELAY_, dots replaced
// with underscores, e.g. RELAY_PROVIDER_API_KEY).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.base_url", "http://localhost:11434/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", "qwen2.5:7b")
	v.SetDefault("provider.temperature", 0.2)
	v.SetDefault("provider.max_tokens", 0)
	v.SetDefault("provider.timeout", 10*time.Minute)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.cooldown", 120*time.Second)

	v.SetDefault("context.window", 32768)
	v.SetDefault("context.compact_percent", 80.0)
	v.SetDefault("context.compact_retain", 6)

	v.SetDefault("sessions.dir", "")
	v.SetDefault("sessions.notes_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return errors.New("provider.base_url must be set")
	}
	if strings.TrimSpace(c.Provider.Model) == "" {
		return errors.New("provider.model must be set")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		return fmt.Errorf("provider.temperature must be within [0,2], got %v", c.Provider.Temperature)
	}
	if c.Provider.MaxTokens < 0 {
		return errors.New("provider.max_tokens cannot be negative")
	}

	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be > 0")
	}
	if c.Retry.Cooldown <= 0 {
		return errors.New("retry.cooldown must be > 0")
	}

	if c.Context.Window <= 0 {
		return errors.New("context.window must be > 0")
	}
	if c.Context.CompactPercent <= 0 || c.Context.CompactPercent > 100 {
		return fmt.Errorf("context.compact_percent must be within (0,100], got %v", c.Context.CompactPercent)
	}
	if c.Context.CompactRetain < 0 {
		return errors.New("context.compact_retain cannot be negative")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}

	return nil
}

// SessionsDir resolves the persisted-sessions directory, defaulting under the
// config dir when unset.
func (c *Config) SessionsDir() (string, error) {
	if c.Sessions.Dir != "" {
		return c.Sessions.Dir, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// NotesDir resolves the write_note scratch directory, defaulting under the
// config dir when unset.
func (c *Config) NotesDir() (string, error) {
	if c.Sessions.NotesDir != "" {
		return c.Sessions.NotesDir, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "notes"), nil
}
