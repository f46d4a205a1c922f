// Package config provides configuration management for dispatchd.
// It supports loading configuration from environment variables, a JSON config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dispatchd.
type Config struct {
	Server       ServerConfig          `mapstructure:"server"`
	Database     DatabaseConfig        `mapstructure:"database"`
	NATS         NATSConfig            `mapstructure:"nats"`
	Logging      LoggingConfig         `mapstructure:"logging"`
	Repos        map[string]RepoConfig `mapstructure:"repos"`
	Users        map[string]UserConfig `mapstructure:"users"`
	Claude       ClaudeConfig          `mapstructure:"claude"`
	Runner       RunnerConfig          `mapstructure:"runner"`
	GitHub       GitHubConfig          `mapstructure:"github"`
	RegistrySync RegistrySyncConfig    `mapstructure:"registrySync"`
	Cron         []CronEntry           `mapstructure:"cron"`
	ReposDir     string                `mapstructure:"reposDir"`
	MCPServers   map[string]any        `mapstructure:"mcpServers"`
	Trace        bool                  `mapstructure:"trace"`
}

// ServerConfig holds HTTP gateway configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RepoConfig describes one configured repository.
type RepoConfig struct {
	URL           string `mapstructure:"url" json:"url"`
	DefaultBranch string `mapstructure:"defaultBranch" json:"defaultBranch,omitempty"`
	Runner        string `mapstructure:"runner" json:"runner,omitempty"`
	Excluded      bool   `mapstructure:"excluded" json:"excluded,omitempty"`
}

// UserConfig describes one authorized chat user keyed by platform-prefixed id.
// A single "*" grant expands to every registry repo at query time.
type UserConfig struct {
	Name  string   `mapstructure:"name" json:"name"`
	Repos []string `mapstructure:"repos" json:"repos"`
}

// ClaudeConfig holds claude-specific tuning.
type ClaudeConfig struct {
	MaxTurns int `mapstructure:"maxTurns"`
}

// RunnerConfig selects and locates the coding-agent runners.
type RunnerConfig struct {
	Default    string `mapstructure:"default"`    // claude-code or codex
	ClaudePath string `mapstructure:"claudePath"` // optional explicit binary path
	CodexPath  string `mapstructure:"codexPath"`
	Model      string `mapstructure:"model"` // codex -m override
}

// GitHubConfig holds webhook verification settings.
type GitHubConfig struct {
	WebhookSecret string `mapstructure:"webhookSecret"`
	BotLogin      string `mapstructure:"botLogin"`
}

// RegistrySyncConfig controls the external repo-manifest refresh loop.
type RegistrySyncConfig struct {
	URL             string `mapstructure:"url"`
	IntervalMinutes int    `mapstructure:"intervalMinutes"`
}

// CronEntry is a config-defined recurring trigger.
type CronEntry struct {
	Schedule    string `mapstructure:"schedule"`
	Prompt      string `mapstructure:"prompt"`
	Repo        string `mapstructure:"repo"`
	Description string `mapstructure:"description"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SyncInterval returns the registry sync interval as a time.Duration.
func (r *RegistrySyncConfig) SyncInterval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DISPATCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./dispatchd.db")
	v.SetDefault("database.busyTimeoutMs", 5000)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("reposDir", "./repos")
	v.SetDefault("trace", false)

	v.SetDefault("claude.maxTurns", 50)
	v.SetDefault("runner.default", "claude-code")
	v.SetDefault("runner.claudePath", "")
	v.SetDefault("runner.codexPath", "")
	v.SetDefault("runner.model", "")

	v.SetDefault("github.webhookSecret", "")
	v.SetDefault("github.botLogin", "")

	v.SetDefault("registrySync.url", "")
	v.SetDefault("registrySync.intervalMinutes", 30)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix DISPATCHD_ with snake_case
// naming. The config file is config.json in the current directory or
// /etc/dispatchd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys, which AutomaticEnv does
	// not convert to SNAKE_CASE on its own.
	_ = v.BindEnv("database.path", "DISPATCHD_DATABASE_PATH", "DISPATCHD_DB_PATH")
	_ = v.BindEnv("reposDir", "DISPATCHD_REPOS_DIR")
	_ = v.BindEnv("trace", "DISPATCHD_TRACE")
	_ = v.BindEnv("claude.maxTurns", "DISPATCHD_CLAUDE_MAX_TURNS")
	_ = v.BindEnv("github.webhookSecret", "DISPATCHD_GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("registrySync.url", "DISPATCHD_REGISTRY_SYNC_URL")

	v.SetConfigName("config")
	v.SetConfigType("json")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatchd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Runner.Default != "claude-code" && cfg.Runner.Default != "codex" {
		errs = append(errs, "runner.default must be one of: claude-code, codex")
	}

	if cfg.Claude.MaxTurns <= 0 {
		errs = append(errs, "claude.maxTurns must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.RegistrySync.IntervalMinutes <= 0 {
		errs = append(errs, "registrySync.intervalMinutes must be positive")
	}

	for name, rc := range cfg.Repos {
		if rc.URL == "" {
			errs = append(errs, fmt.Sprintf("repos.%s.url is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
