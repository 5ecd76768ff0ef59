// Package config loads hoho's workspace configuration from .hoho/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/viper"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = 1

// Config represents the complete hoho configuration
type Config struct {
	Version  int    `json:"version" mapstructure:"version"`
	RepoRoot string `json:"repoRoot" mapstructure:"repoRoot"`

	Store   StoreConfig   `json:"store" mapstructure:"store"`
	Backend BackendConfig `json:"backend" mapstructure:"backend"`
	Daemon  DaemonConfig  `json:"daemon" mapstructure:"daemon"`
	Rename  RenameConfig  `json:"rename" mapstructure:"rename"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// StoreConfig configures the symbol mapping store
type StoreConfig struct {
	// Path of the binary mapping file; empty means <root>/.hoho/mappings.bin
	Path string `json:"path" mapstructure:"path"`
	// LegacyJSON is the plain-text mapping file picked up by `map migrate`
	LegacyJSON string `json:"legacyJson" mapstructure:"legacyJson"`
}

// BackendConfig configures the semantic backend (a language server over stdio)
type BackendConfig struct {
	Command          string `json:"command" mapstructure:"command"`
	LanguageID       string `json:"languageId" mapstructure:"languageId"`
	StartupTimeoutMs int    `json:"startupTimeoutMs" mapstructure:"startupTimeoutMs"`
	RequestTimeoutMs int    `json:"requestTimeoutMs" mapstructure:"requestTimeoutMs"`
}

// DaemonConfig configures the analysis daemon
type DaemonConfig struct {
	// SocketPath and LockPath default to ~/.hoho/daemon/<hash>/
	SocketPath         string      `json:"socketPath" mapstructure:"socketPath"`
	LockPath           string      `json:"lockPath" mapstructure:"lockPath"`
	LogFile            string      `json:"logFile" mapstructure:"logFile"`
	StartTimeoutMs     int         `json:"startTimeoutMs" mapstructure:"startTimeoutMs"`
	ShutdownTimeoutMs  int         `json:"shutdownTimeoutMs" mapstructure:"shutdownTimeoutMs"`
	IdleTimeoutMinutes int         `json:"idleTimeoutMinutes" mapstructure:"idleTimeoutMinutes"`
	Watch              WatchConfig `json:"watch" mapstructure:"watch"`
}

// WatchConfig configures invalidation of documents changed outside the daemon
type WatchConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	DebounceMs     int      `json:"debounceMs" mapstructure:"debounceMs"`
	IgnorePatterns []string `json:"ignorePatterns" mapstructure:"ignorePatterns"`
}

// RenameConfig configures the rename orchestrator
type RenameConfig struct {
	Parallelism     int      `json:"parallelism" mapstructure:"parallelism"`
	Include         []string `json:"include" mapstructure:"include"`
	Exclude         []string `json:"exclude" mapstructure:"exclude"`
	LearnConfidence float64  `json:"learnConfidence" mapstructure:"learnConfidence"`
	LearnContext    string   `json:"learnContext" mapstructure:"learnContext"`
	Journal         bool     `json:"journal" mapstructure:"journal"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	MaxSize    string `json:"maxSize" mapstructure:"maxSize"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version:  CurrentVersion,
		RepoRoot: ".",
		Backend: BackendConfig{
			Command:          "typescript-language-server --stdio",
			LanguageID:       "javascript",
			StartupTimeoutMs: 10000,
			RequestTimeoutMs: 5000,
		},
		Daemon: DaemonConfig{
			StartTimeoutMs:    10000,
			ShutdownTimeoutMs: 30000,
			Watch: WatchConfig{
				Enabled:        true,
				DebounceMs:     200,
				IgnorePatterns: []string{"*.log", "*.tmp", ".git/**", ".hoho/**", "node_modules/**", "**/node_modules/**"},
			},
		},
		// globs use / as separator, so "**.js" also matches files at the root
		Rename: RenameConfig{
			Parallelism:     4,
			Include:         []string{"**.{js,mjs,cjs,jsx,ts,tsx}"},
			Exclude:         []string{"node_modules/**", "**/node_modules/**"},
			LearnConfidence: 0.8,
			LearnContext:    "global",
			Journal:         true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    "10MB",
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from <repoRoot>/.hoho/config.json, layering
// HOHO_* environment variables (e.g. HOHO_BACKEND_COMMAND) over file values
// and defaults.
func LoadConfig(repoRoot string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(repoRoot, ".hoho"))

	v.SetEnvPrefix("HOHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.RepoRoot == "" || cfg.RepoRoot == "." {
		cfg.RepoRoot = repoRoot
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("repoRoot", d.RepoRoot)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.legacyJson", d.Store.LegacyJSON)
	v.SetDefault("backend.command", d.Backend.Command)
	v.SetDefault("backend.languageId", d.Backend.LanguageID)
	v.SetDefault("backend.startupTimeoutMs", d.Backend.StartupTimeoutMs)
	v.SetDefault("backend.requestTimeoutMs", d.Backend.RequestTimeoutMs)
	v.SetDefault("daemon.socketPath", d.Daemon.SocketPath)
	v.SetDefault("daemon.lockPath", d.Daemon.LockPath)
	v.SetDefault("daemon.logFile", d.Daemon.LogFile)
	v.SetDefault("daemon.startTimeoutMs", d.Daemon.StartTimeoutMs)
	v.SetDefault("daemon.shutdownTimeoutMs", d.Daemon.ShutdownTimeoutMs)
	v.SetDefault("daemon.idleTimeoutMinutes", d.Daemon.IdleTimeoutMinutes)
	v.SetDefault("daemon.watch.enabled", d.Daemon.Watch.Enabled)
	v.SetDefault("daemon.watch.debounceMs", d.Daemon.Watch.DebounceMs)
	v.SetDefault("daemon.watch.ignorePatterns", d.Daemon.Watch.IgnorePatterns)
	v.SetDefault("rename.parallelism", d.Rename.Parallelism)
	v.SetDefault("rename.include", d.Rename.Include)
	v.SetDefault("rename.exclude", d.Rename.Exclude)
	v.SetDefault("rename.learnConfidence", d.Rename.LearnConfidence)
	v.SetDefault("rename.learnContext", d.Rename.LearnContext)
	v.SetDefault("rename.journal", d.Rename.Journal)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.maxSize", d.Logging.MaxSize)
	v.SetDefault("logging.maxBackups", d.Logging.MaxBackups)
}

// Save writes the configuration to <repoRoot>/.hoho/config.json
func (c *Config) Save(repoRoot string) error {
	dir := filepath.Join(repoRoot, ".hoho")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if _, err := c.Backend.Argv(); err != nil {
		return &ConfigError{Field: "backend.command", Message: err.Error()}
	}
	if c.Backend.StartupTimeoutMs <= 0 {
		return &ConfigError{Field: "backend.startupTimeoutMs", Message: "must be positive"}
	}
	if c.Backend.RequestTimeoutMs <= 0 {
		return &ConfigError{Field: "backend.requestTimeoutMs", Message: "must be positive"}
	}
	if c.Rename.Parallelism < 1 {
		return &ConfigError{Field: "rename.parallelism", Message: "must be at least 1"}
	}
	return nil
}

// Argv splits the backend command line with POSIX shell quoting rules.
func (b BackendConfig) Argv() ([]string, error) {
	argv, err := shlex.Split(b.Command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, &ConfigError{Field: "backend.command", Message: "empty command"}
	}
	return argv, nil
}

// StartupTimeout returns the backend startup budget.
func (b BackendConfig) StartupTimeout() time.Duration {
	return time.Duration(b.StartupTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the per-call backend budget.
func (b BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutMs) * time.Millisecond
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
