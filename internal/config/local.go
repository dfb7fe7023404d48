package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalConfig holds configuration for the local daemon, loaded from
// ~/.tutorpath/config.yaml. Everything here is policy, not secrets.
type LocalConfig struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	LLM      LLMConfig      `yaml:"llm"`
	Executor ExecutorConfig `yaml:"executor"`
	Sync     SyncConfig     `yaml:"sync"`
	Storage  StorageConfig  `yaml:"storage"`
}

// DaemonConfig holds daemon server settings
type DaemonConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"`
	LogLevel string `yaml:"log_level"`
}

// LLMConfig designates the primary and secondary providers.
type LLMConfig struct {
	Primary   string                     `yaml:"primary"`
	Secondary string                     `yaml:"secondary"`
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds settings for a single AI provider
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	URL     string `yaml:"url,omitempty"`
}

// ExecutorConfig holds retry and fallback policy. The defaults mean no local
// retry: with a healthy secondary configured, failing over immediately beats
// hammering a struggling primary.
type ExecutorConfig struct {
	MaxRetries         int  `yaml:"max_retries"`
	RetryDelayMs       int  `yaml:"retry_delay_ms"`
	ExponentialBackoff bool `yaml:"exponential_backoff"`
}

// SyncConfig holds remote sync settings.
type SyncConfig struct {
	DebounceMs       int `yaml:"debounce_ms"`
	ShutdownAttempts int `yaml:"shutdown_push_attempts"`
	ShutdownDelayMs  int `yaml:"shutdown_push_delay_ms"`
}

// StorageConfig selects the local KV backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // local, sqlite, badger
	Path    string `yaml:"path,omitempty"`
}

// TutorPathDir returns the path to ~/.tutorpath
func TutorPathDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".tutorpath"), nil
}

// EnsureTutorPathDir creates ~/.tutorpath and subdirectories if they don't exist
func EnsureTutorPathDir() (string, error) {
	dir, err := TutorPathDir()
	if err != nil {
		return "", err
	}

	subdirs := []string{
		"",
		"logs",
		"data",
		"topics",
	}

	for _, subdir := range subdirs {
		path := filepath.Join(dir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}

	return dir, nil
}

// DefaultLocalConfig returns sensible defaults for local mode
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Daemon: DaemonConfig{
			Port:     7433,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		LLM: LLMConfig{
			Primary:   "gemini",
			Secondary: "claude",
			Providers: map[string]*ProviderConfig{
				"gemini": {
					Enabled: true,
					Model:   "gemini-2.0-flash",
				},
				"claude": {
					Enabled: true,
					Model:   "claude-sonnet-4-20250514",
				},
				"openai": {
					Enabled: false,
					Model:   "gpt-4o-mini",
				},
			},
		},
		Executor: ExecutorConfig{
			MaxRetries:         1,
			RetryDelayMs:       0,
			ExponentialBackoff: false,
		},
		Sync: SyncConfig{
			DebounceMs:       500,
			ShutdownAttempts: 3,
			ShutdownDelayMs:  1000,
		},
		Storage: StorageConfig{
			Backend: "local",
		},
	}
}

// LoadLocalConfig loads configuration from ~/.tutorpath/config.yaml
func LoadLocalConfig() (*LocalConfig, error) {
	dir, err := TutorPathDir()
	if err != nil {
		return nil, err
	}
	return LoadLocalConfigFrom(filepath.Join(dir, "config.yaml"))
}

// LoadLocalConfigFrom loads configuration from an explicit path. A missing
// file yields the defaults.
func LoadLocalConfigFrom(configPath string) (*LocalConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultLocalConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultLocalConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// SaveLocalConfig saves configuration to ~/.tutorpath/config.yaml
func SaveLocalConfig(cfg *LocalConfig) error {
	dir, err := EnsureTutorPathDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(dir, "config.yaml")

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
