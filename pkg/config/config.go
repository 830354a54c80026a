package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Memory   MemoryConfig   `json:"memory"`
	Logging  LoggingConfig  `json:"logging"`
	mu       sync.RWMutex
}

type ProviderConfig struct {
	APIKey     string `json:"api_key" env:"MEMKEEP_PROVIDER_API_KEY"`
	APIBase    string `json:"api_base" env:"MEMKEEP_PROVIDER_API_BASE"`
	ChatModel  string `json:"chat_model" env:"MEMKEEP_PROVIDER_CHAT_MODEL"`
	EmbedModel string `json:"embed_model" env:"MEMKEEP_PROVIDER_EMBED_MODEL"`
	Proxy      string `json:"proxy,omitempty" env:"MEMKEEP_PROVIDER_PROXY"`
	MaxRetries int    `json:"max_retries" env:"MEMKEEP_PROVIDER_MAX_RETRIES"`
}

type MemoryConfig struct {
	DBPath             string `json:"db_path" env:"MEMKEEP_MEMORY_DB_PATH"`
	MaxResults         int    `json:"max_results" env:"MEMKEEP_MEMORY_MAX_RESULTS"`
	EmbedCacheSize     int    `json:"embed_cache_size" env:"MEMKEEP_MEMORY_EMBED_CACHE_SIZE"`
	SweepSchedule      string `json:"sweep_schedule" env:"MEMKEEP_MEMORY_SWEEP_SCHEDULE"`
	CompactionSchedule string `json:"compaction_schedule" env:"MEMKEEP_MEMORY_COMPACTION_SCHEDULE"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"MEMKEEP_LOGGING_LEVEL"`
	File  string `json:"file,omitempty" env:"MEMKEEP_LOGGING_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			APIBase:    "https://openrouter.ai/api/v1",
			ChatModel:  "openai/gpt-5.2",
			EmbedModel: "openai/text-embedding-3-small",
			MaxRetries: 3,
		},
		Memory: MemoryConfig{
			DBPath:             "~/.memkeep/memory.db",
			MaxResults:         10,
			EmbedCacheSize:     4096,
			SweepSchedule:      "0 * * * *",
			CompactionSchedule: "30 3 * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the JSON config at path, then lets MEMKEEP_* environment
// variables override it. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DefaultPath is where the CLI looks when --config is not given.
func DefaultPath() string {
	return expandHome("~/.memkeep/config.json")
}

func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.DBPath)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Provider.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Provider.APIBase != "" {
		return c.Provider.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
