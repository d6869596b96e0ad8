// Package config loads runtime configuration from YAML and HALCYON_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for halcyon.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Chat      ChatConfig      `yaml:"chat"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Context   ContextConfig   `yaml:"context"`
	Feed      FeedConfig      `yaml:"feed"`
}

// ChatConfig selects and configures the chat backend.
type ChatConfig struct {
	Provider           string  `yaml:"provider"` // "openai" (any compatible server) or "anthropic"
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	MaxTokens          int64   `yaml:"max_tokens"`
	ReflectTemperature float64 `yaml:"reflect_temperature"`
	RespondTemperature float64 `yaml:"respond_temperature"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Dimensions   int    `yaml:"dimensions"`
	CacheEntries int64  `yaml:"cache_entries"`
}

// StoreConfig configures the episodic store.
type StoreConfig struct {
	Path           string        `yaml:"path"` // empty keeps the store in memory
	Mode           string        `yaml:"mode"` // "single" or "dual"
	CommitInterval time.Duration `yaml:"commit_interval"`
}

// ContextConfig configures the working context.
type ContextConfig struct {
	WorkingLimit  int    `yaml:"working_limit"`
	AnchorLimit   int    `yaml:"anchor_limit"`
	RecallK       int    `yaml:"recall_k"`
	RecentTurns   int    `yaml:"recent_turns"`
	AnchorBackend string `yaml:"anchor_backend"` // "file", "sqlite" or "none"
	AnchorPath    string `yaml:"anchor_path"`
}

// FeedConfig configures the websocket turn feed.
type FeedConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Chat: ChatConfig{
			Provider:           "openai",
			BaseURL:            "http://localhost:1234",
			Model:              "google/gemma-3n-e4b",
			MaxTokens:          4096,
			ReflectTemperature: 0.6,
			RespondTemperature: 0.7,
		},
		Embedding: EmbeddingConfig{
			BaseURL:      "http://localhost:1234",
			Model:        "text-embedding-nomic-embed-text-v1.5",
			Dimensions:   768,
			CacheEntries: 4096,
		},
		Store: StoreConfig{
			Path:           filepath.Join("memory_journals", "halcyon_persistent"),
			Mode:           "single",
			CommitInterval: 1500 * time.Millisecond,
		},
		Context: ContextConfig{
			WorkingLimit:  10,
			AnchorLimit:   7,
			RecallK:       25,
			RecentTurns:   7,
			AnchorBackend: "file",
			AnchorPath:    filepath.Join("memory_journals", "anchor.json"),
		},
		Feed: FeedConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
// Environment overrides are applied on top of the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HALCYON_* environment variables.
func (c *Config) ApplyEnv() {
	c.LogLevel = getEnv("HALCYON_LOG_LEVEL", c.LogLevel)

	c.Chat.Provider = getEnv("HALCYON_CHAT_PROVIDER", c.Chat.Provider)
	c.Chat.BaseURL = getEnv("HALCYON_CHAT_BASE_URL", c.Chat.BaseURL)
	c.Chat.APIKey = getEnv("HALCYON_CHAT_API_KEY", c.Chat.APIKey)
	if c.Chat.Provider == "anthropic" && c.Chat.APIKey == "" {
		c.Chat.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	c.Chat.Model = getEnv("HALCYON_CHAT_MODEL", c.Chat.Model)
	c.Chat.MaxTokens = int64(getEnvInt("HALCYON_CHAT_MAX_TOKENS", int(c.Chat.MaxTokens)))
	c.Chat.ReflectTemperature = getEnvFloat("HALCYON_REFLECT_TEMPERATURE", c.Chat.ReflectTemperature)
	c.Chat.RespondTemperature = getEnvFloat("HALCYON_RESPOND_TEMPERATURE", c.Chat.RespondTemperature)

	c.Embedding.BaseURL = getEnv("HALCYON_EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("HALCYON_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Model = getEnv("HALCYON_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("HALCYON_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)

	c.Store.Path = getEnv("HALCYON_STORE_PATH", c.Store.Path)
	c.Store.Mode = getEnv("HALCYON_STORE_MODE", c.Store.Mode)
	c.Store.CommitInterval = getEnvDuration("HALCYON_COMMIT_INTERVAL", c.Store.CommitInterval)

	c.Context.WorkingLimit = getEnvInt("HALCYON_WORKING_LIMIT", c.Context.WorkingLimit)
	c.Context.AnchorLimit = getEnvInt("HALCYON_ANCHOR_LIMIT", c.Context.AnchorLimit)
	c.Context.RecallK = getEnvInt("HALCYON_RECALL_K", c.Context.RecallK)
	c.Context.RecentTurns = getEnvInt("HALCYON_RECENT_TURNS", c.Context.RecentTurns)
	c.Context.AnchorBackend = getEnv("HALCYON_ANCHOR_BACKEND", c.Context.AnchorBackend)
	c.Context.AnchorPath = getEnv("HALCYON_ANCHOR_PATH", c.Context.AnchorPath)

	c.Feed.Addr = getEnv("HALCYON_FEED_ADDR", c.Feed.Addr)
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.Chat.Provider {
	case "openai":
		if c.Chat.BaseURL == "" {
			return errors.New("chat.base_url must not be empty")
		}
	case "anthropic":
		if c.Chat.APIKey == "" {
			return errors.New("chat.api_key (or ANTHROPIC_API_KEY) is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("chat.provider must be openai or anthropic, got %q", c.Chat.Provider)
	}
	if c.Chat.MaxTokens <= 0 {
		return errors.New("chat.max_tokens must be > 0")
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding.dimensions must be > 0")
	}
	if c.Embedding.CacheEntries < 0 {
		return errors.New("embedding.cache_entries must be >= 0")
	}
	if c.Store.Mode != "single" && c.Store.Mode != "dual" {
		return fmt.Errorf("store.mode must be single or dual, got %q", c.Store.Mode)
	}
	if c.Store.CommitInterval < 0 {
		return errors.New("store.commit_interval must be >= 0")
	}
	if c.Context.WorkingLimit <= 0 {
		return errors.New("context.working_limit must be > 0")
	}
	if c.Context.AnchorLimit <= 0 {
		return errors.New("context.anchor_limit must be > 0")
	}
	if c.Context.RecallK <= 0 {
		return errors.New("context.recall_k must be > 0")
	}
	if c.Context.RecentTurns <= 0 {
		return errors.New("context.recent_turns must be > 0")
	}
	switch c.Context.AnchorBackend {
	case "none":
	case "file", "sqlite":
		if c.Context.AnchorPath == "" {
			return errors.New("context.anchor_path must not be empty")
		}
	default:
		return fmt.Errorf("context.anchor_backend must be file, sqlite or none, got %q", c.Context.AnchorBackend)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return p
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
