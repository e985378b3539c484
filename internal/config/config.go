// Package config loads and validates the Lightopedia configuration.
// Configuration comes from an optional YAML file with environment-variable
// overrides; env vars always win. This module is the single place that
// enumerates the required environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by Load. Anything credentials-shaped
// is env-only and never read from the YAML file.
const (
	EnvGitHubToken      = "LIGHTOPEDIA_GITHUB_TOKEN"
	EnvGitHubAppID      = "LIGHTOPEDIA_GITHUB_APP_ID"
	EnvGitHubAppKey     = "LIGHTOPEDIA_GITHUB_APP_PRIVATE_KEY"
	EnvOpenAIAPIKey     = "LIGHTOPEDIA_OPENAI_API_KEY"
	EnvOpenAIBaseURL    = "LIGHTOPEDIA_OPENAI_BASE_URL"
	EnvDataDir          = "LIGHTOPEDIA_DATA_DIR"
	EnvHTTPPort         = "LIGHTOPEDIA_HTTP_PORT"
	EnvWebhookSecret    = "LIGHTOPEDIA_WEBHOOK_SECRET"
	EnvAPIKeys          = "LIGHTOPEDIA_API_KEYS"
	EnvLogLevel         = "LIGHTOPEDIA_LOG_LEVEL"
	EnvLogFile          = "LIGHTOPEDIA_LOG_FILE"
)

// Config is the complete Lightopedia configuration. Immutable after startup.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	GitHub    GitHubConfig    `yaml:"github"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// APIKeys are the accepted bearer tokens for /api/v1. Empty disables
	// the API (debug endpoints stay open).
	APIKeys []string `yaml:"-"`

	// WebhookSecret is the optional HMAC secret for push webhooks.
	WebhookSecret string `yaml:"-"`

	// RateLimitPerMinute is the fixed-window per-key request budget.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	// DataDir holds the SQLite database, vector graph, and keyword index.
	DataDir string `yaml:"data_dir"`

	// QueryTimeout is the per-RPC budget for store reads.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// GitHubConfig configures the source fetcher. Either Token or the App pair
// must be set for indexing; query-only deployments may leave both empty.
type GitHubConfig struct {
	Token         string `yaml:"-"`
	AppID         string `yaml:"-"`
	AppPrivateKey string `yaml:"-"`
	BaseURL       string `yaml:"base_url"`
}

// OpenAIConfig configures the embedding/completion provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig configures slog setup.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// RetrievalConfig holds the tunable retrieval knobs. Defaults match the
// pinned constants in internal/retrieval; overriding them requires a
// retrieval version bump.
type RetrievalConfig struct {
	VectorK      int           `yaml:"vector_k"`
	KeywordK     int           `yaml:"keyword_k"`
	RPCTimeout   time.Duration `yaml:"rpc_timeout"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			RateLimitPerMinute: 30,
		},
		Store: StoreConfig{
			DataDir:      "./data",
			QueryTimeout: 5 * time.Second,
		},
		GitHub: GitHubConfig{
			BaseURL: "https://api.github.com",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			VectorK:    8,
			KeywordK:   8,
			RPCTimeout: 5 * time.Second,
		},
	}
}

// Load reads the YAML file at path (optional; empty path or a missing file
// is fine) and applies environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvGitHubToken); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv(EnvGitHubAppID); v != "" {
		c.GitHub.AppID = v
	}
	if v := os.Getenv(EnvGitHubAppKey); v != "" {
		c.GitHub.AppPrivateKey = v
	}
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvOpenAIBaseURL); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.Server.WebhookSecret = v
	}
	if v := os.Getenv(EnvAPIKeys); v != "" {
		keys := strings.Split(v, ",")
		c.Server.APIKeys = c.Server.APIKeys[:0]
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, k)
			}
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		c.Logging.File = v
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store data_dir must be set")
	}
	if c.Store.QueryTimeout <= 0 {
		c.Store.QueryTimeout = 5 * time.Second
	}
	if c.Server.RateLimitPerMinute <= 0 {
		c.Server.RateLimitPerMinute = 30
	}
	if c.Retrieval.VectorK <= 0 {
		c.Retrieval.VectorK = 8
	}
	if c.Retrieval.KeywordK <= 0 {
		c.Retrieval.KeywordK = 8
	}
	if c.Retrieval.RPCTimeout <= 0 {
		c.Retrieval.RPCTimeout = 5 * time.Second
	}
	return nil
}
