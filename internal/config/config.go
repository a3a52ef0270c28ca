// Package config holds the server configuration: an optional config.json
// merged with environment variables. Secrets (API keys, DSNs) are env-only
// and never written to disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the root configuration for the DAG-chat backend.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Mongo     MongoConfig     `json:"mongo,omitempty"`
	Providers ProvidersConfig `json:"providers,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig selects the conversation metadata backend.
// MySQLDSN is NEVER read from config.json (secret) — only from env
// DAGCHAT_MYSQL_DSN. Without it the server runs standalone on SQLite.
type DatabaseConfig struct {
	MySQLDSN   string `json:"-"`
	SQLitePath string `json:"sqlite_path,omitempty"`
}

// IsManaged reports whether conversation metadata lives in MySQL.
func (c *Config) IsManaged() bool {
	return c.Database.MySQLDSN != ""
}

// MongoConfig configures the message-node document store.
// URI comes from env DAGCHAT_MONGO_URI only.
type MongoConfig struct {
	URI      string `json:"-"`
	Database string `json:"database,omitempty"`
}

// ProviderConfig is one upstream LLM vendor. APIKey comes from env only.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
}

// ProvidersConfig holds every supported vendor.
type ProvidersConfig struct {
	DeepSeek ProviderConfig `json:"deepseek,omitempty"`
	Qwen     ProviderConfig `json:"qwen,omitempty"`
	Kimi     ProviderConfig `json:"kimi,omitempty"`
	GLM      ProviderConfig `json:"glm,omitempty"`
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	ChatRPM   int `json:"chat_rpm,omitempty"`
	ChatBurst int `json:"chat_burst,omitempty"`
}

// TelemetryConfig enables OTLP trace export. The exporter endpoint comes
// from the standard OTEL env vars.
type TelemetryConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// Load reads the config file when it exists, then applies env overrides and
// defaults. A missing file is not an error; standalone defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setEnv(&c.Database.MySQLDSN, "DAGCHAT_MYSQL_DSN")
	setEnv(&c.Database.SQLitePath, "DAGCHAT_SQLITE_PATH")
	setEnv(&c.Mongo.URI, "DAGCHAT_MONGO_URI")
	setEnv(&c.Mongo.Database, "DAGCHAT_MONGO_DB")

	setEnv(&c.Providers.DeepSeek.APIKey, "DEEPSEEK_API_KEY")
	setEnv(&c.Providers.DeepSeek.BaseURL, "DEEPSEEK_API_BASE_URL")
	setEnv(&c.Providers.Qwen.APIKey, "QWEN_API_KEY")
	setEnv(&c.Providers.Qwen.BaseURL, "QWEN_API_BASE_URL")
	setEnv(&c.Providers.Kimi.APIKey, "KIMI_API_KEY")
	setEnv(&c.Providers.Kimi.BaseURL, "KIMI_API_BASE_URL")
	setEnv(&c.Providers.GLM.APIKey, "GLM_API_KEY")
	setEnv(&c.Providers.GLM.BaseURL, "GLM_API_BASE_URL")
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "dagchat.db"
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "dagchat"
	}
}

func setEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
