// Package config provides configuration management for agentd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Events    EventsConfig    `mapstructure:"events"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	ReadTimeout       int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout      int      `mapstructure:"writeTimeout"` // in seconds; 0 disables (required for SSE)
	CORSOrigins       []string `mapstructure:"corsOrigins"`
	TrustProxyHeaders bool     `mapstructure:"trustProxyHeaders"`
	Debug             bool     `mapstructure:"debug"`
}

// DatabaseConfig holds database connection configuration. Driver selects
// the dialect: "sqlite3" (embedded, default) or "pgx" (PostgreSQL).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"` // DSN for pgx, file path for sqlite3
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// CacheConfig holds Redis cache configuration. An empty URL selects the
// in-process cache: single-instance mode, no cross-instance coordination.
type CacheConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"maxConnections"`
	SocketTimeout  time.Duration `mapstructure:"socketTimeout"`
	SessionTTL     time.Duration `mapstructure:"sessionTtl"`
}

// EventsConfig holds event bus configuration.
// An empty NATS URL disables the cross-instance fast path; interrupt and
// answer delivery then rely on cache marker polling alone.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	APIKeys            []string `mapstructure:"apiKeys"`
	RateLimitPerMinute int      `mapstructure:"rateLimitPerMinute"` // 0 disables rate limiting
}

// AgentConfig holds agent runtime invocation configuration.
type AgentConfig struct {
	Binary       string `mapstructure:"binary"`
	DefaultModel string `mapstructure:"defaultModel"`
	WorkdirRoot  string `mapstructure:"workdirRoot"`
}

// StreamingConfig holds event streaming configuration.
type StreamingConfig struct {
	QueueDepth        int           `mapstructure:"queueDepth"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	QuestionTimeout   time.Duration `mapstructure:"questionTimeout"`
	MaxConcurrent     int           `mapstructure:"maxConcurrent"`
}

// MCPConfig holds MCP server injection configuration.
type MCPConfig struct {
	ConfigFile string `mapstructure:"configFile"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IsPostgres reports whether the configured driver is PostgreSQL.
func (d *DatabaseConfig) IsPostgres() bool {
	return d.Driver == "pgx"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Write timeout stays disabled: SSE responses outlive any fixed bound.
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.corsOrigins", []string{})
	v.SetDefault("server.trustProxyHeaders", false)
	v.SetDefault("server.debug", false)

	// Database defaults - embedded SQLite for development
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "agentd.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Cache defaults
	v.SetDefault("cache.url", "redis://localhost:6379/0")
	v.SetDefault("cache.maxConnections", 10)
	v.SetDefault("cache.socketTimeout", "5s")
	v.SetDefault("cache.sessionTtl", "2h")

	// Events defaults - empty URL means no cross-instance fast path
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.maxReconnects", 10)

	// Auth defaults - keys are required outside debug mode
	v.SetDefault("auth.apiKeys", []string{})
	v.SetDefault("auth.rateLimitPerMinute", 0)

	// Agent runtime defaults
	v.SetDefault("agent.binary", "agent")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.workdirRoot", "")

	// Streaming defaults
	v.SetDefault("streaming.queueDepth", 100)
	v.SetDefault("streaming.heartbeatInterval", "15s")
	v.SetDefault("streaming.questionTimeout", "5m")
	v.SetDefault("streaming.maxConcurrent", 25)

	// MCP defaults
	v.SetDefault("mcp.configFile", ".mcp-server-config.json")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.url", "DATABASE_URL", "AGENTD_DATABASE_URL")
	_ = v.BindEnv("database.maxConns", "AGENTD_DATABASE_MAX_CONNS")
	_ = v.BindEnv("database.minConns", "AGENTD_DATABASE_MIN_CONNS")
	_ = v.BindEnv("cache.url", "REDIS_URL", "AGENTD_CACHE_URL")
	_ = v.BindEnv("cache.sessionTtl", "AGENTD_CACHE_SESSION_TTL")
	_ = v.BindEnv("cache.socketTimeout", "AGENTD_CACHE_SOCKET_TIMEOUT")
	_ = v.BindEnv("cache.maxConnections", "AGENTD_CACHE_MAX_CONNECTIONS")
	_ = v.BindEnv("events.natsUrl", "NATS_URL", "AGENTD_EVENTS_NATS_URL")
	_ = v.BindEnv("auth.apiKeys", "AGENTD_AUTH_API_KEYS")
	_ = v.BindEnv("auth.rateLimitPerMinute", "AGENTD_AUTH_RATE_LIMIT_PER_MINUTE")
	_ = v.BindEnv("agent.binary", "AGENTD_AGENT_BINARY")
	_ = v.BindEnv("agent.defaultModel", "AGENTD_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("agent.workdirRoot", "AGENTD_AGENT_WORKDIR_ROOT")
	_ = v.BindEnv("server.corsOrigins", "AGENTD_SERVER_CORS_ORIGINS")
	_ = v.BindEnv("server.trustProxyHeaders", "AGENTD_SERVER_TRUST_PROXY_HEADERS")
	_ = v.BindEnv("server.readTimeout", "AGENTD_SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.writeTimeout", "AGENTD_SERVER_WRITE_TIMEOUT")
	_ = v.BindEnv("streaming.queueDepth", "AGENTD_STREAMING_QUEUE_DEPTH")
	_ = v.BindEnv("streaming.heartbeatInterval", "AGENTD_STREAMING_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("streaming.questionTimeout", "AGENTD_STREAMING_QUESTION_TIMEOUT")
	_ = v.BindEnv("streaming.maxConcurrent", "AGENTD_STREAMING_MAX_CONCURRENT")
	_ = v.BindEnv("mcp.configFile", "AGENTD_MCP_CONFIG_FILE")
	_ = v.BindEnv("logging.outputPath", "AGENTD_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

	// Read config file (ignore if not found)
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
// In debug mode, authentication may be left unconfigured.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}
	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}

	// An empty cache.url is deliberate single-instance mode: the process
	// falls back to the in-process cache and cross-instance coordination
	// does not apply.
	if cfg.Cache.SessionTTL <= 0 {
		errs = append(errs, "cache.sessionTtl must be positive")
	}

	// Wildcard origins open the API to any site; only debug builds may do that.
	if !cfg.Server.Debug {
		for _, origin := range cfg.Server.CORSOrigins {
			if origin == "*" {
				errs = append(errs, "server.corsOrigins must not contain \"*\" outside debug mode")
			}
		}
		if len(cfg.Auth.APIKeys) == 0 {
			errs = append(errs, "auth.apiKeys is required outside debug mode")
		}
	}

	if cfg.Streaming.QueueDepth <= 0 {
		errs = append(errs, "streaming.queueDepth must be positive")
	}
	if cfg.Streaming.HeartbeatInterval <= 0 {
		errs = append(errs, "streaming.heartbeatInterval must be positive")
	}
	if cfg.Streaming.QuestionTimeout <= 0 {
		errs = append(errs, "streaming.questionTimeout must be positive")
	}
	if cfg.Streaming.MaxConcurrent <= 0 {
		errs = append(errs, "streaming.maxConcurrent must be positive")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
