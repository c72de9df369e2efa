// Package config reads sourcewatch settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Extract  ExtractConfig
	Cache    CacheConfig
	Worker   WorkerConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int
	Environment     string
	ShutdownTimeout int
	AllowedOrigins  []string
	RateLimiting    bool
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	SQLitePath   string
	AutoMigrate  bool
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// NATSConfig holds NATS configuration. Name identifies the connection in
// server monitoring.
type NATSConfig struct {
	Enabled bool
	URL     string
	Name    string
}

// StorageConfig holds object storage configuration for archived responses.
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
	RetentionDays   int
}

// LLMConfig holds the query generation provider configuration.
type LLMConfig struct {
	Provider        string
	OpenAIKey       string
	Model           string
	MaxTokens       int
	OllamaBaseURL   string
	LMStudioBaseURL string
	Temperature     float64
}

// ExtractConfig holds extraction service configuration.
type ExtractConfig struct {
	BaseURL           string
	APIKey            string
	RequestTimeout    time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
	BaselineObjective string
	EvidenceMaxTokens int
}

// CacheConfig holds query cache configuration.
type CacheConfig struct {
	Prefix     string
	QueriesTTL time.Duration
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	RefreshInterval time.Duration
	RefreshOnStart  bool
	QueueGroup      string
	HTTPPort        int
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load reads every setting from the environment. Unset or unparsable
// values take their defaults; the result is then validated.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("PORT", 8080),
			Environment:     envString("ENVIRONMENT", "development"),
			ShutdownTimeout: envInt("SHUTDOWN_TIMEOUT", 30),
			AllowedOrigins:  envList("ALLOWED_ORIGINS", []string{"*"}),
			RateLimiting:    envBool("RATE_LIMITING", true),
		},
		Database: DatabaseConfig{
			Driver:       strings.ToLower(envString("DB_DRIVER", DriverPostgres)),
			Host:         envString("DB_HOST", "localhost"),
			Port:         envInt("DB_PORT", 5432),
			User:         envString("DB_USER", "postgres"),
			Password:     envString("DB_PASSWORD", ""),
			Database:     envString("DB_NAME", "sourcewatch"),
			SSLMode:      envString("DB_SSL_MODE", "disable"),
			MaxOpenConns: envInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DB_MAX_IDLE_CONNS", 5),
			SQLitePath:   envString("SQLITE_PATH", "sourcewatch.db"),
			AutoMigrate:  envBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  envBool("REDIS_ENABLED", true),
			Host:     envString("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			Enabled: envBool("NATS_ENABLED", true),
			URL:     envString("NATS_URL", "nats://localhost:4222"),
			Name:    envString("NATS_CLIENT_NAME", "sourcewatch"),
		},
		Storage: StorageConfig{
			Enabled:         envBool("STORAGE_ENABLED", false),
			Endpoint:        envString("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     envString("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: envString("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      envString("STORAGE_BUCKET", "sourcewatch"),
			UseSSL:          envBool("STORAGE_USE_SSL", false),
			Region:          envString("STORAGE_REGION", "us-east-1"),
			RetentionDays:   envInt("STORAGE_RETENTION_DAYS", 30),
		},
		LLM: LLMConfig{
			Provider:        strings.ToLower(envString("LLM_PROVIDER", "openai")),
			OpenAIKey:       envString("OPENAI_API_KEY", ""),
			Model:           envString("LLM_MODEL", ""),
			MaxTokens:       envInt("LLM_MAX_TOKENS", 200),
			OllamaBaseURL:   envString("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
			LMStudioBaseURL: envString("LMSTUDIO_BASE_URL", "http://localhost:1234/v1"),
			Temperature:     envFloat("LLM_TEMPERATURE", 0.2),
		},
		Extract: ExtractConfig{
			BaseURL:           envString("EXTRACT_BASE_URL", ""),
			APIKey:            envString("EXTRACT_API_KEY", ""),
			RequestTimeout:    envDuration("EXTRACT_TIMEOUT", 120*time.Second),
			RateLimitRPS:      envFloat("EXTRACT_RATE_LIMIT_RPS", 2),
			RateLimitBurst:    envInt("EXTRACT_RATE_LIMIT_BURST", 1),
			BaselineObjective: envString("EXTRACT_BASELINE_OBJECTIVE", ""),
			EvidenceMaxTokens: envInt("EVIDENCE_MAX_TOKENS", 2000),
		},
		Cache: CacheConfig{
			Prefix:     envString("CACHE_PREFIX", "sourcewatch"),
			QueriesTTL: envDuration("CACHE_QUERIES_TTL", 6*time.Hour),
		},
		Worker: WorkerConfig{
			RefreshInterval: envDuration("WORKER_REFRESH_INTERVAL", 6*time.Hour),
			RefreshOnStart:  envBool("WORKER_REFRESH_ON_START", false),
			QueueGroup:      envString("WORKER_QUEUE_GROUP", "refresh-workers"),
			HTTPPort:        envInt("WORKER_HTTP_PORT", 8081),
		},
		Log: LogConfig{
			Level:     envString("LOG_LEVEL", "info"),
			Format:    envString("LOG_FORMAT", "json"),
			AddSource: envBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once. Production additionally
// requires the extraction endpoint and, for OpenAI, an API key.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Driver != DriverPostgres && c.Database.Driver != DriverSQLite {
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite)", c.Database.Driver))
	}
	if c.Extract.EvidenceMaxTokens < 0 {
		errs = append(errs, errors.New("EVIDENCE_MAX_TOKENS must not be negative"))
	}
	if c.Worker.RefreshInterval <= 0 {
		errs = append(errs, errors.New("WORKER_REFRESH_INTERVAL must be positive"))
	}

	if c.Server.Environment == "production" {
		if c.Extract.BaseURL == "" {
			errs = append(errs, errors.New("EXTRACT_BASE_URL must be set in production"))
		}
		if c.LLM.Provider == "openai" && c.LLM.OpenAIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY must be set in production when LLM_PROVIDER is openai"))
		}
	}
	return errors.Join(errs...)
}

// LLMBaseURL is the endpoint of a local provider, or "" for hosted OpenAI.
func (c *LLMConfig) LLMBaseURL() string {
	switch c.Provider {
	case "ollama":
		return c.OllamaBaseURL
	case "lmstudio":
		return c.LMStudioBaseURL
	}
	return ""
}

// env returns the parsed value of key, or def when key is unset or fails
// to parse.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func envString(key, def string) string {
	return env(key, def, func(s string) (string, error) { return s, nil })
}

func envInt(key string, def int) int { return env(key, def, strconv.Atoi) }

func envBool(key string, def bool) bool { return env(key, def, strconv.ParseBool) }

func envDuration(key string, def time.Duration) time.Duration {
	return env(key, def, time.ParseDuration)
}

func envFloat(key string, def float64) float64 {
	return env(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// envList splits a comma-separated value, dropping blanks. An empty value
// keeps def.
func envList(key string, def []string) []string {
	return env(key, def, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, errors.New("empty list")
		}
		return out, nil
	})
}
