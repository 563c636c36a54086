package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Collaborator service configuration
	Collaborators CollaboratorConfig `yaml:"collaborators"`

	// Redis configuration (rate limiting)
	Redis RedisConfig `yaml:"redis"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// StoreConfig holds membership store configuration
type StoreConfig struct {
	PostgresURL  string        `yaml:"postgres_url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// CollaboratorConfig holds outbound client configuration for the
// user-profile and ACSP-profile services and the notification sink.
type CollaboratorConfig struct {
	UsersAPIURL    string        `yaml:"users_api_url"`
	ACSPProfileURL string        `yaml:"acsp_profile_url"`
	EmailAPIURL    string        `yaml:"email_api_url"`

	// RequestTimeout bounds every outbound call. A timed-out call is a
	// transient failure, never an authorization decision.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// RedisConfig holds Redis configuration for distributed rate limiting
type RedisConfig struct {
	URL              string `yaml:"url"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	RateLimitEnabled bool   `yaml:"rate_limit_enabled"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled     bool   `yaml:"otel_enabled"`
	OTelEndpoint    string `yaml:"otel_endpoint"`
	OTelServiceName string `yaml:"otel_service_name"`
	OTelInsecure    bool   `yaml:"otel_insecure"`
}

// LoadConfig loads configuration from environment variables, optionally
// overlaid on a YAML file named by ACSP_CONFIG_FILE. Environment variables
// always win so deployments can override a checked-in base file.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("ACSP_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Store: StoreConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			QueryTimeout: 10 * time.Second,
		},
		Collaborators: CollaboratorConfig{
			RequestTimeout: 20 * time.Second,
			CacheSize:      1024,
			CacheTTL:       5 * time.Minute,
		},
		Redis: RedisConfig{
			RateLimitEnabled: false,
		},
		Observability: ObservabilityConfig{
			LogLevel:        "info",
			MetricsEnabled:  true,
			OTelEndpoint:    "localhost:4317",
			OTelServiceName: "acsp-members",
			OTelInsecure:    true,
		},
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("ACSP_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("ACSP_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("ACSP_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("ACSP_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("ACSP_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("ACSP_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.HealthPort = getEnv("ACSP_HEALTH_PORT", cfg.Server.HealthPort)

	cfg.Store.PostgresURL = getEnv("ACSP_POSTGRES_URL", cfg.Store.PostgresURL)
	cfg.Store.MaxOpenConns = getEnvInt("ACSP_POSTGRES_MAX_CONNS", cfg.Store.MaxOpenConns)
	cfg.Store.MaxIdleConns = getEnvInt("ACSP_POSTGRES_IDLE_CONNS", cfg.Store.MaxIdleConns)
	cfg.Store.QueryTimeout = getEnvDuration("ACSP_POSTGRES_TIMEOUT", cfg.Store.QueryTimeout)

	cfg.Collaborators.UsersAPIURL = getEnv("ACSP_USERS_API_URL", cfg.Collaborators.UsersAPIURL)
	cfg.Collaborators.ACSPProfileURL = getEnv("ACSP_PROFILE_API_URL", cfg.Collaborators.ACSPProfileURL)
	cfg.Collaborators.EmailAPIURL = getEnv("ACSP_EMAIL_API_URL", cfg.Collaborators.EmailAPIURL)
	cfg.Collaborators.RequestTimeout = getEnvDuration("ACSP_COLLABORATOR_TIMEOUT", cfg.Collaborators.RequestTimeout)
	cfg.Collaborators.CacheSize = getEnvInt("ACSP_PROFILE_CACHE_SIZE", cfg.Collaborators.CacheSize)
	cfg.Collaborators.CacheTTL = getEnvDuration("ACSP_PROFILE_CACHE_TTL", cfg.Collaborators.CacheTTL)

	cfg.Redis.URL = getEnv("ACSP_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = getEnv("ACSP_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("ACSP_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.RateLimitEnabled = getEnvBool("ACSP_RATE_LIMIT_ENABLED", cfg.Redis.RateLimitEnabled)

	cfg.Observability.LogLevel = getEnv("ACSP_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.MetricsEnabled = getEnvBool("ACSP_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.OTelEnabled = getEnvBool("ACSP_OTEL_ENABLED", cfg.Observability.OTelEnabled)
	cfg.Observability.OTelEndpoint = getEnv("ACSP_OTEL_ENDPOINT", cfg.Observability.OTelEndpoint)
	cfg.Observability.OTelServiceName = getEnv("ACSP_OTEL_SERVICE_NAME", cfg.Observability.OTelServiceName)
	cfg.Observability.OTelInsecure = getEnvBool("ACSP_OTEL_INSECURE", cfg.Observability.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Store.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Collaborators.UsersAPIURL == "" {
		return fmt.Errorf("users API URL is required")
	}
	if c.Collaborators.ACSPProfileURL == "" {
		return fmt.Errorf("ACSP profile API URL is required")
	}
	if c.Collaborators.RequestTimeout <= 0 {
		return fmt.Errorf("collaborator request timeout must be positive")
	}

	if c.Redis.RateLimitEnabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when rate limiting is enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
