package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/campusauth/pkg/observability"
	"github.com/platinummonkey/campusauth/pkg/storage"
)

// envPrefix is prepended to every environment variable name
const envPrefix = "CAMPUSAUTH_"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Auth holds token, rate limit and password settings
	Auth AuthConfig `yaml:"auth"`

	// Retention holds sweeper schedules
	Retention RetentionConfig `yaml:"retention"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the ops HTTP server configuration
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

// AuthConfig holds settings for the authentication components
type AuthConfig struct {
	// SigningSecret signs access tokens (HS256)
	SigningSecret string        `yaml:"signing_secret"`
	Issuer        string        `yaml:"issuer"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	ResetTTL      time.Duration `yaml:"reset_ttl"`

	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	RateLimitThreshold int           `yaml:"rate_limit_threshold"`

	BcryptCost        int    `yaml:"bcrypt_cost"`
	PasswordMinLength int    `yaml:"password_min_length"`
	DefaultRole       string `yaml:"default_role"`
}

// RetentionConfig holds cron schedules for the retention sweeper
type RetentionConfig struct {
	Enabled              bool   `yaml:"enabled"`
	SessionSchedule      string `yaml:"session_schedule"`
	LoginAttemptSchedule string `yaml:"login_attempt_schedule"`
	RefreshSchedule      string `yaml:"refresh_schedule"`
	AuditRetentionYears  int    `yaml:"audit_retention_years"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// Default returns the configuration used when nothing is set
func Default() *Config {
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
		Storage: storage.DefaultConfig(),
		Auth: AuthConfig{
			Issuer:             "campusauth",
			AccessTTL:          24 * time.Hour,
			RefreshTTL:         30 * 24 * time.Hour,
			ResetTTL:           15 * time.Minute,
			RateLimitWindow:    15 * time.Minute,
			RateLimitThreshold: 5,
			BcryptCost:         12,
			PasswordMinLength:  8,
			DefaultRole:        "student",
		},
		Retention: RetentionConfig{
			Enabled:              true,
			SessionSchedule:      "@hourly",
			LoginAttemptSchedule: "@daily",
			RefreshSchedule:      "@hourly",
			AuditRetentionYears:  7,
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "campusauth",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration: defaults, then the optional YAML file
// named by CAMPUSAUTH_CONFIG_FILE, then environment variables
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv(envPrefix+"CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays a YAML file on the current values
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.loadServerConfig()
	c.loadStorageConfig()
	c.loadAuthConfig()
	c.loadRetentionConfig()
	c.loadObservabilityConfig()
}

// loadServerConfig loads server configuration from environment
func (c *Config) loadServerConfig() {
	s := &c.Server
	s.Host = getEnv(envPrefix+"HOST", s.Host)
	s.Port = getEnv(envPrefix+"PORT", s.Port)
	s.ReadTimeout = getEnvDuration(envPrefix+"READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration(envPrefix+"WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration(envPrefix+"IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration(envPrefix+"SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv(envPrefix+"HEALTH_PORT", s.HealthPort)
}

// loadStorageConfig loads storage configuration from environment
func (c *Config) loadStorageConfig() {
	s := &c.Storage

	s.Type = getEnv(envPrefix+"STORAGE_TYPE", s.Type)

	// PostgreSQL config
	s.PostgresURL = getEnv(envPrefix+"POSTGRES_URL", s.PostgresURL)
	if replicaURLs := getEnv(envPrefix+"POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		s.PostgresReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt(envPrefix+"POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		s.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt(envPrefix+"POSTGRES_MIN_CONNS", 0); minConns > 0 {
		s.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration(envPrefix+"POSTGRES_TIMEOUT", 0); timeout > 0 {
		s.PostgresTimeout = timeout
	}
	s.EnsureSchema = getEnvBool(envPrefix+"POSTGRES_ENSURE_SCHEMA", s.EnsureSchema)

	// Cache config
	s.CacheType = getEnv(envPrefix+"CACHE_TYPE", s.CacheType)
	if size := getEnvInt(envPrefix+"MEMORY_CACHE_SIZE", 0); size > 0 {
		s.MemoryCacheSize = size
	}

	// Redis config
	s.RedisURL = getEnv(envPrefix+"REDIS_URL", s.RedisURL)
	s.RedisPassword = getEnv(envPrefix+"REDIS_PASSWORD", s.RedisPassword)
	if redisDB := getEnvInt(envPrefix+"REDIS_DB", -1); redisDB >= 0 {
		s.RedisDB = redisDB
	}
	if retries := getEnvInt(envPrefix+"REDIS_MAX_RETRIES", 0); retries > 0 {
		s.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt(envPrefix+"REDIS_POOL_SIZE", 0); poolSize > 0 {
		s.RedisPoolSize = poolSize
	}
}

// loadAuthConfig loads token and login settings from environment
func (c *Config) loadAuthConfig() {
	a := &c.Auth
	a.SigningSecret = getEnv(envPrefix+"SIGNING_SECRET", a.SigningSecret)
	a.Issuer = getEnv(envPrefix+"TOKEN_ISSUER", a.Issuer)
	a.AccessTTL = getEnvDuration(envPrefix+"ACCESS_TOKEN_TTL", a.AccessTTL)
	a.RefreshTTL = getEnvDuration(envPrefix+"REFRESH_TOKEN_TTL", a.RefreshTTL)
	a.ResetTTL = getEnvDuration(envPrefix+"RESET_TOKEN_TTL", a.ResetTTL)
	a.RateLimitWindow = getEnvDuration(envPrefix+"RATE_LIMIT_WINDOW", a.RateLimitWindow)
	a.RateLimitThreshold = getEnvInt(envPrefix+"RATE_LIMIT_THRESHOLD", a.RateLimitThreshold)
	a.BcryptCost = getEnvInt(envPrefix+"BCRYPT_COST", a.BcryptCost)
	a.PasswordMinLength = getEnvInt(envPrefix+"PASSWORD_MIN_LENGTH", a.PasswordMinLength)
	a.DefaultRole = getEnv(envPrefix+"DEFAULT_ROLE", a.DefaultRole)
}

// loadRetentionConfig loads sweeper settings from environment
func (c *Config) loadRetentionConfig() {
	r := &c.Retention
	r.Enabled = getEnvBool(envPrefix+"RETENTION_ENABLED", r.Enabled)
	r.SessionSchedule = getEnv(envPrefix+"RETENTION_SESSION_SCHEDULE", r.SessionSchedule)
	r.LoginAttemptSchedule = getEnv(envPrefix+"RETENTION_LOGIN_ATTEMPT_SCHEDULE", r.LoginAttemptSchedule)
	r.RefreshSchedule = getEnv(envPrefix+"RETENTION_REFRESH_SCHEDULE", r.RefreshSchedule)
	r.AuditRetentionYears = getEnvInt(envPrefix+"AUDIT_RETENTION_YEARS", r.AuditRetentionYears)
}

// loadObservabilityConfig loads observability configuration from environment
func (c *Config) loadObservabilityConfig() {
	o := &c.Observability
	if level := getEnv(envPrefix+"LOG_LEVEL", ""); level != "" {
		o.LogLevel = observability.ParseLogLevel(level)
	}
	o.MetricsEnabled = getEnvBool(envPrefix+"METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool(envPrefix+"OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv(envPrefix+"OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv(envPrefix+"OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv(envPrefix+"OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool(envPrefix+"OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	switch c.Storage.CacheType {
	case storage.CacheMemory:
	case storage.CacheRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis cache")
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be memory or redis)", c.Storage.CacheType)
	}

	// Validate auth config
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("signing secret is required")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 || c.Auth.ResetTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Auth.RateLimitThreshold <= 0 {
		return fmt.Errorf("rate limit threshold must be positive")
	}

	// Validate OpenTelemetry config
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

// splitList splits a comma-separated list, dropping empty entries
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
