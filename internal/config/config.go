package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
	Realtime  RealtimeConfig
	Redis     RedisConfig
	Outbox    OutboxConfig
	CORS      CORSConfig
	Logging   LoggingConfig
	App       AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	// APIPrefix is where the realtime routes are mounted.
	APIPrefix    string
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	// WriteTimeout applies to plain JSON routes only; event streams clear
	// their own write deadline.
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration. The database is optional;
// without it the outbox relay and readiness check are disabled.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	// NotifyRPS limits the event ingestion endpoints.
	NotifyRPS   float64
	NotifyBurst int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins    []string
	ReadBufferSize    int
	WriteBufferSize   int
	PingInterval      time.Duration
	PongWait          time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

// RealtimeConfig holds connection registry configuration
type RealtimeConfig struct {
	SSEHeartbeat    time.Duration
	SendBuffer      int
	InactiveTimeout time.Duration
	CleanupInterval time.Duration
}

// RedisConfig configures the Pub/Sub event source. Empty URL disables it.
type RedisConfig struct {
	URL     string
	Channel string
}

// OutboxConfig configures the outbox relay.
type OutboxConfig struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// CORSConfig holds CORS configuration for the HTTP routes
type CORSConfig struct {
	AllowedOrigins []string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv reads the configuration from the environment without validating it.
func FromEnv() *Config {
	databaseURL := os.Getenv("DATABASE_URL")

	return &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			APIPrefix:       getEnvOrDefault("API_PREFIX", "/api"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             databaseURL,
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			MigrationsPath:  getEnvOrDefault("DB_MIGRATIONS_PATH", "migrations"),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
			NotifyRPS:         getFloatOrDefault("RATE_LIMIT_NOTIFY_RPS", 50),
			NotifyBurst:       getIntOrDefault("RATE_LIMIT_NOTIFY_BURST", 100),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:    getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:    getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize:   getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:      getDurationOrDefault("WS_PING_INTERVAL", 54*time.Second),
			PongWait:          getDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
			MessagesPerSecond: getFloatOrDefault("WS_MESSAGES_PER_SECOND", 20),
			MessageBurst:      getIntOrDefault("WS_MESSAGE_BURST", 40),
		},
		Realtime: RealtimeConfig{
			SSEHeartbeat:    getDurationOrDefault("REALTIME_SSE_HEARTBEAT", 30*time.Second),
			SendBuffer:      getIntOrDefault("REALTIME_SEND_BUFFER", 256),
			InactiveTimeout: getDurationOrDefault("REALTIME_INACTIVE_TIMEOUT", 30*time.Minute),
			CleanupInterval: getDurationOrDefault("REALTIME_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			Channel: getEnvOrDefault("REDIS_CHANNEL", "opsgraph:events"),
		},
		Outbox: OutboxConfig{
			Enabled:      getBoolOrDefault("OUTBOX_ENABLED", databaseURL != ""),
			PollInterval: getDurationOrDefault("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:    getIntOrDefault("OUTBOX_BATCH_SIZE", 25),
			MaxAttempts:  getIntOrDefault("OUTBOX_MAX_ATTEMPTS", 10),
		},
		CORS: CORSConfig{
			AllowedOrigins: getStringSliceOrDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "opsgraph-realtime"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	if c.Outbox.Enabled && c.Database.URL == "" {
		errs = append(errs, "OUTBOX_ENABLED requires DATABASE_URL")
	}

	// Security validations
	if c.IsProduction() {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}
	if c.Realtime.SendBuffer <= 0 {
		errs = append(errs, "REALTIME_SEND_BUFFER must be positive")
	}
	if c.Realtime.SSEHeartbeat <= 0 {
		errs = append(errs, "REALTIME_SSE_HEARTBEAT must be positive")
	}
	if c.Realtime.CleanupInterval <= 0 {
		errs = append(errs, "REALTIME_CLEANUP_INTERVAL must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, "WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}
	if c.Outbox.Enabled && (c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0) {
		errs = append(errs, "OUTBOX_BATCH_SIZE and OUTBOX_MAX_ATTEMPTS must be positive")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s%s, DB: %s, Redis: %s, JWT: [REDACTED], Outbox: %v, Environment: %s}",
		c.Server.Port,
		c.Server.APIPrefix,
		redactURL(c.Database.URL),
		redactURL(c.Redis.URL),
		c.Outbox.Enabled,
		c.App.Environment,
	)
}

// redactURL hides credentials in a connection URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
