package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config represents application configuration
type Config struct {
	Environment string `json:"environment" env:"ENVIRONMENT" envDefault:"development"`

	Server    ServerConfig    `json:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `json:"database" envPrefix:"DB_"`
	Redis     RedisConfig     `json:"redis" envPrefix:"REDIS_"`
	Logging   LoggingConfig   `json:"logging" envPrefix:"LOG_"`
	Security  SecurityConfig  `json:"security"`
	RateLimit RateLimitConfig `json:"rate_limit" envPrefix:"RATE_LIMIT_"`
	SSE       SSEConfig       `json:"sse" envPrefix:"SSE_"`
	Saga      SagaConfig      `json:"saga" envPrefix:"SAGA_"`
	Webhook   WebhookConfig   `json:"webhook" envPrefix:"WEBHOOK_"`
	EventLog  EventLogConfig  `json:"event_log" envPrefix:"EVENT_LOG_"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port            string        `json:"port" env:"PORT" envDefault:"8080"`
	Host            string        `json:"host" env:"HOST" envDefault:"0.0.0.0"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `json:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig represents database configuration. Driver "memory" keeps all
// state in process and is meant for local runs and tests.
type DatabaseConfig struct {
	Driver         string        `json:"driver" env:"DRIVER" envDefault:"postgres"`
	Host           string        `json:"host" env:"HOST" envDefault:"localhost"`
	Port           int           `json:"port" env:"PORT" envDefault:"5432"`
	User           string        `json:"user" env:"USER" envDefault:"postgres"`
	Password       string        `json:"-" env:"PASSWORD"`
	DBName         string        `json:"dbname" env:"NAME" envDefault:"sagacore"`
	SSLMode        string        `json:"sslmode" env:"SSLMODE" envDefault:"disable"`
	MaxConnections int           `json:"max_connections" env:"MAX_CONNECTIONS" envDefault:"20"`
	MaxIdleTime    time.Duration `json:"max_idle_time" env:"MAX_IDLE_TIME" envDefault:"30m"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// RedisConfig represents Redis configuration. When disabled, pollers fall back
// to in-process single-flight only.
type RedisConfig struct {
	Enabled  bool          `json:"enabled" env:"ENABLED" envDefault:"false"`
	Host     string        `json:"host" env:"HOST" envDefault:"localhost"`
	Port     int           `json:"port" env:"PORT" envDefault:"6379"`
	Password string        `json:"-" env:"PASSWORD"`
	DB       int           `json:"db" env:"DB" envDefault:"0"`
	PoolSize int           `json:"pool_size" env:"POOL_SIZE" envDefault:"10"`
	Timeout  time.Duration `json:"timeout" env:"TIMEOUT" envDefault:"5s"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level" env:"LEVEL" envDefault:"info"`
	Format string `json:"format" env:"FORMAT" envDefault:"json"` // json, text
}

// SecurityConfig represents operator authentication configuration
type SecurityConfig struct {
	JWTSecret   string   `json:"-" env:"JWT_SECRET" envDefault:"your-secret-key-change-in-production"`
	AdminRole   string   `json:"admin_role" env:"ADMIN_ROLE" envDefault:"admin"`
	CORSOrigins []string `json:"cors_origins" env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// RateLimitConfig represents per-caller throttling of inbound events. The
// counters live in the Redis instance configured under Redis.
type RateLimitConfig struct {
	Enabled       bool          `json:"enabled" env:"ENABLED" envDefault:"false"`
	Limit         int           `json:"limit" env:"LIMIT" envDefault:"100"`
	Window        time.Duration `json:"window" env:"WINDOW" envDefault:"1m"`
	BlockDuration time.Duration `json:"block_duration" env:"BLOCK_DURATION" envDefault:"5m"`
}

// SSEConfig represents notification streaming configuration
type SSEConfig struct {
	Enabled           bool          `json:"enabled" env:"ENABLED" envDefault:"true"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	MessageBufferSize int           `json:"message_buffer_size" env:"MESSAGE_BUFFER_SIZE" envDefault:"256"`
}

// SagaConfig represents orchestration defaults and sweep intervals
type SagaConfig struct {
	DefinitionsFile         string        `json:"definitions_file" env:"DEFINITIONS_FILE" envDefault:"./configs/sagas.json"`
	DefaultTimeout          time.Duration `json:"default_timeout" env:"DEFAULT_TIMEOUT" envDefault:"30m"`
	ApprovalDeadline        time.Duration `json:"approval_deadline" env:"APPROVAL_DEADLINE" envDefault:"24h"`
	EscalationExtension     time.Duration `json:"escalation_extension" env:"ESCALATION_EXTENSION" envDefault:"12h"`
	RecoveryInterval        time.Duration `json:"recovery_interval" env:"RECOVERY_INTERVAL" envDefault:"60s"`
	ApprovalTimeoutInterval time.Duration `json:"approval_timeout_interval" env:"APPROVAL_TIMEOUT_INTERVAL" envDefault:"30s"`
	ApprovalGracePeriod     time.Duration `json:"approval_grace_period" env:"APPROVAL_GRACE_PERIOD" envDefault:"10m"`
	ConcurrencyRetries      int           `json:"concurrency_retries" env:"CONCURRENCY_RETRIES" envDefault:"3"`
	LockTTL                 time.Duration `json:"lock_ttl" env:"LOCK_TTL" envDefault:"2m"`
}

// WebhookConfig represents outbound delivery and breaker configuration
type WebhookConfig struct {
	RequestTimeout      time.Duration `json:"request_timeout" env:"REQUEST_TIMEOUT" envDefault:"10s"`
	FailureThreshold    uint32        `json:"failure_threshold" env:"FAILURE_THRESHOLD" envDefault:"5"`
	ResetTimeout        time.Duration `json:"reset_timeout" env:"RESET_TIMEOUT" envDefault:"60s"`
	HalfOpenMaxAttempts uint32        `json:"half_open_max_attempts" env:"HALF_OPEN_MAX_ATTEMPTS" envDefault:"2"`
	MaxAttempts         int           `json:"max_attempts" env:"MAX_ATTEMPTS" envDefault:"5"`
	Backoff             time.Duration `json:"backoff" env:"BACKOFF" envDefault:"2s"`
	MaxBackoff          time.Duration `json:"max_backoff" env:"MAX_BACKOFF" envDefault:"5m"`
	RetryJitter         float64       `json:"retry_jitter" env:"RETRY_JITTER" envDefault:"0.2"`
}

// EventLogConfig represents domain event log retention
type EventLogConfig struct {
	Retention     time.Duration `json:"retention" env:"RETENTION" envDefault:"720h"`
	PurgeInterval time.Duration `json:"purge_interval" env:"PURGE_INTERVAL" envDefault:"1h"`
}

// Load loads configuration from environment variables and defaults. A .env
// file in the working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Webhook.FailureThreshold == 0 {
		return fmt.Errorf("webhook failure threshold must be at least 1")
	}
	if c.Webhook.HalfOpenMaxAttempts == 0 {
		return fmt.Errorf("webhook half-open attempts must be at least 1")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1")
	}
	if c.Webhook.RetryJitter < 0 || c.Webhook.RetryJitter > 1 {
		return fmt.Errorf("webhook retry jitter must be between 0 and 1")
	}
	if c.Saga.ConcurrencyRetries < 1 {
		return fmt.Errorf("saga concurrency retries must be at least 1")
	}
	if c.Saga.DefaultTimeout <= 0 || c.Saga.ApprovalDeadline <= 0 {
		return fmt.Errorf("saga timeouts must be positive")
	}
	if c.Saga.RecoveryInterval <= 0 || c.Saga.ApprovalTimeoutInterval <= 0 || c.EventLog.PurgeInterval <= 0 {
		return fmt.Errorf("poller intervals must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit < 1 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit needs a positive limit and window")
	}

	if c.Security.JWTSecret == "" || c.Security.JWTSecret == "your-secret-key-change-in-production" {
		if c.IsProduction() {
			return fmt.Errorf("JWT secret must be set in production")
		}
	}

	return nil
}

// IsProduction checks if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// GetDatabaseURL returns the database connection URL
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetMigrateURL returns the postgres URL form expected by golang-migrate
func (c *Config) GetMigrateURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis host:port address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
