// Package config loads service configuration from an optional YAML file
// overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the execution core.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Events    EventsConfig    `mapstructure:"events"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds service identity.
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME" default:"flowforge"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds the ingress HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// EngineConfig holds execution engine limits and retry policy.
type EngineConfig struct {
	Concurrency      int `mapstructure:"concurrency" envconfig:"CONCURRENCY" default:"10"`
	PerWorkflow      int `mapstructure:"per_workflow" envconfig:"PER_WORKFLOW" default:"3"`
	PerUser          int `mapstructure:"per_user" envconfig:"PER_USER" default:"5"`
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms" envconfig:"DEFAULT_TIMEOUT_MS" default:"300000"`
	Retries          int `mapstructure:"retries" envconfig:"RETRIES" default:"3"`
	RetryBaseMs      int `mapstructure:"retry_base_ms" envconfig:"RETRY_BASE_MS" default:"1000"`
	RetryCapMs       int `mapstructure:"retry_cap_ms" envconfig:"RETRY_CAP_MS" default:"10000"`
	MaxParallel      int `mapstructure:"max_parallel" envconfig:"MAX_PARALLEL" default:"4"`
}

// SandboxConfig holds per-node resource caps.
type SandboxConfig struct {
	MemoryMB             int  `mapstructure:"memory_mb" envconfig:"SANDBOX_MEMORY_MB" default:"128"`
	OutputMB             int  `mapstructure:"output_mb" envconfig:"SANDBOX_OUTPUT_MB" default:"10"`
	HTTPTimeoutMs        int  `mapstructure:"http_timeout_ms" envconfig:"SANDBOX_HTTP_TIMEOUT_MS" default:"30000"`
	MaxConcurrentReqs    int  `mapstructure:"max_concurrent_reqs" envconfig:"SANDBOX_MAX_CONCURRENT_REQS" default:"5"`
	NodeTimeoutMs        int  `mapstructure:"node_timeout_ms" envconfig:"SANDBOX_NODE_TIMEOUT_MS" default:"30000"`
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks" envconfig:"ALLOW_PRIVATE_NETWORKS" default:"false"`
}

// EventsConfig bounds the fan-out replay buffer.
type EventsConfig struct {
	ReplayWindowMs int `mapstructure:"replay_window_ms" envconfig:"EVENT_REPLAY_WINDOW_MS" default:"10000"`
	ReplayMax      int `mapstructure:"replay_max" envconfig:"EVENT_REPLAY_MAX" default:"50"`
	BufferSize     int `mapstructure:"buffer_size" envconfig:"EVENT_BUFFER_SIZE" default:"256"`
}

// QueueConfig bounds the trigger admission queue.
type QueueConfig struct {
	MaxLength int           `mapstructure:"max_length" envconfig:"QUEUE_MAX_LENGTH" default:"100"`
	Timeout   time.Duration `mapstructure:"timeout" envconfig:"QUEUE_TIMEOUT" default:"5m"`
}

// RedisConfig holds Redis configuration for the distributed lock table.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" envconfig:"REDIS_ENABLED" default:"false"`
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig holds the optional event bridge configuration.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
}

// DatabaseConfig holds the history sink database configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled" envconfig:"DB_ENABLED" default:"false"`
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"flowforge"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// AuthConfig holds ingress authentication configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" envconfig:"JWT_SECRET" default:"dev-secret"`
	Disabled  bool   `mapstructure:"disabled" envconfig:"AUTH_DISABLED" default:"false"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	var cfg Config

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; continue with env vars only.
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Service.Name
	}
	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else if cfg.Version == "" {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
