package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Consumer      ConsumerConfig      `mapstructure:"consumer"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

// ServerConfig configures the ops HTTP listener (health + metrics).
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// RelayConfig drives the outbox dispatcher.
type RelayConfig struct {
	// Transport selects the delivery channel: "redis-stream" for the real
	// thing, "mock" for a local transport with injectable faults.
	Transport      string        `mapstructure:"transport"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	MaxAttempts    int           `mapstructure:"max_attempts"`

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMultiplier  float64       `mapstructure:"retry_multiplier"`

	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `mapstructure:"breaker_open_timeout"`
}

// ConsumerConfig drives the inbox-guarded stream consumer.
type ConsumerConfig struct {
	Group         string        `mapstructure:"group"`
	BatchSize     int64         `mapstructure:"batch_size"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	ClaimInterval time.Duration `mapstructure:"claim_interval"`
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("EVENTCORE")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/eventcore")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Relay.Transport != "redis-stream" && c.Relay.Transport != "mock" {
		errs = append(errs, fmt.Errorf("relay.transport must be redis-stream or mock, got %q", c.Relay.Transport))
	}
	if c.Relay.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.batch_size must be positive"))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.poll_interval must be positive"))
	}
	if c.Relay.PublishTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.publish_timeout must be positive"))
	}
	if c.Relay.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_attempts must be positive"))
	}
	if c.Relay.RetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("relay.retry_max_attempts must be positive"))
	}
	if c.Relay.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("relay.retry_multiplier must be at least 1"))
	}
	if c.Relay.BreakerFailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("relay.breaker_failure_threshold must be positive"))
	}
	if c.Relay.BreakerOpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.breaker_open_timeout must be positive"))
	}
	if c.Consumer.Group == "" {
		errs = append(errs, fmt.Errorf("consumer.group is required"))
	}
	if c.Consumer.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("consumer.batch_size must be positive"))
	}
	if c.Consumer.ClaimInterval <= 0 {
		errs = append(errs, fmt.Errorf("consumer.claim_interval must be positive"))
	}
	if c.Consumer.ClaimMinIdle <= 0 {
		errs = append(errs, fmt.Errorf("consumer.claim_min_idle must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8091)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "eventcore")
	v.SetDefault("database.database", "eventcore")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Relay defaults
	v.SetDefault("relay.transport", "redis-stream")
	v.SetDefault("relay.batch_size", 50)
	v.SetDefault("relay.poll_interval", "1m")
	v.SetDefault("relay.publish_timeout", "10s")
	v.SetDefault("relay.lock_ttl", "2m")
	v.SetDefault("relay.max_attempts", 5)
	v.SetDefault("relay.retry_max_attempts", 3)
	v.SetDefault("relay.retry_base_delay", "1s")
	v.SetDefault("relay.retry_multiplier", 2.0)
	v.SetDefault("relay.breaker_failure_threshold", 5)
	v.SetDefault("relay.breaker_open_timeout", "30s")

	// Consumer defaults
	v.SetDefault("consumer.group", "eventcore-consumers")
	v.SetDefault("consumer.batch_size", 10)
	v.SetDefault("consumer.block_duration", "1s")
	v.SetDefault("consumer.claim_interval", "30s")
	v.SetDefault("consumer.claim_min_idle", "1m")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	v.SetDefault("instance_id", "eventcore-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
