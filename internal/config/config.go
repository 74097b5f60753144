package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Provider ProviderConfig `yaml:"provider"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Compose  ComposeConfig  `yaml:"compose"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Worker   WorkerConfig   `yaml:"worker"`
	Reaper   ReaperConfig   `yaml:"reaper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// ProviderConfig holds external composition provider settings
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	CreatePath     string        `yaml:"create_path"`
	StatusPath     string        `yaml:"status_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ComposeConfig holds defaults and bounds for composition requests
type ComposeConfig struct {
	DefaultLengthMS int `yaml:"default_length_ms"`
	MinLengthMS     int `yaml:"min_length_ms"`
	MaxLengthMS     int `yaml:"max_length_ms"`
	MaxRetries      int `yaml:"max_retries"`
}

// OutboxConfig holds outbox relay settings
type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	PollInitialInterval time.Duration `yaml:"poll_initial_interval"`
	PollMaxInterval     time.Duration `yaml:"poll_max_interval"`
	PollBudget          time.Duration `yaml:"poll_budget"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// ReaperConfig holds stuck-track sweep settings
type ReaperConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	BatchSize      int           `yaml:"batch_size"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks configuration needed by the api-service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Compose.MinLengthMS > 0 && c.Compose.MaxLengthMS > 0 && c.Compose.MinLengthMS > c.Compose.MaxLengthMS {
		return fmt.Errorf("compose min_length_ms %d exceeds max_length_ms %d", c.Compose.MinLengthMS, c.Compose.MaxLengthMS)
	}

	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox poll_interval must be greater than 0")
	}

	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch_size must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks configuration needed by the worker-service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}

	if c.Provider.CreatePath == "" || c.Provider.StatusPath == "" {
		return fmt.Errorf("provider create_path and status_path are required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.PollInitialInterval <= 0 {
		return fmt.Errorf("worker poll_initial_interval must be greater than 0")
	}

	if c.Worker.PollMaxInterval < c.Worker.PollInitialInterval {
		return fmt.Errorf("worker poll_max_interval must not be less than poll_initial_interval")
	}

	if c.Worker.PollBudget <= 0 {
		return fmt.Errorf("worker poll_budget must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Reaper.SweepInterval <= 0 {
		return fmt.Errorf("reaper sweep_interval must be greater than 0")
	}

	if c.Reaper.StaleThreshold <= 0 {
		return fmt.Errorf("reaper stale_threshold must be greater than 0")
	}

	// A healthy worker holds a track in PROCESSING for up to poll_budget
	// without touching updated_at; a smaller threshold would make the
	// reaper requeue tracks that are still being polled
	if c.Reaper.StaleThreshold <= c.Worker.PollBudget {
		return fmt.Errorf("reaper stale_threshold (%s) must be greater than worker poll_budget (%s)", c.Reaper.StaleThreshold, c.Worker.PollBudget)
	}

	return nil
}

// validateShared checks configuration both binaries depend on
func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
