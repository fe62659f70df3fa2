// Package config defines the service configuration, its defaults and the
// rules a configuration must satisfy before the service starts.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/taskpulse/pkg/common/validate"
)

// Dedup backends.
const (
	DedupBackendMemory   = "memory"
	DedupBackendRedis    = "redis"
	DedupBackendPostgres = "postgres"
)

// Config represents the top-level configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service" mapstructure:"service"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Consumer   ConsumerConfig   `yaml:"consumer" mapstructure:"consumer"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Aggregates AggregatesConfig `yaml:"aggregates" mapstructure:"aggregates"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Postgres   PostgresConfig   `yaml:"postgres" mapstructure:"postgres"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServiceConfig identifies the running instance.
type ServiceConfig struct {
	Name  string `yaml:"name" mapstructure:"name" validate:"required"`
	Build string `yaml:"build" mapstructure:"build"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	// OtelBridge also ships log records through the OpenTelemetry log bridge.
	OtelBridge bool `yaml:"otel_bridge" mapstructure:"otel_bridge"`
}

// KafkaConfig configures the inbound stream and the dead-letter topic. When
// Enabled is false the service runs against an in-memory broker.
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers         []string `yaml:"brokers" mapstructure:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	Topic           string   `yaml:"topic" mapstructure:"topic" validate:"required"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" mapstructure:"dead_letter_topic" validate:"required,nefield=Topic"`
	GroupID         string   `yaml:"group_id" mapstructure:"group_id" validate:"required_if=Enabled true"`
	ClientID        string   `yaml:"client_id" mapstructure:"client_id"`
	Version         string   `yaml:"version" mapstructure:"version"`
	InitialOffset   string   `yaml:"initial_offset" mapstructure:"initial_offset" validate:"omitempty,oneof=oldest newest"`

	CommitInterval  time.Duration `yaml:"commit_interval" mapstructure:"commit_interval" validate:"gt=0"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay" mapstructure:"redelivery_delay" validate:"gte=0"`
	Buffer          int           `yaml:"buffer" mapstructure:"buffer" validate:"gte=0"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"gt=0"`

	// RedeliveryWindow is the longest time after first delivery that the
	// broker may hand the same message out again.
	RedeliveryWindow time.Duration `yaml:"redelivery_window" mapstructure:"redelivery_window" validate:"gt=0"`
}

// ConsumerConfig configures the worker pool.
type ConsumerConfig struct {
	Workers            int           `yaml:"workers" mapstructure:"workers" validate:"min=1,max=1024"`
	ReceiveTimeout     time.Duration `yaml:"receive_timeout" mapstructure:"receive_timeout" validate:"gt=0"`
	StoreTimeout       time.Duration `yaml:"store_timeout" mapstructure:"store_timeout" validate:"gt=0"`
	BackoffBase        time.Duration `yaml:"backoff_base" mapstructure:"backoff_base" validate:"gt=0"`
	BackoffCeiling     time.Duration `yaml:"backoff_ceiling" mapstructure:"backoff_ceiling" validate:"gt=0"`
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	MaxEventsPerSecond float64       `yaml:"max_events_per_second" mapstructure:"max_events_per_second" validate:"gte=0"`
	RateBurst          int           `yaml:"rate_burst" mapstructure:"rate_burst" validate:"gte=0"`
}

// DedupConfig selects and tunes the deduplication store.
type DedupConfig struct {
	Backend       string        `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis postgres"`
	Retention     time.Duration `yaml:"retention" mapstructure:"retention" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"gt=0"`
}

// AggregatesConfig configures the aggregation engine.
type AggregatesConfig struct {
	Eviction        string          `yaml:"eviction" mapstructure:"eviction" validate:"oneof=none ttl lru"`
	TTL             time.Duration   `yaml:"ttl" mapstructure:"ttl" validate:"required_if=Eviction ttl"`
	MaxTasks        int             `yaml:"max_tasks" mapstructure:"max_tasks" validate:"required_if=Eviction lru,gte=0"`
	Shards          int             `yaml:"shards" mapstructure:"shards" validate:"min=1"`
	HistogramBounds []time.Duration `yaml:"histogram_bounds" mapstructure:"histogram_bounds" validate:"dive,gt=0"`
	// Persist writes aggregates through to Postgres and restores them on start.
	Persist     bool          `yaml:"persist" mapstructure:"persist"`
	RepoTimeout time.Duration `yaml:"repo_timeout" mapstructure:"repo_timeout" validate:"gt=0"`
}

// HealthConfig configures liveness and readiness.
type HealthConfig struct {
	LivenessTimeout     time.Duration `yaml:"liveness_timeout" mapstructure:"liveness_timeout" validate:"gt=0"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout" validate:"gt=0"`
	ExhaustionThreshold int           `yaml:"exhaustion_threshold" mapstructure:"exhaustion_threshold" validate:"min=1"`
	RetryingThreshold   time.Duration `yaml:"retrying_threshold" mapstructure:"retrying_threshold" validate:"gt=0"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            string        `yaml:"port" mapstructure:"port" validate:"required,numeric"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`
	Metrics         bool          `yaml:"metrics" mapstructure:"metrics"`
	Statsviz        bool          `yaml:"statsviz" mapstructure:"statsviz"`
}

// PostgresConfig configures the Postgres pool.
type PostgresConfig struct {
	DSN           string `yaml:"dsn" mapstructure:"dsn"`
	MinConns      int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	Migrate       bool   `yaml:"migrate" mapstructure:"migrate"`
	MigrationsDir string `yaml:"migrations_dir" mapstructure:"migrations_dir"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables OTLP export.
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure   bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns a configuration that runs locally without external
// dependencies.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "taskpulse", Build: "develop"},
		Log:     LogConfig{Level: "info"},
		Kafka: KafkaConfig{
			Topic:            "task-events",
			DeadLetterTopic:  "task-events-dlq",
			GroupID:          "taskpulse",
			ClientID:         "taskpulse",
			InitialOffset:    "oldest",
			CommitInterval:   time.Second,
			RedeliveryDelay:  time.Second,
			Buffer:           64,
			ConnectTimeout:   2 * time.Minute,
			RedeliveryWindow: time.Hour,
		},
		Consumer: ConsumerConfig{
			Workers:        4,
			ReceiveTimeout: time.Second,
			StoreTimeout:   2 * time.Second,
			BackoffBase:    100 * time.Millisecond,
			BackoffCeiling: 5 * time.Second,
			MaxRetries:     5,
		},
		Dedup: DedupConfig{
			Backend:       DedupBackendMemory,
			Retention:     24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Aggregates: AggregatesConfig{
			Eviction:    "none",
			Shards:      64,
			RepoTimeout: 5 * time.Second,
		},
		Health: HealthConfig{
			LivenessTimeout:     500 * time.Millisecond,
			ProbeTimeout:        2 * time.Second,
			ExhaustionThreshold: 3,
			RetryingThreshold:   30 * time.Second,
		},
		API: APIConfig{
			Port:            "8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Metrics:         true,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			Migrate:       true,
			MigrationsDir: "db/migrations",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "taskpulse:dedup:",
		},
		Telemetry: TelemetryConfig{SampleRate: 0.1},
	}
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Check(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Dedup.Retention < c.Kafka.RedeliveryWindow {
		errs = append(errs, fmt.Errorf(
			"dedup.retention (%s) must be at least kafka.redelivery_window (%s)",
			c.Dedup.Retention, c.Kafka.RedeliveryWindow))
	}
	if c.Consumer.BackoffBase > c.Consumer.BackoffCeiling {
		errs = append(errs, fmt.Errorf(
			"consumer.backoff_base (%s) must not exceed consumer.backoff_ceiling (%s)",
			c.Consumer.BackoffBase, c.Consumer.BackoffCeiling))
	}
	if c.NeedsPostgres() && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when dedup.backend is postgres or aggregates.persist is set"))
	}
	if c.Dedup.Backend == DedupBackendRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when dedup.backend is redis"))
	}
	for i := 1; i < len(c.Aggregates.HistogramBounds); i++ {
		if c.Aggregates.HistogramBounds[i] <= c.Aggregates.HistogramBounds[i-1] {
			errs = append(errs, errors.New("aggregates.histogram_bounds must be strictly ascending"))
			break
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// NeedsPostgres reports whether any component is backed by Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.Dedup.Backend == DedupBackendPostgres || c.Aggregates.Persist
}
