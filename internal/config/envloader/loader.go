// Package envloader loads configuration from TASKPULSE_* environment
// variables and command-line flags on top of the defaults.
package envloader

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/taskpulse/internal/config"
)

// EnvPrefix is prepended to every environment variable, e.g.
// TASKPULSE_KAFKA_BROKERS for kafka.brokers.
const EnvPrefix = "TASKPULSE"

var _ config.Loader = (*EnvLoader)(nil)

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"kafka-enabled": "kafka.enabled",
	"kafka-brokers": "kafka.brokers",
	"kafka-topic":   "kafka.topic",
	"workers":       "consumer.workers",
	"dedup-backend": "dedup.backend",
	"eviction":      "aggregates.eviction",
	"api-port":      "api.port",
	"postgres-dsn":  "postgres.dsn",
	"redis-addr":    "redis.addr",
	"otlp-endpoint": "telemetry.endpoint",
}

// RegisterFlags adds the supported flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("kafka-enabled", false, "consume from Kafka instead of the in-memory broker")
	fs.StringSlice("kafka-brokers", nil, "Kafka bootstrap brokers")
	fs.String("kafka-topic", "", "task event topic")
	fs.Int("workers", 0, "number of consumer workers")
	fs.String("dedup-backend", "", "dedup store backend (memory, redis, postgres)")
	fs.String("eviction", "", "per-task eviction policy (none, ttl, lru)")
	fs.String("api-port", "", "HTTP listen port")
	fs.String("postgres-dsn", "", "Postgres connection string")
	fs.String("redis-addr", "", "Redis address")
	fs.String("otlp-endpoint", "", "OTLP gRPC collector endpoint")
}

// EnvLoader resolves configuration as defaults < environment < flags.
type EnvLoader struct {
	flags *pflag.FlagSet
}

// NewEnvLoader returns a loader reading the environment and, when fs is
// non-nil, the flags registered by RegisterFlags.
func NewEnvLoader(fs *pflag.FlagSet) *EnvLoader { return &EnvLoader{flags: fs} }

// Load builds the configuration.
func (l *EnvLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seeding viper with the defaults registers every key, which AutomaticEnv
	// needs in order to find overrides during Unmarshal.
	defaults, err := yaml.Marshal(config.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if l.flags != nil {
		for name, key := range flagKeys {
			if f := l.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := new(config.Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
