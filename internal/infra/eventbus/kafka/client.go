// Package kafka adapts a Kafka cluster to the monitoring ports: a consumer
// group backed MessageSource and a producer used for dead letters.
package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string

	// Version is the broker protocol version, e.g. "3.6.0".
	Version string
	// InitialOffset is "oldest" or "newest" and applies to groups without a
	// committed offset.
	InitialOffset string
}

// NewSaramaConfig returns the shared producer and consumer settings.
func NewSaramaConfig(cfg *ClientConfig) (*sarama.Config, error) {
	config := sarama.NewConfig()
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}

	version := sarama.V3_6_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version %q: %w", cfg.Version, err)
		}
		version = v
	}
	config.Version = version

	// Consumer settings. Offsets are committed by the source once messages
	// are acknowledged, never automatically.
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false
	switch cfg.InitialOffset {
	case "", "oldest":
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest":
		config.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("invalid initial offset %q", cfg.InitialOffset)
	}

	// Producer settings.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	return config, nil
}

// NewClient creates and configures a Kafka client with the provided settings.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	return sarama.NewClient(cfg.Brokers, config)
}
