package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// Connection holds the Kafka handles created at startup.
type Connection struct {
	Client   sarama.Client
	Group    sarama.ConsumerGroup
	Producer sarama.SyncProducer
}

// Close releases every handle. The client is closed last since the group and
// producer are built on it.
func (c *Connection) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Producer != nil {
		record(c.Producer.Close())
	}
	if c.Group != nil {
		record(c.Group.Close())
	}
	if c.Client != nil && !c.Client.Closed() {
		record(c.Client.Close())
	}
	return firstErr
}

// ConnectWithRetry attempts to establish a connection to Kafka with exponential
// backoff. It gives up after maxElapsed or when ctx is cancelled.
func ConnectWithRetry(ctx context.Context, cfg *ClientConfig, maxElapsed time.Duration, log *logger.Logger) (*Connection, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxInterval = 15 * time.Second
	expBackoff.MaxElapsedTime = maxElapsed

	var conn *Connection
	operation := func() error {
		c, err := connect(cfg)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn(ctx, "Kafka not reachable, retrying", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return conn, nil
}

func connect(cfg *ClientConfig) (*Connection, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.GroupID, err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		group.Close()
		client.Close()
		return nil, fmt.Errorf("create producer: %w", err)
	}

	return &Connection{Client: client, Group: group, Producer: producer}, nil
}
