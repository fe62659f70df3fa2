package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/taskpulse/internal/domain/events"
	"github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

func headerValues(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestProducerPublish(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "task-events" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "task-1" {
			return fmt.Errorf("unexpected key %s", key)
		}
		if headerValues(msg)["source"] != "test" {
			return errors.New("missing source header")
		}
		return nil
	})

	p := NewProducer(sp, "task-events-dlq", logger.Noop(), testTracer)
	err := p.Publish(context.Background(), "task-events", []byte("payload"),
		events.WithKey("task-1"),
		events.WithHeaders(map[string]string{"source": "test"}),
	)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducerPublishFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	p := NewProducer(sp, "task-events-dlq", logger.Noop(), testTracer)
	err := p.Publish(context.Background(), "task-events", []byte("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	require.NoError(t, p.Close())
}

func TestProducerDeadLetterHeaders(t *testing.T) {
	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	dl := monitoring.DeadLetter{
		Payload:  []byte("{bad json"),
		Key:      "task-9",
		Reason:   monitoring.ReasonDecodeError,
		Detail:   "unexpected end of JSON input",
		Attempts: 1,
		Source:   events.EventMetadata{Topic: "task-events", Partition: 2, Offset: 41},
		FailedAt: failedAt,
	}

	var got map[string]string
	var gotKey, gotValue []byte
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "task-events-dlq" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		got = headerValues(msg)
		var err error
		if gotKey, err = msg.Key.Encode(); err != nil {
			return err
		}
		gotValue, err = msg.Value.Encode()
		return err
	})

	p := NewProducer(sp, "task-events-dlq", logger.Noop(), testTracer)
	require.NoError(t, p.DeadLetter(context.Background(), dl))
	require.NoError(t, p.Close())

	assert.Equal(t, "task-9", string(gotKey))
	assert.Equal(t, "{bad json", string(gotValue))
	assert.Equal(t, "decode_error", got[monitoring.HeaderDLQReason])
	assert.Equal(t, "unexpected end of JSON input", got[monitoring.HeaderDLQDetail])
	assert.Equal(t, "1", got[monitoring.HeaderDLQAttempts])
	assert.Equal(t, "task-events", got[monitoring.HeaderDLQSourceTopic])
	assert.Equal(t, "2", got[monitoring.HeaderDLQSourcePartition])
	assert.Equal(t, "41", got[monitoring.HeaderDLQSourceOffset])
	assert.Equal(t, "2024-03-01T12:00:00Z", got[monitoring.HeaderDLQFailedAt])
}

func TestProducerDeadLetterFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducer(sp, "task-events-dlq", logger.Noop(), testTracer)
	err := p.DeadLetter(context.Background(), monitoring.DeadLetter{Reason: monitoring.ReasonPanic})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	require.NoError(t, p.Close())
}
