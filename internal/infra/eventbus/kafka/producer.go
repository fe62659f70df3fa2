package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskpulse/internal/domain/events"
	"github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

var (
	_ events.Publisher          = (*Producer)(nil)
	_ monitoring.DeadLetterSink = (*Producer)(nil)
)

// Producer writes messages to Kafka with a synchronous producer. It doubles
// as the dead-letter sink, writing unapplied messages to deadLetterTopic.
type Producer struct {
	producer        sarama.SyncProducer
	deadLetterTopic string

	metrics BusMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducerMetrics attaches Kafka metrics.
func WithProducerMetrics(m BusMetrics) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// NewProducer wraps producer. deadLetterTopic is where DeadLetter writes.
func NewProducer(
	producer sarama.SyncProducer,
	deadLetterTopic string,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...ProducerOption,
) *Producer {
	p := &Producer{
		producer:        producer,
		deadLetterTopic: deadLetterTopic,
		metrics:         noopBusMetrics{},
		logger:          logger.With("component", "kafka_producer"),
		tracer:          tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends payload to topic and waits for the broker to acknowledge it.
func (p *Producer) Publish(ctx context.Context, topic string, payload []byte, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, topic, p.tracer)
	defer span.End()

	params := events.ApplyPublishOptions(opts...)

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	}
	if params.Key != "" {
		msg.Key = sarama.StringEncoder(params.Key)
		span.SetAttributes(attribute.String("event.key", params.Key))
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		p.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	p.metrics.IncMessagePublished(ctx, topic)
	p.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", params.Key,
	)
	return nil
}

// DeadLetter writes dl to the dead-letter topic keyed like the original
// message, with the failure recorded in dlq.* headers.
func (p *Producer) DeadLetter(ctx context.Context, dl monitoring.DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	opts := []events.PublishOption{events.WithHeaders(dl.Headers())}
	if dl.Key != "" {
		opts = append(opts, events.WithKey(dl.Key))
	}

	if err := p.Publish(ctx, p.deadLetterTopic, dl.Payload, opts...); err != nil {
		return fmt.Errorf("dead letter (reason %s): %w", dl.Reason, err)
	}
	p.logger.Warn(ctx, "Message dead-lettered",
		"reason", dl.Reason,
		"source_topic", dl.Source.Topic,
		"source_partition", dl.Source.Partition,
		"source_offset", dl.Source.Offset,
	)
	return nil
}

// Close flushes and closes the underlying producer.
func (p *Producer) Close() error { return p.producer.Close() }
