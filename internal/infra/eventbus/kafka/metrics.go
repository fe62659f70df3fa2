package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusMetrics defines metrics operations needed to monitor Kafka message
// handling.
type BusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

type busMetrics struct {
	published     metric.Int64Counter
	consumed      metric.Int64Counter
	publishErrors metric.Int64Counter
	consumeErrors metric.Int64Counter
}

// NewBusMetrics creates the Kafka instruments on mp.
func NewBusMetrics(mp metric.MeterProvider) (BusMetrics, error) {
	meter := mp.Meter("taskpulse.kafka")
	m := new(busMetrics)
	var err error

	if m.published, err = meter.Int64Counter("kafka_messages_published_total",
		metric.WithDescription("Messages written to Kafka")); err != nil {
		return nil, err
	}
	if m.consumed, err = meter.Int64Counter("kafka_messages_consumed_total",
		metric.WithDescription("Messages acknowledged back to Kafka")); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("kafka_publish_errors_total",
		metric.WithDescription("Failed Kafka writes")); err != nil {
		return nil, err
	}
	if m.consumeErrors, err = meter.Int64Counter("kafka_consume_errors_total",
		metric.WithDescription("Messages released without acknowledgement")); err != nil {
		return nil, err
	}
	return m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *busMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}

type noopBusMetrics struct{}

func (noopBusMetrics) IncMessagePublished(context.Context, string) {}
func (noopBusMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopBusMetrics) IncPublishError(context.Context, string)     {}
func (noopBusMetrics) IncConsumeError(context.Context, string)     {}
