// Package memory provides an in-memory implementation of the messaging system.
// It offers a lightweight, non-persistent message broker suitable for testing
// and development environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahrav/taskpulse/internal/domain/events"
	"github.com/ahrav/taskpulse/internal/domain/monitoring"
)

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Record is a message stored on a topic.
type Record struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
	Offset  int64
}

var (
	_ events.Publisher          = (*Broker)(nil)
	_ monitoring.DeadLetterSink = (*Broker)(nil)
	_ monitoring.MessageSource  = (*Subscription)(nil)
)

// Broker is an in-memory topic store. Every topic keeps its full history for
// inspection plus a queue of messages waiting to be received. Messages that
// are not acknowledged go back on the queue after the redelivery delay, which
// gives the same at-least-once behavior as the Kafka source.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topicQueue

	deadLetterTopic string
	redeliveryDelay time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

type topicQueue struct {
	history []Record
	pending []Record
	acked   int
	notify  chan struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithRedeliveryDelay sets how long a nacked message waits before it can be
// received again.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Broker) { b.redeliveryDelay = d }
}

// NewBroker creates a broker that writes dead letters to deadLetterTopic.
func NewBroker(deadLetterTopic string, opts ...Option) *Broker {
	b := &Broker{
		topics:          make(map[string]*topicQueue),
		deadLetterTopic: deadLetterTopic,
		redeliveryDelay: 10 * time.Millisecond,
		closed:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// queue returns the queue for topic. Callers must hold b.mu.
func (b *Broker) queue(topic string) *topicQueue {
	q, ok := b.topics[topic]
	if !ok {
		q = &topicQueue{notify: make(chan struct{}, 1)}
		b.topics[topic] = q
	}
	return q
}

func (q *topicQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Publish appends payload to topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrBrokerClosed
	}

	params := events.ApplyPublishOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(topic)
	rec := Record{
		Topic:   topic,
		Key:     params.Key,
		Payload: append([]byte(nil), payload...),
		Headers: params.Headers,
		Offset:  int64(len(q.history)),
	}
	q.history = append(q.history, rec)
	q.pending = append(q.pending, rec)
	q.signal()
	return nil
}

// DeadLetter publishes dl to the dead-letter topic with dlq.* headers.
func (b *Broker) DeadLetter(ctx context.Context, dl monitoring.DeadLetter) error {
	return b.Publish(ctx, b.deadLetterTopic, dl.Payload,
		events.WithKey(dl.Key),
		events.WithHeaders(dl.Headers()),
	)
}

// Records returns every message ever published to topic.
func (b *Broker) Records(topic string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]Record(nil), q.history...)
}

// Acked returns how many messages on topic have been acknowledged.
func (b *Broker) Acked(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.topics[topic]; ok {
		return q.acked
	}
	return 0
}

// Subscribe returns a MessageSource reading topic. Subscriptions on the same
// topic compete for messages like members of one consumer group.
func (b *Broker) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	b.queue(topic)
	b.mu.Unlock()
	return &Subscription{broker: b, topic: topic}
}

// Close stops delivery. Receive drains what is already queued and then
// reports monitoring.ErrSourceClosed.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// Subscription is a MessageSource over one topic of a Broker.
type Subscription struct {
	broker *Broker
	topic  string
}

func (s *Subscription) pop() (Record, <-chan struct{}, bool) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(s.topic)
	if len(q.pending) == 0 {
		return Record{}, q.notify, false
	}
	rec := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.signal()
	}
	return rec, nil, true
}

// Receive blocks until a message is queued on the topic.
func (s *Subscription) Receive(ctx context.Context) (*monitoring.Message, error) {
	for {
		rec, notify, ok := s.pop()
		if ok {
			return s.message(rec), nil
		}
		select {
		case <-notify:
		case <-s.broker.closed:
			if rec, _, ok := s.pop(); ok {
				return s.message(rec), nil
			}
			return nil, monitoring.ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ping reports whether the broker is still open.
func (s *Subscription) Ping(context.Context) error {
	if s.broker.isClosed() {
		return ErrBrokerClosed
	}
	return nil
}

func (s *Subscription) message(rec Record) *monitoring.Message {
	headers := make(map[string]string, len(rec.Headers))
	for k, v := range rec.Headers {
		headers[k] = v
	}

	var once sync.Once
	return &monitoring.Message{
		Payload:    rec.Payload,
		Key:        rec.Key,
		Headers:    headers,
		Metadata:   events.EventMetadata{Topic: rec.Topic, Offset: rec.Offset},
		ReceivedAt: time.Now().UTC(),
		Ack: func(err error) {
			once.Do(func() { s.ack(rec, err) })
		},
	}
}

func (s *Subscription) ack(rec Record, err error) {
	b := s.broker
	if err == nil {
		b.mu.Lock()
		b.queue(s.topic).acked++
		b.mu.Unlock()
		return
	}
	if b.isClosed() {
		return
	}
	time.AfterFunc(b.redeliveryDelay, func() {
		if b.isClosed() {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		q := b.queue(s.topic)
		q.pending = append(q.pending, rec)
		q.signal()
	})
}
