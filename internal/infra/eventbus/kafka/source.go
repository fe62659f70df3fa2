package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

var _ monitoring.MessageSource = (*Source)(nil)

// SourceConfig configures a Source.
type SourceConfig struct {
	Topic string

	// CommitInterval is how often marked offsets are flushed to the broker.
	CommitInterval time.Duration
	// RedeliveryDelay is how long a nacked message waits before it is handed
	// to a worker again within the same session.
	RedeliveryDelay time.Duration
	// Buffer is the capacity of the delivery channel.
	Buffer int
}

// Source is a monitoring.MessageSource backed by a Kafka consumer group.
// Offsets are committed only up to the first delivered message that has not
// been acknowledged, so a crash never skips an unprocessed event.
type Source struct {
	cfg    SourceConfig
	client sarama.Client
	group  sarama.ConsumerGroup

	deliveries chan *monitoring.Message
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	metrics BusMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithSourceMetrics attaches Kafka metrics.
func WithSourceMetrics(m BusMetrics) SourceOption {
	return func(s *Source) { s.metrics = m }
}

// NewSource returns a source reading cfg.Topic through group. client is used
// for readiness checks and may be nil.
func NewSource(
	cfg SourceConfig,
	client sarama.Client,
	group sarama.ConsumerGroup,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...SourceOption,
) *Source {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}

	s := &Source{
		cfg:        cfg,
		client:     client,
		group:      group,
		deliveries: make(chan *monitoring.Message, cfg.Buffer),
		closed:     make(chan struct{}),
		metrics:    noopBusMetrics{},
		logger:     logger.With("component", "kafka_source", "topic", cfg.Topic),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start joins the consumer group and keeps consuming until ctx is cancelled
// or the group is closed.
func (s *Source) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.consumeLoop(ctx)
	go s.errorLoop(ctx)
}

func (s *Source) consumeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.markClosed()

	h := &groupHandler{source: s}
	for {
		if err := s.group.Consume(ctx, []string{s.cfg.Topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Source) errorLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case err, ok := <-s.group.Errors():
			if !ok {
				return
			}
			s.logger.Warn(ctx, "Consumer group error", "error", err)
		case <-s.closed:
			return
		}
	}
}

func (s *Source) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Receive blocks until a message is delivered, ctx is done, or the source
// has stopped.
func (s *Source) Receive(ctx context.Context) (*monitoring.Message, error) {
	select {
	case msg := <-s.deliveries:
		return msg, nil
	case <-s.closed:
		select {
		case msg := <-s.deliveries:
			return msg, nil
		default:
			return nil, monitoring.ErrSourceClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping refreshes topic metadata to confirm a broker is reachable.
func (s *Source) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("kafka client not configured")
	}
	done := make(chan error, 1)
	go func() { done <- s.client.RefreshMetadata(s.cfg.Topic) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("refresh metadata for %s: %w", s.cfg.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the consumer group. Messages already delivered but not yet
// acknowledged are redelivered to the next group member.
func (s *Source) Close() error {
	ctx, span := s.tracer.Start(context.Background(), "kafka_source.close")
	defer span.End()

	err := s.group.Close()
	s.markClosed()
	s.wg.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		s.logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}
	s.logger.Info(ctx, "Closed kafka source")
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler. A fresh set of
// partition trackers is created for every session since offsets restart
// from the last commit after a rebalance.
type groupHandler struct {
	source *Source

	mu       sync.Mutex
	trackers map[int32]*partitionOffsets
}

func (h *groupHandler) tracker(partition int32) *partitionOffsets {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.trackers[partition]
	if !ok {
		t = newPartitionOffsets()
		h.trackers[partition] = t
	}
	return t
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	h.trackers = make(map[int32]*partitionOffsets)
	h.mu.Unlock()

	h.source.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
		"claims", sess.Claims(),
	)
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	sess.Commit()
	h.source.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim hands every message of one partition to the workers and
// commits acknowledged offsets periodically.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s := h.source
	ctx := sess.Context()
	tracker := h.tracker(claim.Partition())
	log := s.logger.With("operation", "consume_claim", "partition", claim.Partition())
	log.Info(ctx, "Starting to consume from partition", "member_id", sess.MemberID())

	ticker := time.NewTicker(s.cfg.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				sess.Commit()
				return nil
			}
			tracker.deliver(msg.Offset)
			if !h.deliver(sess, tracker, msg) {
				return nil
			}
		case <-ticker.C:
			sess.Commit()
		case <-ctx.Done():
			return nil
		}
	}
}

// deliver hands msg to a worker. It returns false if the session ended first.
func (h *groupHandler) deliver(sess sarama.ConsumerGroupSession, tracker *partitionOffsets, msg *sarama.ConsumerMessage) bool {
	s := h.source
	m := &monitoring.Message{
		Payload: msg.Value,
		Key:     string(msg.Key),
		Headers: tracing.HeaderMap(msg),
		Metadata: events.EventMetadata{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
		ReceivedAt: time.Now().UTC(),
	}

	var once sync.Once
	m.Ack = func(err error) {
		once.Do(func() { h.ack(sess, tracker, msg, err) })
	}

	select {
	case s.deliveries <- m:
		return true
	case <-sess.Context().Done():
		return false
	}
}

func (h *groupHandler) ack(sess sarama.ConsumerGroupSession, tracker *partitionOffsets, msg *sarama.ConsumerMessage, err error) {
	s := h.source
	ctx := sess.Context()

	if err != nil {
		s.metrics.IncConsumeError(ctx, msg.Topic)
		if ctx.Err() != nil {
			// The session is over; the uncommitted offset is redelivered to
			// whichever member claims the partition next.
			return
		}
		s.logger.Warn(ctx, "Message not acknowledged, scheduling redelivery",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		go h.redeliver(sess, tracker, msg)
		return
	}

	s.metrics.IncMessageConsumed(ctx, msg.Topic)
	commit, advanced := tracker.ack(msg.Offset)
	if advanced && ctx.Err() == nil {
		sess.MarkOffset(msg.Topic, msg.Partition, commit, "")
		_, span := s.tracer.Start(ctx, "kafka_source.mark_offset", trace.WithAttributes(
			attribute.Int("partition", int(msg.Partition)),
			attribute.Int64("offset", commit),
		))
		span.End()
	}
}

func (h *groupHandler) redeliver(sess sarama.ConsumerGroupSession, tracker *partitionOffsets, msg *sarama.ConsumerMessage) {
	t := time.NewTimer(h.source.cfg.RedeliveryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		h.deliver(sess, tracker, msg)
	case <-sess.Context().Done():
	}
}
