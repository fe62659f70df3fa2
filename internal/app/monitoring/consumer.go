package monitoring

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/internal/infra/eventbus/reliability"
	"github.com/ahrav/taskpulse/pkg/common"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// ConsumerConfig configures the consumer loop.
type ConsumerConfig struct {
	Workers        int
	ReceiveTimeout time.Duration
	StoreTimeout   time.Duration
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	MaxRetries     int

	// MaxEventsPerSecond limits ingest when positive. Zero means unlimited.
	MaxEventsPerSecond float64
	RateBurst          int
}

// DefaultConsumerConfig returns the consumer defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:        4,
		ReceiveTimeout: time.Second,
		StoreTimeout:   2 * time.Second,
		BackoffBase:    100 * time.Millisecond,
		BackoffCeiling: 5 * time.Second,
		MaxRetries:     5,
	}
}

// errShutdown marks work abandoned because the consumer is stopping.
var errShutdown = errors.New("consumer shutting down")

// workerStatus is the externally visible state of one worker.
type workerStatus struct {
	state         atomic.Int32
	since         atomic.Int64 // unix nanos of the last state change
	retryingSince atomic.Int64 // unix nanos; zero unless the current message is being retried
	processed     atomic.Int64
}

// consumerCounters are the running totals reported by Stats.
type consumerCounters struct {
	received     atomic.Int64
	applied      atomic.Int64
	appliedStale atomic.Int64
	duplicates   atomic.Int64
	deadDecode   atomic.Int64
	deadRetries  atomic.Int64
	deadPanic    atomic.Int64
	retries      atomic.Int64
	nacked       atomic.Int64

	consecutiveExhaustions atomic.Int64
	lastSuccess            atomic.Int64 // unix nanos
}

// Consumer drives messages from a MessageSource through decode, dedup claim
// and aggregation, acknowledging each one only after it reached a terminal
// outcome.
type Consumer struct {
	id  string
	cfg ConsumerConfig

	source domain.MessageSource
	dedup  domain.DedupStore
	engine domain.Aggregator
	sink   domain.DeadLetterSink

	limiter  *common.RateLimiter
	observer domain.OutcomeObserver
	metrics  MonitorMetrics

	workers  []*workerStatus
	counters consumerCounters

	running atomic.Bool

	timeProvider timeProvider

	logger *logger.Logger
	tracer trace.Tracer
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithOutcomeObserver registers a callback for every terminal outcome.
func WithOutcomeObserver(obs domain.OutcomeObserver) ConsumerOption {
	return func(c *Consumer) { c.observer = obs }
}

// WithConsumerMetrics attaches metrics instruments.
func WithConsumerMetrics(m MonitorMetrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// withConsumerTimeProvider overrides the clock. Used by tests.
func withConsumerTimeProvider(tp timeProvider) ConsumerOption {
	return func(c *Consumer) { c.timeProvider = tp }
}

// NewConsumer returns a consumer ready to Run.
func NewConsumer(
	cfg ConsumerConfig,
	source domain.MessageSource,
	dedup domain.DedupStore,
	engine domain.Aggregator,
	sink domain.DeadLetterSink,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...ConsumerOption,
) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	c := &Consumer{
		id:           uuid.New().String(),
		cfg:          cfg,
		source:       source,
		dedup:        dedup,
		engine:       engine,
		sink:         sink,
		workers:      make([]*workerStatus, cfg.Workers),
		timeProvider: realTimeProvider{},
		tracer:       tracer,
	}
	c.logger = logger.With("component", "consumer", "consumer_id", c.id)

	c.limiter = common.NewRateLimiter(cfg.MaxEventsPerSecond, cfg.RateBurst)

	for _, opt := range opts {
		opt(c)
	}

	now := c.timeProvider.Now().UnixNano()
	for i := range c.workers {
		w := new(workerStatus)
		w.since.Store(now)
		c.workers[i] = w
	}
	return c
}

// ID returns the consumer's instance identifier.
func (c *Consumer) ID() string { return c.id }

// Run processes messages until ctx is cancelled or the source closes. On
// cancellation no new messages are received; messages already in flight are
// either acknowledged or, if they were still being retried, released and left
// for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("consumer already running")
	}
	defer c.running.Store(false)

	c.logger.Info(ctx, "consumer starting", "workers", len(c.workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := range c.workers {
		g.Go(func() error { return c.runWorker(gctx, i) })
	}
	err := g.Wait()

	c.logger.Info(context.WithoutCancel(ctx), "consumer stopped")
	return err
}

func (c *Consumer) runWorker(ctx context.Context, idx int) error {
	w := c.workers[idx]
	log := c.logger.With("worker", idx)

	for {
		if ctx.Err() != nil {
			c.setState(w, domain.WorkerStateIdle)
			return nil
		}

		c.setState(w, domain.WorkerStateIdle)
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}

		c.setState(w, domain.WorkerStateReceiving)
		rctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiveTimeout)
		msg, err := c.source.Receive(rctx)
		cancel()

		switch {
		case errors.Is(err, domain.ErrSourceClosed):
			c.setState(w, domain.WorkerStateIdle)
			log.Info(ctx, "message source closed, worker exiting")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				c.setState(w, domain.WorkerStateIdle)
				return nil
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				log.Warn(ctx, "failed to receive message", "error", err)
				c.sleep(ctx, c.cfg.BackoffBase)
			}
			continue
		case msg == nil:
			continue
		}

		c.process(ctx, w, msg)
	}
}

// processing holds the per-message state shared with panic recovery.
type processing struct {
	msg      *domain.Message
	evt      domain.TaskEvent
	decoded  bool
	token    string // dedup claim token, unique to this delivery
	attempts int
	start    time.Time
	done     bool // set once the message has been acked or nacked
}

func (c *Consumer) process(runCtx context.Context, w *workerStatus, msg *domain.Message) {
	c.counters.received.Add(1)
	w.processed.Add(1)

	// Store calls must be able to finish after shutdown begins, so they run
	// on a context detached from cancellation. Backoff sleeps still observe
	// runCtx.
	workCtx := otel.GetTextMapPropagator().Extract(context.WithoutCancel(runCtx), propagation.MapCarrier(msg.Headers))
	workCtx, span := c.tracer.Start(workCtx, "consumer.process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("consumer_id", c.id),
			attribute.String("messaging.destination", msg.Metadata.Topic),
			attribute.Int("messaging.partition", int(msg.Metadata.Partition)),
			attribute.Int64("messaging.offset", msg.Metadata.Offset),
		))
	defer span.End()

	if c.metrics != nil {
		c.metrics.IncMessagesReceived(workCtx)
	}

	p := &processing{msg: msg, token: uuid.New().String(), start: c.timeProvider.Now()}

	defer func() {
		if r := recover(); r != nil {
			c.recoverPanic(workCtx, w, p, r)
		}
		w.retryingSince.Store(0)
		c.setState(w, domain.WorkerStateIdle)
	}()

	c.handle(runCtx, workCtx, w, p)
}

func (c *Consumer) handle(runCtx, ctx context.Context, w *workerStatus, p *processing) {
	span := trace.SpanFromContext(ctx)

	c.setState(w, domain.WorkerStateDecoding)
	evt, err := domain.Parse(p.msg.Payload)
	if err != nil {
		span.RecordError(err)
		c.reject(runCtx, ctx, w, p, domain.ReasonDecodeError, err)
		return
	}
	p.evt, p.decoded = evt, true
	span.SetAttributes(
		attribute.String("event_id", evt.EventID),
		attribute.String("task_id", evt.TaskID),
		attribute.String("event_type", evt.Type.String()),
	)

	var claim domain.ClaimResult
	attempts, err := c.retry(runCtx, w, "claim", domain.WorkerStateClaiming, domain.IsRetryable, func() error {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		var cerr error
		claim, cerr = c.dedup.TryClaim(sctx, evt.EventID, p.token, c.timeProvider.Now())
		return cerr
	})
	p.attempts = attempts
	if err != nil {
		// A failed claim may still have landed in the store; release it so a
		// redelivery is not mistaken for a duplicate.
		c.release(ctx, p)
		if errors.Is(err, errShutdown) {
			c.nack(ctx, p, "shutdown during claim", err)
			return
		}
		c.reject(runCtx, ctx, w, p, domain.ReasonRetriesExhausted, err)
		return
	}

	if claim == domain.ClaimResultAlreadyApplied {
		c.markHealthy()
		c.ack(ctx, w, p, domain.OutcomeRecord{Outcome: domain.OutcomeDuplicate})
		return
	}

	var delta domain.AggregateDelta
	attempts, err = c.retry(runCtx, w, "apply", domain.WorkerStateApplying, domain.IsRetryable, func() error {
		var aerr error
		delta, aerr = c.engine.Apply(ctx, evt)
		return aerr
	})
	p.attempts += attempts
	if err != nil {
		c.release(ctx, p)
		if errors.Is(err, errShutdown) {
			c.nack(ctx, p, "shutdown during apply", err)
			return
		}
		c.reject(runCtx, ctx, w, p, domain.ReasonRetriesExhausted, err)
		return
	}
	c.markHealthy()

	outcome := domain.OutcomeApplied
	if delta.Stale {
		outcome = domain.OutcomeAppliedStale
	}
	c.ack(ctx, w, p, domain.OutcomeRecord{Outcome: outcome, Delta: delta})
}

// retry runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. It returns errShutdown if runCtx ends while waiting.
func (c *Consumer) retry(
	runCtx context.Context,
	w *workerStatus,
	op string,
	state domain.WorkerState,
	retryable func(error) bool,
	fn func() error,
) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.BackoffBase
	eb.MaxInterval = c.cfg.BackoffCeiling
	eb.MaxElapsedTime = 0
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.Reset()

	maxRetries := c.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), runCtx)

	var (
		attempts int
		lastErr  error
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		c.setState(w, state)
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, next time.Duration) {
		c.setState(w, domain.WorkerStateRetrying)
		w.retryingSince.CompareAndSwap(0, c.timeProvider.Now().UnixNano())
		c.counters.retries.Add(1)
		if c.metrics != nil {
			c.metrics.IncRetries(runCtx, op)
		}
		c.logger.Warn(runCtx, "retrying operation", "op", op, "attempt", attempts, "next_backoff", next, "error", err)
	})
	w.retryingSince.Store(0)

	if err == nil {
		return attempts, nil
	}
	if cerr := runCtx.Err(); cerr != nil && errors.Is(err, cerr) {
		return attempts, fmt.Errorf("%w: %s: %v", errShutdown, op, lastErr)
	}
	return attempts, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}

// reject dead-letters the message and acknowledges it. If the sink cannot
// take it the message is left un-acknowledged.
func (c *Consumer) reject(runCtx, ctx context.Context, w *workerStatus, p *processing, reason string, cause error) {
	c.setState(w, domain.WorkerStateRejecting)

	if reason == domain.ReasonRetriesExhausted {
		c.counters.consecutiveExhaustions.Add(1)
	}

	dl := domain.DeadLetter{
		Payload:  p.msg.Payload,
		Key:      p.msg.Key,
		Reason:   reason,
		Detail:   cause.Error(),
		Attempts: p.attempts,
		Source:   p.msg.Metadata,
		FailedAt: c.timeProvider.Now(),
	}

	attempts, err := c.retry(runCtx, w, "dead_letter", domain.WorkerStateRejecting, func(error) bool { return true }, func() error {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		return c.sink.DeadLetter(sctx, dl)
	})
	if err != nil {
		c.logger.Error(ctx, "failed to dead-letter message", "reason", reason, "attempts", attempts, "error", err)
		c.nack(ctx, p, "dead-letter sink unavailable", err)
		return
	}

	if p.decoded && reliability.IsCriticalEvent(p.evt.Type) {
		c.logger.Error(ctx, "terminal event dead-lettered, its outcome is missing from the rollup",
			"event_id", p.evt.EventID,
			"task_id", p.evt.TaskID,
			"reason", reason,
		)
	}
	c.ack(ctx, w, p, domain.OutcomeRecord{Outcome: domain.OutcomeDeadLettered, Reason: reason, Err: cause})
}

func (c *Consumer) ack(ctx context.Context, w *workerStatus, p *processing, rec domain.OutcomeRecord) {
	c.setState(w, domain.WorkerStateAcking)
	p.done = true
	p.msg.Ack(nil)
	c.finish(ctx, p, rec)
}

func (c *Consumer) nack(ctx context.Context, p *processing, reason string, err error) {
	p.done = true
	p.msg.Ack(err)
	c.finish(ctx, p, domain.OutcomeRecord{Outcome: domain.OutcomeNacked, Reason: reason, Err: err})
}

// release drops the delivery's dedup claim on a best-effort basis. A record
// written under another delivery's token is left in place.
func (c *Consumer) release(ctx context.Context, p *processing) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.dedup.Release(sctx, p.evt.EventID, p.token); err != nil {
		c.logger.Warn(ctx, "failed to release dedup claim", "event_id", p.evt.EventID, "error", err)
	}
}

// finish records a terminal outcome in counters, metrics, logs, the span and
// the observer.
func (c *Consumer) finish(ctx context.Context, p *processing, rec domain.OutcomeRecord) {
	rec.EventID, rec.TaskID = p.evt.EventID, p.evt.TaskID
	rec.Source = p.msg.Metadata
	if rec.Attempts == 0 {
		rec.Attempts = p.attempts
	}
	rec.Elapsed = c.timeProvider.Now().Sub(p.start)

	switch rec.Outcome {
	case domain.OutcomeApplied:
		c.counters.applied.Add(1)
	case domain.OutcomeAppliedStale:
		c.counters.appliedStale.Add(1)
	case domain.OutcomeDuplicate:
		c.counters.duplicates.Add(1)
	case domain.OutcomeDeadLettered:
		switch rec.Reason {
		case domain.ReasonDecodeError:
			c.counters.deadDecode.Add(1)
		case domain.ReasonPanic:
			c.counters.deadPanic.Add(1)
		default:
			c.counters.deadRetries.Add(1)
		}
	case domain.OutcomeNacked:
		c.counters.nacked.Add(1)
	}

	if c.metrics != nil {
		c.metrics.IncOutcome(ctx, rec.Outcome, rec.Reason)
		c.metrics.ObserveProcessingTime(ctx, rec.Outcome, rec.Elapsed)
	}

	span := trace.SpanFromContext(ctx)
	span.AddEvent("message_"+rec.Outcome.String(), trace.WithAttributes(
		attribute.String("outcome", rec.Outcome.String()),
		attribute.String("reason", rec.Reason),
		attribute.Int("attempts", rec.Attempts),
	))

	kv := []any{
		"outcome", rec.Outcome.String(),
		"event_id", rec.EventID,
		"task_id", rec.TaskID,
		"topic", rec.Source.Topic,
		"partition", rec.Source.Partition,
		"offset", rec.Source.Offset,
		"attempts", rec.Attempts,
		"elapsed", rec.Elapsed,
	}
	switch rec.Outcome {
	case domain.OutcomeDeadLettered, domain.OutcomeNacked:
		span.SetStatus(codes.Error, rec.Outcome.String())
		kv = append(kv, "reason", rec.Reason)
		if rec.Err != nil {
			kv = append(kv, "error", rec.Err)
		}
		c.logger.Warn(ctx, "message not applied", kv...)
	default:
		c.logger.Debug(ctx, "message processed", kv...)
	}

	if c.observer != nil {
		c.observer(ctx, rec)
	}
}

// recoverPanic contains a panic raised while processing a message so that it
// cannot stop the worker: any claim is released and the message is
// dead-lettered.
func (c *Consumer) recoverPanic(ctx context.Context, w *workerStatus, p *processing, r any) {
	err := fmt.Errorf("panic while processing message: %v", r)
	c.logger.Error(ctx, "recovered from panic", "error", err, "stack", string(debug.Stack()))
	trace.SpanFromContext(ctx).RecordError(err)

	if p.done {
		// The message already reached an outcome; only reporting panicked.
		return
	}

	if p.decoded {
		c.release(ctx, p)
	}

	dl := domain.DeadLetter{
		Payload:  p.msg.Payload,
		Key:      p.msg.Key,
		Reason:   domain.ReasonPanic,
		Detail:   err.Error(),
		Attempts: p.attempts,
		Source:   p.msg.Metadata,
		FailedAt: c.timeProvider.Now(),
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if dlErr := c.sink.DeadLetter(sctx, dl); dlErr != nil {
		c.logger.Error(ctx, "failed to dead-letter panicking message", "error", dlErr)
		c.nack(ctx, p, "dead-letter sink unavailable", dlErr)
		return
	}
	c.ack(ctx, w, p, domain.OutcomeRecord{Outcome: domain.OutcomeDeadLettered, Reason: domain.ReasonPanic, Err: err})
}

// markHealthy records a message that reached Applied, AppliedStale or
// Duplicate, which clears any exhaustion streak.
func (c *Consumer) markHealthy() {
	c.counters.consecutiveExhaustions.Store(0)
	c.counters.lastSuccess.Store(c.timeProvider.Now().UnixNano())
}

func (c *Consumer) setState(w *workerStatus, s domain.WorkerState) {
	if domain.WorkerState(w.state.Swap(int32(s))) != s {
		w.since.Store(c.timeProvider.Now().UnixNano())
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// WorkerStats is a point-in-time view of one worker.
type WorkerStats struct {
	Index         int
	State         domain.WorkerState
	Since         time.Time
	RetryingSince time.Time // zero unless retrying
	Processed     int64
}

// ConsumerStats is a point-in-time view of the consumer.
type ConsumerStats struct {
	ConsumerID             string
	Running                bool
	Received               int64
	Applied                int64
	AppliedStale           int64
	Duplicates             int64
	DeadLettered           map[string]int64
	Retries                int64
	Nacked                 int64
	ConsecutiveExhaustions int64
	LastSuccessAt          time.Time
	Workers                []WorkerStats
}

// Stats returns the consumer's counters and per-worker state.
func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{
		ConsumerID:   c.id,
		Running:      c.running.Load(),
		Received:     c.counters.received.Load(),
		Applied:      c.counters.applied.Load(),
		AppliedStale: c.counters.appliedStale.Load(),
		Duplicates:   c.counters.duplicates.Load(),
		DeadLettered: map[string]int64{
			domain.ReasonDecodeError:      c.counters.deadDecode.Load(),
			domain.ReasonRetriesExhausted: c.counters.deadRetries.Load(),
			domain.ReasonPanic:            c.counters.deadPanic.Load(),
		},
		Retries:                c.counters.retries.Load(),
		Nacked:                 c.counters.nacked.Load(),
		ConsecutiveExhaustions: c.counters.consecutiveExhaustions.Load(),
		Workers:                make([]WorkerStats, len(c.workers)),
	}
	if ns := c.counters.lastSuccess.Load(); ns != 0 {
		s.LastSuccessAt = time.Unix(0, ns).UTC()
	}
	for i, w := range c.workers {
		ws := WorkerStats{
			Index:     i,
			State:     domain.WorkerState(w.state.Load()),
			Since:     time.Unix(0, w.since.Load()).UTC(),
			Processed: w.processed.Load(),
		}
		if ns := w.retryingSince.Load(); ns != 0 {
			ws.RetryingSince = time.Unix(0, ns).UTC()
		}
		s.Workers[i] = ws
	}
	return s
}
