package monitoring

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/taskpulse/internal/domain/events"
	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

// mockTimeProvider is a settable clock.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider(now time.Time) *mockTimeProvider { return &mockTimeProvider{now: now} }

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// mockAggregateRepository implements domain.AggregateRepository for testing.
type mockAggregateRepository struct{ mock.Mock }

func (m *mockAggregateRepository) SaveTaskAggregate(ctx context.Context, agg domain.TaskAggregate) error {
	return m.Called(ctx, agg).Error(0)
}

func (m *mockAggregateRepository) DeleteTaskAggregate(ctx context.Context, taskID string) error {
	return m.Called(ctx, taskID).Error(0)
}

func (m *mockAggregateRepository) LoadTaskAggregates(ctx context.Context) ([]domain.TaskAggregate, error) {
	args := m.Called(ctx)
	if aggs := args.Get(0); aggs != nil {
		return aggs.([]domain.TaskAggregate), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAggregateRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// mockDedupStore implements domain.DedupStore for testing.
type mockDedupStore struct{ mock.Mock }

func (m *mockDedupStore) TryClaim(ctx context.Context, eventID, token string, observedAt time.Time) (domain.ClaimResult, error) {
	args := m.Called(ctx, eventID, token, observedAt)
	return args.Get(0).(domain.ClaimResult), args.Error(1)
}

func (m *mockDedupStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *mockDedupStore) Release(ctx context.Context, eventID, token string) error {
	return m.Called(ctx, eventID, token).Error(0)
}

func (m *mockDedupStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// mockAggregator implements domain.Aggregator for testing.
type mockAggregator struct{ mock.Mock }

func (m *mockAggregator) Apply(ctx context.Context, evt domain.TaskEvent) (domain.AggregateDelta, error) {
	args := m.Called(ctx, evt)
	return args.Get(0).(domain.AggregateDelta), args.Error(1)
}

func (m *mockAggregator) Snapshot() domain.AggregateView {
	return m.Called().Get(0).(domain.AggregateView)
}

func (m *mockAggregator) Task(taskID string) (domain.TaskAggregate, error) {
	args := m.Called(taskID)
	return args.Get(0).(domain.TaskAggregate), args.Error(1)
}

// mockMonitorMetrics implements MonitorMetrics for testing.
type mockMonitorMetrics struct{ mock.Mock }

func (m *mockMonitorMetrics) IncMessagesReceived(ctx context.Context) { m.Called(ctx) }

func (m *mockMonitorMetrics) IncOutcome(ctx context.Context, outcome domain.Outcome, reason string) {
	m.Called(ctx, outcome, reason)
}

func (m *mockMonitorMetrics) IncRetries(ctx context.Context, op string) { m.Called(ctx, op) }

func (m *mockMonitorMetrics) ObserveProcessingTime(ctx context.Context, outcome domain.Outcome, d time.Duration) {
	m.Called(ctx, outcome, d)
}

func (m *mockMonitorMetrics) IncStaleUpdates(ctx context.Context) { m.Called(ctx) }

func (m *mockMonitorMetrics) IncEvictions(ctx context.Context, reason string) { m.Called(ctx, reason) }

func (m *mockMonitorMetrics) AddDedupSwept(ctx context.Context, n int) { m.Called(ctx, n) }

func (m *mockMonitorMetrics) RegisterViewGauges(snapshot func() domain.AggregateView) error {
	return m.Called(snapshot).Error(0)
}

// recordingSink is a DeadLetterSink that keeps what it receives and fails
// while failing is set.
type recordingSink struct {
	mu      sync.Mutex
	letters []domain.DeadLetter
	failing error
}

func (s *recordingSink) DeadLetter(_ context.Context, dl domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return s.failing
	}
	s.letters = append(s.letters, dl)
	return nil
}

func (s *recordingSink) snapshot() []domain.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

// chanSource is a MessageSource backed by a channel. Closing the channel
// closes the source.
type chanSource struct {
	ch chan *domain.Message
}

func newChanSource(buf int) *chanSource { return &chanSource{ch: make(chan *domain.Message, buf)} }

func (s *chanSource) Receive(ctx context.Context) (*domain.Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, domain.ErrSourceClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) Ping(context.Context) error { return nil }

// ackLog records every Ack call keyed by offset.
type ackLog struct {
	mu    sync.Mutex
	calls map[int64][]error
	done  chan int64
}

func newAckLog() *ackLog {
	return &ackLog{calls: make(map[int64][]error), done: make(chan int64, 1024)}
}

func (l *ackLog) message(offset int64, payload []byte) *domain.Message {
	return &domain.Message{
		Payload:  payload,
		Key:      fmt.Sprintf("key-%d", offset),
		Headers:  map[string]string{},
		Metadata: events.EventMetadata{Topic: "task-events", Partition: 0, Offset: offset},
		Ack: func(err error) {
			l.mu.Lock()
			l.calls[offset] = append(l.calls[offset], err)
			l.mu.Unlock()
			l.done <- offset
		},
	}
}

func (l *ackLog) get(offset int64) []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.calls[offset]...)
}

// waitFor blocks until n acks have been recorded.
func (l *ackLog) waitFor(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for range n {
		select {
		case <-l.done:
		case <-timeout:
			t.Fatalf("timed out waiting for %d acks", n)
		}
	}
}

// outcomeRecorder collects terminal outcomes reported by a consumer.
type outcomeRecorder struct {
	mu      sync.Mutex
	records []domain.OutcomeRecord
	notify  chan struct{}
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{notify: make(chan struct{}, 1024)}
}

func (r *outcomeRecorder) observe(_ context.Context, rec domain.OutcomeRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

// waitFor blocks until n more outcomes have been observed.
func (r *outcomeRecorder) waitFor(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for range n {
		select {
		case <-r.notify:
		case <-timeout:
			t.Fatalf("timed out waiting for %d outcomes", n)
		}
	}
}

func (r *outcomeRecorder) snapshot() []domain.OutcomeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutcomeRecord, len(r.records))
	copy(out, r.records)
	return out
}

func (r *outcomeRecorder) count(o domain.Outcome) int {
	n := 0
	for _, rec := range r.snapshot() {
		if rec.Outcome == o {
			n++
		}
	}
	return n
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func completed(eventID, taskID string, success bool, cost float64, dur time.Duration, at time.Time) domain.TaskEvent {
	return domain.NewTaskCompletedEvent(eventID, taskID, success, cost, dur, at).TaskEvent()
}

func failed(eventID, taskID string, cost float64, dur time.Duration, at time.Time) domain.TaskEvent {
	return domain.NewTaskFailedEvent(eventID, taskID, cost, dur, at).TaskEvent()
}

func started(eventID, taskID string, at time.Time) domain.TaskEvent {
	return domain.NewTaskStartedEvent(eventID, taskID, at).TaskEvent()
}

func mustMarshal(t *testing.T, evt domain.TaskEvent) []byte {
	t.Helper()
	b, err := domain.Marshal(evt)
	require.NoError(t, err)
	return b
}

func newTestEngine(t *testing.T, cfg EngineConfig, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, logger.Noop(), testTracer, opts...)
	require.NoError(t, err)
	return e
}
