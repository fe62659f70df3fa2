package monitoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
)

// MonitorMetrics defines the instruments updated by the consumer, the
// aggregation engine and the sweeper.
type MonitorMetrics interface {
	// Consumer metrics
	IncMessagesReceived(ctx context.Context)
	IncOutcome(ctx context.Context, outcome domain.Outcome, reason string)
	IncRetries(ctx context.Context, op string)
	ObserveProcessingTime(ctx context.Context, outcome domain.Outcome, d time.Duration)

	// Engine metrics
	IncStaleUpdates(ctx context.Context)
	IncEvictions(ctx context.Context, reason string)

	// Dedup metrics
	AddDedupSwept(ctx context.Context, n int)

	// RegisterViewGauges reports rollup values from snapshot on each collection.
	RegisterViewGauges(snapshot func() domain.AggregateView) error
}

// monitorMetrics implements MonitorMetrics.
type monitorMetrics struct {
	meter metric.Meter

	messagesReceived metric.Int64Counter
	outcomes         metric.Int64Counter
	retries          metric.Int64Counter
	processingTime   metric.Float64Histogram

	staleUpdates metric.Int64Counter
	evictions    metric.Int64Counter

	dedupSwept metric.Int64Counter
}

const namespace = "taskpulse"

// NewMonitorMetrics creates the monitor instruments on mp.
func NewMonitorMetrics(mp metric.MeterProvider) (*monitorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := &monitorMetrics{meter: meter}
	var err error

	if m.messagesReceived, err = meter.Int64Counter(
		"messages_received_total",
		metric.WithDescription("Total number of messages received from the broker"),
	); err != nil {
		return nil, err
	}

	if m.outcomes, err = meter.Int64Counter(
		"message_outcomes_total",
		metric.WithDescription("Total number of messages by processing outcome"),
	); err != nil {
		return nil, err
	}

	if m.retries, err = meter.Int64Counter(
		"retries_total",
		metric.WithDescription("Total number of retried store or sink operations"),
	); err != nil {
		return nil, err
	}

	if m.processingTime, err = meter.Float64Histogram(
		"message_processing_seconds",
		metric.WithDescription("Time from receive to terminal outcome"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.staleUpdates, err = meter.Int64Counter(
		"stale_updates_total",
		metric.WithDescription("Total number of events older than the state they would replace"),
	); err != nil {
		return nil, err
	}

	if m.evictions, err = meter.Int64Counter(
		"task_evictions_total",
		metric.WithDescription("Total number of task aggregates evicted"),
	); err != nil {
		return nil, err
	}

	if m.dedupSwept, err = meter.Int64Counter(
		"dedup_records_swept_total",
		metric.WithDescription("Total number of expired dedup records removed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *monitorMetrics) IncMessagesReceived(ctx context.Context) { m.messagesReceived.Add(ctx, 1) }

func (m *monitorMetrics) IncOutcome(ctx context.Context, outcome domain.Outcome, reason string) {
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome.String())}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *monitorMetrics) IncRetries(ctx context.Context, op string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *monitorMetrics) ObserveProcessingTime(ctx context.Context, outcome domain.Outcome, d time.Duration) {
	m.processingTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (m *monitorMetrics) IncStaleUpdates(ctx context.Context) { m.staleUpdates.Add(ctx, 1) }

func (m *monitorMetrics) IncEvictions(ctx context.Context, reason string) {
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *monitorMetrics) AddDedupSwept(ctx context.Context, n int) {
	if n > 0 {
		m.dedupSwept.Add(ctx, int64(n))
	}
}

func (m *monitorMetrics) RegisterViewGauges(snapshot func() domain.AggregateView) error {
	tasks, err := m.meter.Int64ObservableGauge("tasks_tracked", metric.WithDescription("Task aggregates currently held"))
	if err != nil {
		return err
	}
	successes, err := m.meter.Int64ObservableGauge("rollup_success_count", metric.WithDescription("Terminal tasks that succeeded"))
	if err != nil {
		return err
	}
	failures, err := m.meter.Int64ObservableGauge("rollup_failure_count", metric.WithDescription("Terminal tasks that failed"))
	if err != nil {
		return err
	}
	cost, err := m.meter.Float64ObservableGauge("rollup_cost_usd", metric.WithDescription("Total cost of terminal tasks"), metric.WithUnit("USD"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		view := snapshot()
		o.ObserveInt64(tasks, int64(view.TaskCount))
		o.ObserveInt64(successes, view.Rollup.SuccessCount)
		o.ObserveInt64(failures, view.Rollup.FailureCount)
		o.ObserveFloat64(cost, view.Rollup.TotalCostUSD())
		return nil
	}, tasks, successes, failures, cost)
	return err
}
