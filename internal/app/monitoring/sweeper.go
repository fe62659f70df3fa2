package monitoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// Sweeper periodically removes expired dedup records and, under the TTL
// policy, expired task aggregates.
type Sweeper struct {
	interval time.Duration
	dedup    domain.DedupStore
	engine   *Engine
	metrics  MonitorMetrics

	timeProvider timeProvider

	logger *logger.Logger
	tracer trace.Tracer
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperMetrics attaches metrics instruments.
func WithSweeperMetrics(m MonitorMetrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper returns a sweeper that runs every interval.
func NewSweeper(
	interval time.Duration,
	dedup domain.DedupStore,
	engine *Engine,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...SweeperOption,
) *Sweeper {
	s := &Sweeper{
		interval:     interval,
		dedup:        dedup,
		engine:       engine,
		timeProvider: realTimeProvider{},
		logger:       logger.With("component", "sweeper"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns the number of dedup records and
// task aggregates removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (swept, evicted int) {
	ctx, span := s.tracer.Start(ctx, "sweeper.sweep")
	defer span.End()

	now := s.timeProvider.Now()

	if s.dedup != nil {
		n, err := s.dedup.SweepExpired(ctx, now)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to sweep dedup records")
			s.logger.Warn(ctx, "failed to sweep dedup records", "error", err)
		}
		swept = n
		if s.metrics != nil {
			s.metrics.AddDedupSwept(ctx, n)
		}
	}

	if s.engine != nil {
		evicted = s.engine.EvictExpired(ctx, now)
	}

	span.SetAttributes(
		attribute.Int("dedup_swept", swept),
		attribute.Int("tasks_evicted", evicted),
	)
	if swept > 0 || evicted > 0 {
		s.logger.Debug(ctx, "sweep complete", "dedup_swept", swept, "tasks_evicted", evicted)
	}
	return swept, evicted
}
