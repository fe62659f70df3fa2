package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	dedupmem "github.com/ahrav/taskpulse/internal/infra/storage/dedup/memory"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

type staticStats struct{ stats ConsumerStats }

func (s staticStats) Stats() ConsumerStats { return s.stats }

func testHealthConfig() HealthConfig {
	return HealthConfig{
		LivenessTimeout:     100 * time.Millisecond,
		ProbeTimeout:        50 * time.Millisecond,
		ExhaustionThreshold: 3,
		RetryingThreshold:   30 * time.Second,
	}
}

func TestLiveness(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig(), nil, logger.Noop(), testTracer)

	assert.ErrorIs(t, h.Liveness(context.Background()), ErrNotAlive, "watchdog not started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	h.Start(ctx)

	require.NoError(t, h.Liveness(context.Background()))
	require.NoError(t, h.Liveness(context.Background()))
}

func TestReadinessProbes(t *testing.T) {
	ok := Probe{Name: "postgres", Check: func(context.Context) error { return nil }}
	down := Probe{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }}
	hang := Probe{Name: "kafka", Check: func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return nil
	}}

	tests := []struct {
		name       string
		probes     []Probe
		wantReady  bool
		wantReason string
	}{
		{name: "all healthy", probes: []Probe{ok}, wantReady: true},
		{name: "probe error", probes: []Probe{ok, down}, wantReady: false, wantReason: "redis unreachable"},
		{name: "probe timeout", probes: []Probe{hang}, wantReady: false, wantReason: "kafka unreachable"},
		{name: "no probes", wantReady: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthMonitor(testHealthConfig(), staticStats{}, logger.Noop(), testTracer, tt.probes...)

			start := time.Now()
			report := h.Readiness(context.Background())
			assert.Less(t, time.Since(start), 500*time.Millisecond, "readiness is bounded by the probe timeout")

			assert.Equal(t, tt.wantReady, report.Ready)
			assert.Contains(t, report.Reason, tt.wantReason)
			assert.Equal(t, "ok", report.Checks["consumer"])
			for _, p := range tt.probes {
				assert.Contains(t, report.Checks, p.Name)
			}
		})
	}
}

func TestDegraded(t *testing.T) {
	now := baseTime
	tests := []struct {
		name  string
		stats ConsumerStats
		want  bool
	}{
		{name: "healthy", stats: ConsumerStats{Workers: []WorkerStats{{Index: 0}}}},
		{name: "exhaustion streak below threshold", stats: ConsumerStats{ConsecutiveExhaustions: 2}},
		{name: "exhaustion streak at threshold", stats: ConsumerStats{ConsecutiveExhaustions: 3}, want: true},
		{
			name:  "retrying briefly",
			stats: ConsumerStats{Workers: []WorkerStats{{Index: 0, RetryingSince: now.Add(-29 * time.Second)}}},
		},
		{
			name:  "retrying past threshold",
			stats: ConsumerStats{Workers: []WorkerStats{{Index: 0}, {Index: 1, RetryingSince: now.Add(-30 * time.Second)}}},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthMonitor(testHealthConfig(), nil, logger.Noop(), testTracer)
			h.timeProvider = newMockTimeProvider(now)

			got, reason := h.Degraded(tt.stats)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestReadinessDegradesAndRecoversWithConsumer(t *testing.T) {
	dedup := new(mockDedupStore)
	transient := domain.NewTransientStoreError("try_claim", errors.New("connection reset"))
	for _, id := range []string{"bad-1", "bad-2", "bad-3"} {
		dedup.On("TryClaim", mock.Anything, id, mock.Anything, mock.Anything).Return(domain.ClaimResult(0), transient)
		dedup.On("Release", mock.Anything, id, mock.Anything).Return(nil)
	}
	dedup.On("TryClaim", mock.Anything, "good", mock.Anything, mock.Anything).Return(domain.ClaimResultClaimed, nil)

	cfg := testConsumerConfig()
	cfg.MaxRetries = 0
	engine := newTestEngine(t, DefaultEngineConfig())
	h := startConsumer(t, cfg, dedup, engine)
	health := NewHealthMonitor(testHealthConfig(), h.consumer, logger.Noop(), testTracer)

	require.True(t, health.Readiness(context.Background()).Ready)

	for i, id := range []string{"bad-1", "bad-2", "bad-3"} {
		h.send(t, int64(i), mustMarshal(t, completed(id, "t1", true, 1, time.Second, baseTime)))
	}
	report := health.Readiness(context.Background())
	assert.False(t, report.Ready)
	assert.Contains(t, report.Reason, "consumer degraded")
	assert.Equal(t, int64(3), h.consumer.Stats().DeadLettered[domain.ReasonRetriesExhausted])

	h.send(t, 10, mustMarshal(t, completed("good", "t1", true, 1, time.Second, baseTime)))
	assert.True(t, health.Readiness(context.Background()).Ready)
}

func TestReadinessDegradesWhenAggregateStoreFails(t *testing.T) {
	repo := new(mockAggregateRepository)
	repo.On("SaveTaskAggregate", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	cfg := testConsumerConfig()
	cfg.MaxRetries = 0
	engine := newTestEngine(t, DefaultEngineConfig(), WithAggregateRepository(repo))
	h := startConsumer(t, cfg, dedupmem.NewStore(time.Hour), engine)
	health := NewHealthMonitor(testHealthConfig(), h.consumer, logger.Noop(), testTracer)

	for i, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		h.send(t, int64(i), mustMarshal(t, completed(id, "t1", true, 1, time.Second, baseTime)))
	}

	stats := h.consumer.Stats()
	assert.Equal(t, int64(5), stats.DeadLettered[domain.ReasonRetriesExhausted])
	assert.Equal(t, int64(5), stats.ConsecutiveExhaustions, "successful claims must not clear the streak")
	assert.True(t, stats.LastSuccessAt.IsZero())

	report := health.Readiness(context.Background())
	assert.False(t, report.Ready)
	assert.Contains(t, report.Reason, "consumer degraded")
}
