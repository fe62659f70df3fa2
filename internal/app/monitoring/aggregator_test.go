package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

func TestEngineApplySingleEvent(t *testing.T) {
	clock := newMockTimeProvider(baseTime)
	e := newTestEngine(t, DefaultEngineConfig(), withEngineTimeProvider(clock))
	ctx := context.Background()

	delta, err := e.Apply(ctx, completed("e1", "t1", true, 1.25, 3*time.Second, baseTime))
	require.NoError(t, err)
	assert.True(t, delta.Created)
	assert.False(t, delta.Stale)
	assert.Equal(t, int64(1), delta.SuccessDelta)
	assert.InDelta(t, 1.25, delta.CostDeltaUSD, 1e-9)

	view := e.Snapshot()
	assert.Equal(t, 1, view.TaskCount)
	assert.Equal(t, int64(1), view.EventsApplied)
	assert.Equal(t, int64(1), view.Rollup.SuccessCount)
	assert.Zero(t, view.Rollup.FailureCount)
	assert.InDelta(t, 1.25, view.Rollup.TotalCostUSD(), 1e-9)
	assert.Equal(t, int64(1), view.Rollup.DurationHistogram.Counts[1], "3s falls in the 5s bucket")
	assert.Equal(t, baseTime, view.AsOf)

	agg, err := e.Task("t1")
	require.NoError(t, err)
	assert.True(t, agg.Terminal)
	assert.True(t, agg.Success)
	assert.Equal(t, "e1", agg.LastEventID)
	assert.Equal(t, baseTime, agg.CreatedAt)

	_, err = e.Task("missing")
	assert.ErrorIs(t, err, domain.ErrTaskAggregateNotFound)
}

func TestEngineStaleEventDoesNotChangeRollup(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig())
	ctx := context.Background()

	_, err := e.Apply(ctx, failed("e2", "t1", 2, time.Minute, baseTime.Add(time.Minute)))
	require.NoError(t, err)
	before := e.Snapshot()

	delta, err := e.Apply(ctx, completed("e1", "t1", true, 9, time.Second, baseTime))
	require.NoError(t, err)
	assert.True(t, delta.Stale)
	assert.Zero(t, delta.SuccessDelta)
	assert.Zero(t, delta.FailureDelta)

	after := e.Snapshot()
	assert.Equal(t, before.Rollup, after.Rollup)
	assert.Equal(t, int64(1), after.StaleUpdates)
	assert.Equal(t, int64(2), after.EventsApplied)

	agg, err := e.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, "e2", agg.LastEventID)
	assert.False(t, agg.Success)
	assert.Equal(t, int64(1), agg.StaleEvents)
}

func TestEngineEqualTimestampTieBreak(t *testing.T) {
	tests := []struct {
		name      string
		first     string
		second    string
		wantStale bool
		wantLast  string
	}{
		{name: "larger id replaces", first: "a", second: "b", wantStale: false, wantLast: "b"},
		{name: "smaller id is stale", first: "b", second: "a", wantStale: true, wantLast: "b"},
		{name: "same id replaces", first: "a", second: "a", wantStale: false, wantLast: "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, DefaultEngineConfig())
			ctx := context.Background()

			_, err := e.Apply(ctx, completed(tt.first, "t1", true, 1, time.Second, baseTime))
			require.NoError(t, err)
			delta, err := e.Apply(ctx, completed(tt.second, "t1", true, 1, time.Second, baseTime))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStale, delta.Stale)
			agg, err := e.Task("t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantLast, agg.LastEventID)
			assert.Equal(t, int64(1), e.Snapshot().Rollup.SuccessCount)
		})
	}
}

func TestEngineReplacementMovesContribution(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig())
	ctx := context.Background()

	_, err := e.Apply(ctx, completed("e1", "t1", true, 1, time.Second, baseTime))
	require.NoError(t, err)

	delta, err := e.Apply(ctx, failed("e2", "t1", 3, 2*time.Minute, baseTime.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), delta.SuccessDelta)
	assert.Equal(t, int64(1), delta.FailureDelta)
	assert.InDelta(t, 2.0, delta.CostDeltaUSD, 1e-9)

	view := e.Snapshot()
	assert.Zero(t, view.Rollup.SuccessCount)
	assert.Equal(t, int64(1), view.Rollup.FailureCount)
	assert.InDelta(t, 3.0, view.Rollup.TotalCostUSD(), 1e-9)
	assert.Equal(t, int64(1), view.Rollup.DurationHistogram.Total())
	assert.Equal(t, 1, view.TaskCount)
}

func TestEngineStartedAfterTerminalWithdrawsContribution(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig())
	ctx := context.Background()

	_, err := e.Apply(ctx, completed("e1", "t1", true, 4, time.Second, baseTime))
	require.NoError(t, err)
	_, err = e.Apply(ctx, started("e2", "t1", baseTime.Add(time.Second)))
	require.NoError(t, err)

	view := e.Snapshot()
	assert.Zero(t, view.Rollup.SuccessCount)
	assert.Zero(t, view.Rollup.TotalCostUSD())
	assert.Zero(t, view.Rollup.DurationHistogram.Total())
	assert.Equal(t, 1, view.TaskCount)

	agg, err := e.Task("t1")
	require.NoError(t, err)
	assert.False(t, agg.Terminal)
}

func TestEngineReapplySameEventDoesNotDoubleCount(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig())
	ctx := context.Background()
	evt := completed("e1", "t1", true, 2.5, time.Second, baseTime)

	_, err := e.Apply(ctx, evt)
	require.NoError(t, err)
	_, err = e.Apply(ctx, evt)
	require.NoError(t, err)

	view := e.Snapshot()
	assert.Equal(t, int64(1), view.Rollup.SuccessCount)
	assert.InDelta(t, 2.5, view.Rollup.TotalCostUSD(), 1e-9)
	assert.Equal(t, int64(2), view.EventsApplied)
	assert.Equal(t, 1, view.TaskCount)
}

func TestEngineConcurrentSameTask(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig())
	ctx := context.Background()

	const n = 64
	evts := make([]domain.TaskEvent, n)
	for i := range n {
		at := baseTime.Add(time.Duration(i) * time.Second)
		id := fmt.Sprintf("e-%03d", i)
		if i%2 == 0 {
			evts[i] = completed(id, "t1", true, float64(i), time.Second, at)
		} else {
			evts[i] = failed(id, "t1", float64(i), time.Minute, at)
		}
	}
	rand.Shuffle(len(evts), func(i, j int) { evts[i], evts[j] = evts[j], evts[i] })

	var wg sync.WaitGroup
	for _, evt := range evts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Apply(ctx, evt)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	agg, err := e.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, "e-063", agg.LastEventID)
	assert.False(t, agg.Success)
	assert.Equal(t, int64(n), agg.EventsApplied)

	view := e.Snapshot()
	assert.Zero(t, view.Rollup.SuccessCount)
	assert.Equal(t, int64(1), view.Rollup.FailureCount)
	assert.InDelta(t, 63.0, view.Rollup.TotalCostUSD(), 1e-9)
	assert.Equal(t, int64(n), view.EventsApplied)
	assert.Equal(t, 1, view.TaskCount)
}

func TestEngineConcurrentManyTasks(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig())
	ctx := context.Background()

	const tasks = 100
	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			taskID := fmt.Sprintf("t-%d", i)
			_, err := e.Apply(ctx, started("s-"+taskID, taskID, baseTime))
			assert.NoError(t, err)
			_, err = e.Apply(ctx, completed("c-"+taskID, taskID, i%4 != 0, 0.5, time.Second, baseTime.Add(time.Second)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	view := e.Snapshot()
	assert.Equal(t, tasks, view.TaskCount)
	assert.Equal(t, int64(75), view.Rollup.SuccessCount)
	assert.Equal(t, int64(25), view.Rollup.FailureCount)
	assert.InDelta(t, 50.0, view.Rollup.TotalCostUSD(), 1e-6)
	assert.Equal(t, int64(2*tasks), view.EventsApplied)
}

func TestEngineRepositoryFailureLeavesStateUntouched(t *testing.T) {
	repo := new(mockAggregateRepository)
	e := newTestEngine(t, DefaultEngineConfig(), WithAggregateRepository(repo))
	ctx := context.Background()

	repo.On("SaveTaskAggregate", mock.Anything, mock.Anything).Return(nil).Once()
	repo.On("SaveTaskAggregate", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	_, err := e.Apply(ctx, completed("e1", "t1", true, 1, time.Second, baseTime))
	require.NoError(t, err)
	before := e.Snapshot()

	_, err = e.Apply(ctx, failed("e2", "t1", 5, time.Minute, baseTime.Add(time.Second)))
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	_, err = e.Apply(ctx, completed("e3", "t2", true, 1, time.Second, baseTime))
	require.Error(t, err)

	after := e.Snapshot()
	assert.Equal(t, before.Rollup, after.Rollup)
	assert.Equal(t, before.TaskCount, after.TaskCount)
	assert.Equal(t, before.EventsApplied, after.EventsApplied)

	agg, err := e.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, "e1", agg.LastEventID)

	_, err = e.Task("t2")
	assert.ErrorIs(t, err, domain.ErrTaskAggregateNotFound)
	repo.AssertExpectations(t)
}

func TestEngineWriteThroughSavesAggregate(t *testing.T) {
	repo := new(mockAggregateRepository)
	e := newTestEngine(t, DefaultEngineConfig(), WithAggregateRepository(repo))

	repo.On("SaveTaskAggregate", mock.Anything, mock.MatchedBy(func(agg domain.TaskAggregate) bool {
		return agg.TaskID == "t1" && agg.LastEventID == "e1" && agg.EventsApplied == 1
	})).Return(nil).Once()

	_, err := e.Apply(context.Background(), completed("e1", "t1", true, 1, time.Second, baseTime))
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestEngineLRUEviction(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Eviction = EvictionLRU
	cfg.MaxTasks = 2
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Apply(ctx, completed("e1", "t1", true, 1, time.Second, baseTime))
	require.NoError(t, err)
	_, err = e.Apply(ctx, completed("e2", "t2", false, 2, time.Second, baseTime))
	require.NoError(t, err)
	// Touch t1 so that t2 becomes the least recently applied.
	_, err = e.Apply(ctx, completed("e3", "t1", true, 1, time.Second, baseTime.Add(time.Second)))
	require.NoError(t, err)
	_, err = e.Apply(ctx, completed("e4", "t3", true, 4, time.Second, baseTime))
	require.NoError(t, err)

	_, err = e.Task("t2")
	assert.ErrorIs(t, err, domain.ErrTaskAggregateNotFound)

	view := e.Snapshot()
	assert.Equal(t, 2, view.TaskCount)
	assert.Equal(t, int64(1), view.Evictions)
	assert.Equal(t, int64(2), view.Rollup.SuccessCount)
	assert.Zero(t, view.Rollup.FailureCount)
	assert.InDelta(t, 5.0, view.Rollup.TotalCostUSD(), 1e-9)
}

func TestEngineLRUKeepsTaskUsedAfterBeingPushedOut(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Eviction = EvictionLRU
	cfg.MaxTasks = 2
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Apply(ctx, completed("e1", "t1", true, 1, time.Second, baseTime))
	require.NoError(t, err)
	_, err = e.Apply(ctx, completed("e2", "t2", true, 1, time.Second, baseTime))
	require.NoError(t, err)

	// t1 was pushed out of the recency cache by a concurrent apply but has
	// since been applied again, so it is still in the cache.
	e.pendingMu.Lock()
	e.pendingEvictions = append(e.pendingEvictions, "t1")
	e.pendingMu.Unlock()
	e.evictPending(ctx)

	_, err = e.Task("t1")
	require.NoError(t, err)
	assert.Zero(t, e.Snapshot().Evictions)
	assert.Equal(t, 2, e.Snapshot().TaskCount)
}

func TestEngineLRUConcurrentAppliesStayBounded(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Eviction = EvictionLRU
	cfg.MaxTasks = 8
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	const (
		workers = 16
		perWork = 500
		tasks   = 32
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for i := 0; i < perWork; i++ {
				taskID := fmt.Sprintf("t%d", rng.IntN(tasks))
				evt := completed(fmt.Sprintf("w%d-%d", w, i), taskID, true, 1, time.Second, baseTime.Add(time.Duration(i)*time.Millisecond))
				_, err := e.Apply(ctx, evt)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	e.evictPending(ctx)

	held := 0
	for _, sh := range e.shards {
		sh.mu.RLock()
		for id, ent := range sh.tasks {
			ent.mu.Lock()
			if !ent.evicted && ent.populated() {
				held++
				assert.True(t, e.recency.Contains(id), "task %s held without a recency entry", id)
			}
			ent.mu.Unlock()
		}
		sh.mu.RUnlock()
	}

	view := e.Snapshot()
	assert.Equal(t, held, view.TaskCount)
	assert.Equal(t, e.recency.Len(), view.TaskCount, "every recency key must belong to a held task")
	assert.LessOrEqual(t, view.TaskCount, cfg.MaxTasks)
	assert.Equal(t, view.Rollup.SuccessCount, int64(view.TaskCount))
}

func TestEngineTTLEviction(t *testing.T) {
	repo := new(mockAggregateRepository)
	repo.On("SaveTaskAggregate", mock.Anything, mock.Anything).Return(nil)
	repo.On("DeleteTaskAggregate", mock.Anything, "t1").Return(nil).Once()

	clock := newMockTimeProvider(baseTime)
	cfg := DefaultEngineConfig()
	cfg.Eviction = EvictionTTL
	cfg.TTL = time.Hour
	e := newTestEngine(t, cfg, withEngineTimeProvider(clock), WithAggregateRepository(repo))
	ctx := context.Background()

	_, err := e.Apply(ctx, completed("e1", "t1", true, 1, time.Second, baseTime))
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = e.Apply(ctx, completed("e2", "t2", true, 1, time.Second, baseTime))
	require.NoError(t, err)

	assert.Zero(t, e.EvictExpired(ctx, baseTime.Add(59*time.Minute)))
	assert.Equal(t, 1, e.EvictExpired(ctx, baseTime.Add(time.Hour)), "expiry is inclusive at exactly TTL")

	_, err = e.Task("t1")
	assert.ErrorIs(t, err, domain.ErrTaskAggregateNotFound)
	_, err = e.Task("t2")
	assert.NoError(t, err)

	view := e.Snapshot()
	assert.Equal(t, 1, view.TaskCount)
	assert.Equal(t, int64(1), view.Evictions)
	assert.Equal(t, int64(1), view.Rollup.SuccessCount)
	repo.AssertExpectations(t)
}

func TestEngineEvictExpiredIgnoredWithoutTTL(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig())
	_, err := e.Apply(context.Background(), completed("e1", "t1", true, 1, time.Second, baseTime))
	require.NoError(t, err)

	assert.Zero(t, e.EvictExpired(context.Background(), baseTime.Add(1000*time.Hour)))
}

func TestEngineRestore(t *testing.T) {
	repo := new(mockAggregateRepository)
	stored := []domain.TaskAggregate{
		{TaskID: "t1", Terminal: true, Success: true, CostUSD: 1.5, Duration: time.Second, LastUpdatedAt: baseTime, LastEventID: "e1", EventsApplied: 2, StaleEvents: 1},
		{TaskID: "t2", Terminal: false, LastUpdatedAt: baseTime, LastEventID: "e2", EventsApplied: 1},
	}
	repo.On("LoadTaskAggregates", mock.Anything).Return(stored, nil).Once()
	repo.On("SaveTaskAggregate", mock.Anything, mock.Anything).Return(nil)

	e := newTestEngine(t, DefaultEngineConfig(), WithAggregateRepository(repo))
	ctx := context.Background()

	n, err := e.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	view := e.Snapshot()
	assert.Equal(t, 2, view.TaskCount)
	assert.Equal(t, int64(3), view.EventsApplied)
	assert.Equal(t, int64(1), view.StaleUpdates)
	assert.Equal(t, int64(1), view.Rollup.SuccessCount)

	// A stale event after restore is still recognised as stale.
	delta, err := e.Apply(ctx, completed("e0", "t1", false, 1, time.Second, baseTime.Add(-time.Minute)))
	require.NoError(t, err)
	assert.True(t, delta.Stale)
}

func TestEngineRestoreLoadFailure(t *testing.T) {
	repo := new(mockAggregateRepository)
	repo.On("LoadTaskAggregates", mock.Anything).Return(nil, errors.New("db down"))

	e := newTestEngine(t, DefaultEngineConfig(), WithAggregateRepository(repo))
	_, err := e.Restore(context.Background())
	require.Error(t, err)
	assert.Zero(t, e.Snapshot().TaskCount)
}

func TestNewEngineRejectsInvalidEviction(t *testing.T) {
	tests := []struct {
		name string
		cfg  EngineConfig
	}{
		{name: "ttl without duration", cfg: EngineConfig{Eviction: EvictionTTL}},
		{name: "lru without capacity", cfg: EngineConfig{Eviction: EvictionLRU}},
		{name: "unknown policy", cfg: EngineConfig{Eviction: "fifo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg, logger.Noop(), testTracer)
			assert.Error(t, err)
		})
	}
}
