// Package monitoring wires the task event pipeline together: the aggregation
// engine that folds events into per-task state, the consumer that feeds it
// from a broker, and the health monitor that reports on both.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// timeProvider abstracts time so tests can control the clock.
type timeProvider interface {
	Now() time.Time
}

// realTimeProvider implements timeProvider using the system clock.
type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// EvictionPolicy selects when per-task aggregates are dropped.
type EvictionPolicy string

const (
	// EvictionNone retains every task for the life of the process.
	EvictionNone EvictionPolicy = "none"
	// EvictionTTL drops tasks whose last apply is older than the TTL.
	EvictionTTL EvictionPolicy = "ttl"
	// EvictionLRU bounds the number of tasks, dropping the least recently applied.
	EvictionLRU EvictionPolicy = "lru"
)

// Eviction reasons reported in logs and metrics.
const (
	evictReasonTTL = "ttl"
	evictReasonLRU = "lru"
)

// EngineConfig configures the aggregation engine.
type EngineConfig struct {
	HistogramBounds []time.Duration
	Eviction        EvictionPolicy
	TTL             time.Duration
	MaxTasks        int
	Shards          int
	RepoTimeout     time.Duration
}

// DefaultEngineConfig returns an engine configuration without eviction.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HistogramBounds: domain.DefaultHistogramBounds,
		Eviction:        EvictionNone,
		Shards:          64,
		RepoTimeout:     5 * time.Second,
	}
}

// taskEntry guards the aggregate of a single task. An entry that has been
// removed from its shard is marked evicted so that an Apply racing with the
// removal retries against a fresh entry.
type taskEntry struct {
	mu      sync.Mutex
	agg     domain.TaskAggregate
	evicted bool
}

// populated reports whether any event has been folded into the entry.
func (e *taskEntry) populated() bool { return e.agg.EventsApplied > 0 }

type engineShard struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
}

var _ domain.Aggregator = (*Engine)(nil)

// Engine folds task events into per-task aggregates and a global rollup.
//
// Locks are always taken in the order: task entry, recency cache, rollup.
// A shard lock is only ever held on its own. Tasks the recency cache pushes
// out are queued and evicted once the caller has released its entry lock.
type Engine struct {
	cfg  EngineConfig
	seed maphash.Seed

	shards []*engineShard

	rollupMu      sync.RWMutex
	rollup        domain.Rollup
	taskCount     int
	eventsApplied int64
	staleUpdates  int64
	evictions     int64

	recency *lru.Cache[string, struct{}] // nil unless the LRU policy is active

	pendingMu        sync.Mutex
	pendingEvictions []string

	repo    domain.AggregateRepository // optional write-through store
	metrics MonitorMetrics

	timeProvider timeProvider

	logger *logger.Logger
	tracer trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAggregateRepository enables write-through persistence.
func WithAggregateRepository(repo domain.AggregateRepository) EngineOption {
	return func(e *Engine) { e.repo = repo }
}

// WithEngineMetrics attaches metrics instruments.
func WithEngineMetrics(m MonitorMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// withEngineTimeProvider overrides the clock. Used by tests.
func withEngineTimeProvider(tp timeProvider) EngineOption {
	return func(e *Engine) { e.timeProvider = tp }
}

// NewEngine returns an empty engine.
func NewEngine(cfg EngineConfig, logger *logger.Logger, tracer trace.Tracer, opts ...EngineOption) (*Engine, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	if len(cfg.HistogramBounds) == 0 {
		cfg.HistogramBounds = domain.DefaultHistogramBounds
	}
	if cfg.Eviction == "" {
		cfg.Eviction = EvictionNone
	}
	if cfg.RepoTimeout <= 0 {
		cfg.RepoTimeout = 5 * time.Second
	}

	e := &Engine{
		cfg:          cfg,
		seed:         maphash.MakeSeed(),
		shards:       make([]*engineShard, cfg.Shards),
		rollup:       domain.NewRollup(cfg.HistogramBounds),
		timeProvider: realTimeProvider{},
		logger:       logger.With("component", "aggregation_engine"),
		tracer:       tracer,
	}
	for i := range e.shards {
		e.shards[i] = &engineShard{tasks: make(map[string]*taskEntry)}
	}
	for _, opt := range opts {
		opt(e)
	}

	switch cfg.Eviction {
	case EvictionNone:
	case EvictionTTL:
		if cfg.TTL <= 0 {
			return nil, fmt.Errorf("ttl eviction requires a positive TTL, got %s", cfg.TTL)
		}
	case EvictionLRU:
		if cfg.MaxTasks <= 0 {
			return nil, fmt.Errorf("lru eviction requires a positive MaxTasks, got %d", cfg.MaxTasks)
		}
		cache, err := lru.NewWithEvict(cfg.MaxTasks, func(taskID string, _ struct{}) {
			e.pendingMu.Lock()
			e.pendingEvictions = append(e.pendingEvictions, taskID)
			e.pendingMu.Unlock()
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create recency cache: %w", err)
		}
		e.recency = cache
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", cfg.Eviction)
	}

	return e, nil
}

func (e *Engine) shardFor(taskID string) *engineShard {
	return e.shards[maphash.String(e.seed, taskID)%uint64(len(e.shards))]
}

// entry returns the entry for taskID, creating an empty one if needed.
func (e *Engine) entry(taskID string) *taskEntry {
	sh := e.shardFor(taskID)

	sh.mu.RLock()
	ent, ok := sh.tasks[taskID]
	sh.mu.RUnlock()
	if ok {
		return ent
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	// Double-check after acquiring the write lock.
	if ent, ok = sh.tasks[taskID]; ok {
		return ent
	}
	ent = &taskEntry{}
	sh.tasks[taskID] = ent
	return ent
}

// dropEntry removes ent from its shard if it is still the current entry.
func (e *Engine) dropEntry(taskID string, ent *taskEntry) {
	sh := e.shardFor(taskID)
	sh.mu.Lock()
	if sh.tasks[taskID] == ent {
		delete(sh.tasks, taskID)
	}
	sh.mu.Unlock()
}

// Apply folds evt into its task's aggregate. The only failure is a
// TransientStoreError from the write-through repository, in which case no
// in-memory state changes.
func (e *Engine) Apply(ctx context.Context, evt domain.TaskEvent) (domain.AggregateDelta, error) {
	ctx, span := e.tracer.Start(ctx, "aggregation_engine.apply",
		trace.WithAttributes(
			attribute.String("task_id", evt.TaskID),
			attribute.String("event_id", evt.EventID),
			attribute.String("event_type", evt.Type.String()),
		))
	defer span.End()

	for {
		ent := e.entry(evt.TaskID)

		ent.mu.Lock()
		if ent.evicted {
			// Lost a race with eviction; the next lookup creates a fresh entry.
			ent.mu.Unlock()
			continue
		}

		delta, err := e.applyLocked(ctx, ent, evt)
		created := delta.Created
		if err == nil && e.recency != nil {
			e.recency.Add(evt.TaskID, struct{}{})
		}
		ent.mu.Unlock()

		if err != nil {
			if created {
				e.abandonEntry(evt.TaskID, ent)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist task aggregate")
			return domain.AggregateDelta{}, err
		}
		e.evictPending(ctx)

		span.SetAttributes(
			attribute.Bool("stale", delta.Stale),
			attribute.Bool("created", delta.Created),
		)
		if delta.Stale {
			span.AddEvent("stale_update_ignored")
			if e.metrics != nil {
				e.metrics.IncStaleUpdates(ctx)
			}
		}
		return delta, nil
	}
}

// abandonEntry removes an entry that was created for an apply which failed
// before anything was stored in it.
func (e *Engine) abandonEntry(taskID string, ent *taskEntry) {
	ent.mu.Lock()
	if ent.populated() {
		// Another apply filled it in meanwhile.
		ent.mu.Unlock()
		return
	}
	ent.evicted = true
	ent.mu.Unlock()
	e.dropEntry(taskID, ent)
}

// applyLocked computes and installs the new aggregate. ent.mu must be held.
func (e *Engine) applyLocked(ctx context.Context, ent *taskEntry, evt domain.TaskEvent) (domain.AggregateDelta, error) {
	now := e.timeProvider.Now()
	before := ent.agg
	created := !ent.populated()
	stale := !created && before.NewerThan(evt)

	var after domain.TaskAggregate
	if stale {
		after = before
		after.StaleEvents++
	} else {
		after = domain.TaskAggregate{
			TaskID:        evt.TaskID,
			Terminal:      evt.Terminal(),
			Success:       evt.Terminal() && evt.Success,
			CostUSD:       evt.CostUSD,
			Duration:      evt.Duration,
			LastUpdatedAt: evt.OccurredAt,
			LastEventID:   evt.EventID,
			CreatedAt:     before.CreatedAt,
			EventsApplied: before.EventsApplied,
			StaleEvents:   before.StaleEvents,
		}
		if created {
			after.CreatedAt = now
		}
	}
	after.EventsApplied++
	after.LastAppliedAt = now

	if e.repo != nil {
		repoCtx, cancel := context.WithTimeout(ctx, e.cfg.RepoTimeout)
		err := e.repo.SaveTaskAggregate(repoCtx, after)
		cancel()
		if err != nil {
			if !domain.IsRetryable(err) {
				err = domain.NewTransientStoreError("save_task_aggregate", err)
			}
			return domain.AggregateDelta{Created: created}, err
		}
	}

	ent.agg = after

	e.rollupMu.Lock()
	if !stale {
		e.rollup.Remove(before)
		e.rollup.Add(after)
	}
	if created {
		e.taskCount++
	}
	e.eventsApplied++
	if stale {
		e.staleUpdates++
	}
	e.rollupMu.Unlock()

	if stale {
		return domain.AggregateDelta{TaskID: evt.TaskID, EventID: evt.EventID, Stale: true}, nil
	}

	delta := domain.DeltaBetween(before, after)
	delta.Created = created
	return delta, nil
}

// Snapshot returns the rollup and counters as of a single instant.
func (e *Engine) Snapshot() domain.AggregateView {
	e.rollupMu.RLock()
	defer e.rollupMu.RUnlock()

	return domain.AggregateView{
		Rollup:        e.rollup.Clone(),
		TaskCount:     e.taskCount,
		EventsApplied: e.eventsApplied,
		StaleUpdates:  e.staleUpdates,
		Evictions:     e.evictions,
		AsOf:          e.timeProvider.Now(),
	}
}

// Task returns the aggregate held for taskID.
func (e *Engine) Task(taskID string) (domain.TaskAggregate, error) {
	sh := e.shardFor(taskID)
	sh.mu.RLock()
	ent, ok := sh.tasks[taskID]
	sh.mu.RUnlock()
	if !ok {
		return domain.TaskAggregate{}, domain.ErrTaskAggregateNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.evicted || !ent.populated() {
		return domain.TaskAggregate{}, domain.ErrTaskAggregateNotFound
	}
	return ent.agg, nil
}

// evict removes taskID from the engine when keep, if given, returns false for
// its current aggregate. It reports whether the task was removed.
func (e *Engine) evict(ctx context.Context, taskID, reason string, keep func(domain.TaskAggregate) bool) bool {
	sh := e.shardFor(taskID)
	sh.mu.RLock()
	ent, ok := sh.tasks[taskID]
	sh.mu.RUnlock()
	if !ok {
		return false
	}

	ent.mu.Lock()
	if ent.evicted || (keep != nil && keep(ent.agg)) {
		ent.mu.Unlock()
		return false
	}
	ent.evicted = true
	agg := ent.agg
	populated := ent.populated()

	e.rollupMu.Lock()
	e.rollup.Remove(agg)
	if populated {
		e.taskCount--
	}
	e.evictions++
	e.rollupMu.Unlock()
	ent.mu.Unlock()

	e.dropEntry(taskID, ent)

	if e.metrics != nil {
		e.metrics.IncEvictions(ctx, reason)
	}
	e.logger.Debug(ctx, "task aggregate evicted", "task_id", taskID, "reason", reason)

	if e.repo != nil && populated {
		repoCtx, cancel := context.WithTimeout(ctx, e.cfg.RepoTimeout)
		defer cancel()
		if err := e.repo.DeleteTaskAggregate(repoCtx, taskID); err != nil {
			e.logger.Warn(ctx, "failed to delete evicted task aggregate", "task_id", taskID, "error", err)
		}
	}
	return true
}

// evictPending evicts the tasks the recency cache has pushed out. A task that
// was used again after being pushed out is back in the cache and is kept.
func (e *Engine) evictPending(ctx context.Context) {
	e.pendingMu.Lock()
	pending := e.pendingEvictions
	e.pendingEvictions = nil
	e.pendingMu.Unlock()

	for _, taskID := range pending {
		e.evict(ctx, taskID, evictReasonLRU, func(domain.TaskAggregate) bool {
			return e.recency.Contains(taskID)
		})
	}
}

// EvictExpired applies the TTL policy, removing tasks whose last apply is at
// least TTL before now. It returns the number of tasks removed.
func (e *Engine) EvictExpired(ctx context.Context, now time.Time) int {
	if e.cfg.Eviction != EvictionTTL {
		return 0
	}

	ctx, span := e.tracer.Start(ctx, "aggregation_engine.evict_expired")
	defer span.End()

	cutoff := now.Add(-e.cfg.TTL)
	keep := func(agg domain.TaskAggregate) bool { return agg.LastAppliedAt.After(cutoff) }

	var candidates []string
	for _, sh := range e.shards {
		sh.mu.RLock()
		for id := range sh.tasks {
			candidates = append(candidates, id)
		}
		sh.mu.RUnlock()
	}

	removed := 0
	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}
		if e.evict(ctx, id, evictReasonTTL, keep) {
			removed++
		}
	}

	span.SetAttributes(attribute.Int("evicted", removed))
	return removed
}

// Restore loads persisted aggregates into an engine that has not yet applied
// any events.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.repo == nil {
		return 0, nil
	}

	ctx, span := e.tracer.Start(ctx, "aggregation_engine.restore")
	defer span.End()

	aggs, err := e.repo.LoadTaskAggregates(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load task aggregates")
		return 0, fmt.Errorf("failed to restore task aggregates: %w", err)
	}

	restored := 0
	for _, agg := range aggs {
		if agg.TaskID == "" || agg.EventsApplied <= 0 {
			continue
		}
		ent := e.entry(agg.TaskID)
		ent.mu.Lock()
		if ent.populated() {
			ent.mu.Unlock()
			return restored, errors.New("restore called on an engine that already holds state")
		}
		ent.agg = agg
		e.rollupMu.Lock()
		e.rollup.Add(agg)
		e.taskCount++
		e.eventsApplied += agg.EventsApplied
		e.staleUpdates += agg.StaleEvents
		e.rollupMu.Unlock()
		if e.recency != nil {
			e.recency.Add(agg.TaskID, struct{}{})
		}
		ent.mu.Unlock()

		e.evictPending(ctx)
		restored++
	}

	span.SetAttributes(attribute.Int("restored", restored))
	e.logger.Info(ctx, "task aggregates restored", "count", restored)
	return restored, nil
}

// Ping checks the write-through repository, if any.
func (e *Engine) Ping(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	return e.repo.Ping(ctx)
}
