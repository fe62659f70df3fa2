// Package postgres persists task aggregates so the engine can restore its
// state after a restart.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/internal/infra/storage"
)

var _ monitoring.AggregateRepository = (*Repository)(nil)

const upsertQuery = `
INSERT INTO task_aggregates (
    task_id, terminal, success, cost_usd, duration_ns, last_updated_at,
    last_event_id, events_applied, stale_events, created_at, last_applied_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (task_id) DO UPDATE SET
    terminal        = EXCLUDED.terminal,
    success         = EXCLUDED.success,
    cost_usd        = EXCLUDED.cost_usd,
    duration_ns     = EXCLUDED.duration_ns,
    last_updated_at = EXCLUDED.last_updated_at,
    last_event_id   = EXCLUDED.last_event_id,
    events_applied  = EXCLUDED.events_applied,
    stale_events    = EXCLUDED.stale_events,
    last_applied_at = EXCLUDED.last_applied_at`

const deleteQuery = `DELETE FROM task_aggregates WHERE task_id = $1`

const loadQuery = `
SELECT task_id, terminal, success, cost_usd, duration_ns, last_updated_at,
       last_event_id, events_applied, stale_events, created_at, last_applied_at
FROM task_aggregates
ORDER BY task_id`

// Repository is a Postgres backed monitoring.AggregateRepository.
type Repository struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewRepository returns a Repository using pool.
func NewRepository(pool *pgxpool.Pool, tracer trace.Tracer) *Repository {
	return &Repository{db: pool, tracer: tracer}
}

// SaveTaskAggregate upserts agg.
func (r *Repository) SaveTaskAggregate(ctx context.Context, agg monitoring.TaskAggregate) error {
	dbAttrs := storage.Attrs(
		storage.DefaultDBAttributes,
		attribute.String("task_id", agg.TaskID),
		attribute.String("last_event_id", agg.LastEventID),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_task_aggregate", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, upsertQuery,
			agg.TaskID,
			agg.Terminal,
			agg.Success,
			agg.CostUSD,
			int64(agg.Duration),
			agg.LastUpdatedAt,
			agg.LastEventID,
			agg.EventsApplied,
			agg.StaleEvents,
			agg.CreatedAt,
			agg.LastAppliedAt,
		)
		if err != nil {
			return monitoring.NewTransientStoreError("save_task_aggregate", fmt.Errorf("failed to save task aggregate: %w", err))
		}
		return nil
	})
}

// DeleteTaskAggregate removes the row for taskID.
func (r *Repository) DeleteTaskAggregate(ctx context.Context, taskID string) error {
	dbAttrs := storage.Attrs(storage.DefaultDBAttributes, attribute.String("task_id", taskID))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_task_aggregate", dbAttrs, func(ctx context.Context) error {
		if _, err := r.db.Exec(ctx, deleteQuery, taskID); err != nil {
			return monitoring.NewTransientStoreError("delete_task_aggregate", fmt.Errorf("failed to delete task aggregate: %w", err))
		}
		return nil
	})
}

// LoadTaskAggregates returns every stored aggregate ordered by task ID.
func (r *Repository) LoadTaskAggregates(ctx context.Context) ([]monitoring.TaskAggregate, error) {
	var aggs []monitoring.TaskAggregate
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.load_task_aggregates", storage.DefaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, loadQuery)
		if err != nil {
			return monitoring.NewTransientStoreError("load_task_aggregates", fmt.Errorf("failed to query task aggregates: %w", err))
		}

		aggs, err = pgx.CollectRows(rows, scanTaskAggregate)
		if err != nil {
			return monitoring.NewTransientStoreError("load_task_aggregates", fmt.Errorf("failed to scan task aggregates: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	trace.SpanFromContext(ctx).AddEvent("task_aggregates_loaded",
		trace.WithAttributes(attribute.Int("count", len(aggs))))
	return aggs, nil
}

func scanTaskAggregate(row pgx.CollectableRow) (monitoring.TaskAggregate, error) {
	var (
		agg        monitoring.TaskAggregate
		durationNS int64
	)
	err := row.Scan(
		&agg.TaskID,
		&agg.Terminal,
		&agg.Success,
		&agg.CostUSD,
		&durationNS,
		&agg.LastUpdatedAt,
		&agg.LastEventID,
		&agg.EventsApplied,
		&agg.StaleEvents,
		&agg.CreatedAt,
		&agg.LastAppliedAt,
	)
	agg.Duration = time.Duration(durationNS)
	agg.LastUpdatedAt = agg.LastUpdatedAt.UTC()
	agg.CreatedAt = agg.CreatedAt.UTC()
	agg.LastAppliedAt = agg.LastAppliedAt.UTC()
	return agg, err
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return monitoring.NewTransientStoreError("ping", err)
	}
	return nil
}
