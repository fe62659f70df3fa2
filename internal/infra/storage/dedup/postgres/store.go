// Package postgres provides a deduplication store backed by the dedup_records
// table, suitable when several consumer instances share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/internal/infra/storage"
)

var _ monitoring.DedupStore = (*Store)(nil)

// A conflicting row is only overwritten once it has expired relative to the
// new claim or when it is held under the same claim token; otherwise nothing
// is returned and the claim is a duplicate.
const claimQuery = `
INSERT INTO dedup_records (event_id, applied_at, expires_at, claim_token)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO UPDATE
    SET applied_at = EXCLUDED.applied_at,
        expires_at = EXCLUDED.expires_at,
        claim_token = EXCLUDED.claim_token
    WHERE dedup_records.expires_at <= EXCLUDED.applied_at
       OR (EXCLUDED.claim_token <> '' AND dedup_records.claim_token = EXCLUDED.claim_token)
RETURNING event_id`

const sweepQuery = `DELETE FROM dedup_records WHERE expires_at <= $1`

const releaseQuery = `DELETE FROM dedup_records WHERE event_id = $1 AND claim_token = $2`

// Store is a Postgres backed monitoring.DedupStore.
type Store struct {
	db        *pgxpool.Pool
	retention time.Duration
	tracer    trace.Tracer
}

// NewStore returns a Store using pool.
func NewStore(pool *pgxpool.Pool, retention time.Duration, tracer trace.Tracer) *Store {
	return &Store{db: pool, retention: retention, tracer: tracer}
}

// TryClaim inserts a record for eventID or reports it as already applied.
func (s *Store) TryClaim(ctx context.Context, eventID, token string, observedAt time.Time) (monitoring.ClaimResult, error) {
	dbAttrs := storage.Attrs(storage.DefaultDBAttributes, attribute.String("event_id", eventID))

	var result monitoring.ClaimResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.dedup.try_claim", dbAttrs, func(ctx context.Context) error {
		observed, expiresAt := storage.ClaimWindow(observedAt, s.retention)
		var claimed string
		err := s.db.QueryRow(ctx, claimQuery, eventID, observed, expiresAt, token).Scan(&claimed)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			result = monitoring.ClaimResultAlreadyApplied
			return nil
		case err != nil:
			return monitoring.NewTransientStoreError("claim", fmt.Errorf("failed to claim event: %w", err))
		}
		result = monitoring.ClaimResultClaimed
		return nil
	})
	return result, err
}

// SweepExpired deletes records whose expiry is at or before now.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.dedup.sweep_expired", storage.DefaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, sweepQuery, now)
		if err != nil {
			return monitoring.NewTransientStoreError("sweep", fmt.Errorf("failed to sweep dedup records: %w", err))
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

// Release deletes the record for eventID if it is held under token.
func (s *Store) Release(ctx context.Context, eventID, token string) error {
	dbAttrs := storage.Attrs(storage.DefaultDBAttributes, attribute.String("event_id", eventID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.dedup.release", dbAttrs, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, releaseQuery, eventID, token); err != nil {
			return monitoring.NewTransientStoreError("release", fmt.Errorf("failed to release claim: %w", err))
		}
		return nil
	})
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return monitoring.NewTransientStoreError("ping", err)
	}
	return nil
}
