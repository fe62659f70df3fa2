// Package memory provides an in-process deduplication store. Records are kept
// in a sharded map so that claims for unrelated event IDs do not contend.
package memory

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/ahrav/taskpulse/internal/domain/monitoring"
)

var _ monitoring.DedupStore = (*Store)(nil)

const defaultShardCount = 64

type record struct {
	token     string
	appliedAt time.Time
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]record
}

// Store is a sharded in-memory monitoring.DedupStore.
type Store struct {
	seed      maphash.Seed
	shards    []*shard
	retention time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithShardCount overrides the number of lock shards.
func WithShardCount(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// NewStore returns an empty store whose records live for retention.
func NewStore(retention time.Duration, opts ...Option) *Store {
	s := &Store{
		seed:      maphash.MakeSeed(),
		shards:    make([]*shard, defaultShardCount),
		retention: retention,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]record)}
	}
	return s
}

func (s *Store) shardFor(eventID string) *shard {
	return s.shards[maphash.String(s.seed, eventID)%uint64(len(s.shards))]
}

// TryClaim records eventID as applied at observedAt unless an unexpired record
// held under a different token already exists.
func (s *Store) TryClaim(ctx context.Context, eventID, token string, observedAt time.Time) (monitoring.ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, monitoring.NewTransientStoreError("claim", err)
	}

	sh := s.shardFor(eventID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[eventID]; ok {
		if token != "" && rec.token == token {
			return monitoring.ClaimResultClaimed, nil
		}
		if observedAt.Before(rec.expiresAt) {
			return monitoring.ClaimResultAlreadyApplied, nil
		}
	}

	sh.records[eventID] = record{token: token, appliedAt: observedAt, expiresAt: observedAt.Add(s.retention)}
	return monitoring.ClaimResultClaimed, nil
}

// SweepExpired drops every record whose expiry is at or before now.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, monitoring.NewTransientStoreError("sweep", err)
		}

		sh.mu.Lock()
		for id, rec := range sh.records {
			if !now.Before(rec.expiresAt) {
				delete(sh.records, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Release forgets the record for eventID if it is held under token.
func (s *Store) Release(ctx context.Context, eventID, token string) error {
	if err := ctx.Err(); err != nil {
		return monitoring.NewTransientStoreError("release", err)
	}

	sh := s.shardFor(eventID)
	sh.mu.Lock()
	if rec, ok := sh.records[eventID]; ok && rec.token == token {
		delete(sh.records, eventID)
	}
	sh.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Len returns the number of records currently held, expired or not.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
