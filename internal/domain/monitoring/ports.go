// Package monitoring defines the domain model for task lifecycle monitoring:
// the event contract, per-task aggregates and rollups, and the ports through
// which events are received, deduplicated, persisted and dead-lettered.
package monitoring

import (
	"context"
	"strconv"
	"time"

	"github.com/ahrav/taskpulse/internal/domain/events"
)

// ClaimResult is the outcome of a deduplication claim.
type ClaimResult int

const (
	// ClaimResultClaimed means the caller now owns the event and must apply it.
	ClaimResultClaimed ClaimResult = iota + 1
	// ClaimResultAlreadyApplied means an unexpired record exists for the event.
	ClaimResultAlreadyApplied
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimResultClaimed:
		return "claimed"
	case ClaimResultAlreadyApplied:
		return "already_applied"
	default:
		return "unknown"
	}
}

// DedupStore remembers which event IDs have been applied. It is a pure gate
// keyed by event ID and never inspects event content.
type DedupStore interface {
	// TryClaim atomically records eventID as applied at observedAt under token
	// unless an unexpired record already exists. A record written at A is a
	// duplicate for any observedAt < A+retention and claimable again from
	// A+retention on. A record held under the same non-empty token is reported
	// as Claimed, so retrying a claim whose outcome was lost is idempotent.
	TryClaim(ctx context.Context, eventID, token string, observedAt time.Time) (ClaimResult, error)

	// SweepExpired removes records whose expiry is at or before now and
	// returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Release forgets a claim whose apply was abandoned so that a redelivery
	// of the event is applied rather than dropped as a duplicate. Only a
	// record held under token is removed.
	Release(ctx context.Context, eventID, token string) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// AggregateRepository persists task aggregates so they survive restarts.
type AggregateRepository interface {
	// SaveTaskAggregate upserts the aggregate for agg.TaskID.
	SaveTaskAggregate(ctx context.Context, agg TaskAggregate) error

	// DeleteTaskAggregate removes the aggregate for taskID if present.
	DeleteTaskAggregate(ctx context.Context, taskID string) error

	// LoadTaskAggregates returns every stored aggregate.
	LoadTaskAggregates(ctx context.Context) ([]TaskAggregate, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// Aggregator folds task events into per-task aggregates and a rollup.
type Aggregator interface {
	// Apply folds evt into the aggregate for evt.TaskID.
	Apply(ctx context.Context, evt TaskEvent) (AggregateDelta, error)

	// Snapshot returns a consistent view of the rollup and engine counters.
	Snapshot() AggregateView

	// Task returns the aggregate for taskID or ErrTaskAggregateNotFound.
	Task(taskID string) (TaskAggregate, error)
}

// Message is a single delivery from a MessageSource.
type Message struct {
	Payload    []byte
	Key        string
	Headers    map[string]string
	Metadata   events.EventMetadata
	ReceivedAt time.Time

	// Ack must be called exactly once. A nil error acknowledges the message;
	// a non-nil error leaves it for redelivery.
	Ack events.AckFunc
}

// MessageSource delivers messages with at-least-once semantics.
type MessageSource interface {
	// Receive blocks until a message is available or ctx is done. It returns
	// ErrSourceClosed once no further messages will be delivered.
	Receive(ctx context.Context) (*Message, error)

	// Ping checks that the broker is reachable.
	Ping(ctx context.Context) error
}

// DeadLetter is a message that could not be applied.
type DeadLetter struct {
	Payload  []byte
	Key      string
	Reason   string
	Detail   string
	Attempts int
	Source   events.EventMetadata
	FailedAt time.Time
}

// Dead-letter reasons.
const (
	ReasonDecodeError      = "decode_error"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPanic            = "panic"
)

// DeadLetterSink accepts messages that will never be applied.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// Headers attached to dead-lettered messages.
const (
	HeaderDLQReason          = "dlq.reason"
	HeaderDLQDetail          = "dlq.detail"
	HeaderDLQAttempts        = "dlq.attempts"
	HeaderDLQSourceTopic     = "dlq.source_topic"
	HeaderDLQSourcePartition = "dlq.source_partition"
	HeaderDLQSourceOffset    = "dlq.source_offset"
	HeaderDLQFailedAt        = "dlq.failed_at"
)

// Headers describes the failure as message headers so a dead-lettered
// payload can be traced back to its source position.
func (dl DeadLetter) Headers() map[string]string {
	h := map[string]string{
		HeaderDLQReason:          dl.Reason,
		HeaderDLQAttempts:        strconv.Itoa(dl.Attempts),
		HeaderDLQSourceTopic:     dl.Source.Topic,
		HeaderDLQSourcePartition: strconv.FormatInt(int64(dl.Source.Partition), 10),
		HeaderDLQSourceOffset:    strconv.FormatInt(dl.Source.Offset, 10),
	}
	if dl.Detail != "" {
		h[HeaderDLQDetail] = dl.Detail
	}
	if !dl.FailedAt.IsZero() {
		h[HeaderDLQFailedAt] = dl.FailedAt.UTC().Format(time.RFC3339Nano)
	}
	return h
}
