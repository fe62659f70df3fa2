package monitoring

import (
	"context"
	"time"

	"github.com/ahrav/taskpulse/internal/domain/events"
)

// WorkerState is the current step of a consumer worker.
type WorkerState int32

const (
	WorkerStateIdle WorkerState = iota
	WorkerStateReceiving
	WorkerStateDecoding
	WorkerStateClaiming
	WorkerStateApplying
	WorkerStateRetrying
	WorkerStateRejecting
	WorkerStateAcking
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateReceiving:
		return "receiving"
	case WorkerStateDecoding:
		return "decoding"
	case WorkerStateClaiming:
		return "claiming"
	case WorkerStateApplying:
		return "applying"
	case WorkerStateRetrying:
		return "retrying"
	case WorkerStateRejecting:
		return "rejecting"
	case WorkerStateAcking:
		return "acking"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of processing one message.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeAppliedStale
	OutcomeDuplicate
	OutcomeDeadLettered
	OutcomeNacked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAppliedStale:
		return "applied_stale"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeNacked:
		return "nacked"
	default:
		return "unknown"
	}
}

// OutcomeRecord describes how a message was handled.
type OutcomeRecord struct {
	Outcome  Outcome
	EventID  string
	TaskID   string
	Reason   string // set for DeadLettered and Nacked
	Attempts int
	Source   events.EventMetadata
	Delta    AggregateDelta
	Err      error
	Elapsed  time.Duration
}

// OutcomeObserver is notified of every terminal transition.
type OutcomeObserver func(ctx context.Context, rec OutcomeRecord)
