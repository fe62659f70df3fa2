// Package aggregates serves read-only views of the task rollup, individual
// task aggregates and the consumer's counters.
package aggregates

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/taskpulse/internal/api/web"
	"github.com/ahrav/taskpulse/internal/app/monitoring"
	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// Config contains the dependencies needed by the aggregate handlers.
type Config struct {
	Log        *logger.Logger
	Aggregator domain.Aggregator
	Consumer   monitoring.ConsumerStatsProvider
}

// Routes binds the query endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/rollup", rollup(cfg))
		r.Get("/tasks/{taskID}", task(cfg))
		r.Get("/consumer", consumer(cfg))
	})
}

type bucketResponse struct {
	LE    string `json:"le"`
	Count int64  `json:"count"`
}

type rollupResponse struct {
	SuccessCount      int64            `json:"successCount"`
	FailureCount      int64            `json:"failureCount"`
	TotalCostUSD      float64          `json:"totalCostUsd"`
	DurationHistogram []bucketResponse `json:"durationHistogram"`
	TaskCount         int              `json:"taskCount"`
	EventsApplied     int64            `json:"eventsApplied"`
	StaleUpdates      int64            `json:"staleUpdates"`
	Evictions         int64            `json:"evictions"`
	AsOf              time.Time        `json:"asOf"`
}

func toRollupResponse(v domain.AggregateView) rollupResponse {
	h := v.Rollup.DurationHistogram
	buckets := make([]bucketResponse, 0, len(h.Counts))
	for i, c := range h.Counts {
		le := "+Inf"
		if i < len(h.Bounds) {
			le = h.Bounds[i].String()
		}
		buckets = append(buckets, bucketResponse{LE: le, Count: c})
	}

	return rollupResponse{
		SuccessCount:      v.Rollup.SuccessCount,
		FailureCount:      v.Rollup.FailureCount,
		TotalCostUSD:      v.Rollup.TotalCostUSD(),
		DurationHistogram: buckets,
		TaskCount:         v.TaskCount,
		EventsApplied:     v.EventsApplied,
		StaleUpdates:      v.StaleUpdates,
		Evictions:         v.Evictions,
		AsOf:              v.AsOf,
	}
}

type taskResponse struct {
	TaskID        string    `json:"taskId"`
	Terminal      bool      `json:"terminal"`
	Success       *bool     `json:"success,omitempty"`
	CostUSD       float64   `json:"costUsd"`
	DurationMs    int64     `json:"durationMs"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	LastEventID   string    `json:"lastEventId"`
	CreatedAt     time.Time `json:"createdAt"`
	LastAppliedAt time.Time `json:"lastAppliedAt"`
	EventsApplied int64     `json:"eventsApplied"`
	StaleEvents   int64     `json:"staleEvents"`
}

func toTaskResponse(a domain.TaskAggregate) taskResponse {
	resp := taskResponse{
		TaskID:        a.TaskID,
		Terminal:      a.Terminal,
		CostUSD:       a.CostUSD,
		DurationMs:    a.Duration.Milliseconds(),
		LastUpdatedAt: a.LastUpdatedAt,
		LastEventID:   a.LastEventID,
		CreatedAt:     a.CreatedAt,
		LastAppliedAt: a.LastAppliedAt,
		EventsApplied: a.EventsApplied,
		StaleEvents:   a.StaleEvents,
	}
	if a.Terminal {
		success := a.Success
		resp.Success = &success
	}
	return resp
}

type workerResponse struct {
	Index         int        `json:"index"`
	State         string     `json:"state"`
	Since         time.Time  `json:"since"`
	RetryingSince *time.Time `json:"retryingSince,omitempty"`
	Processed     int64      `json:"processed"`
}

type consumerResponse struct {
	ConsumerID             string           `json:"consumerId"`
	Running                bool             `json:"running"`
	Received               int64            `json:"received"`
	Applied                int64            `json:"applied"`
	AppliedStale           int64            `json:"appliedStale"`
	Duplicates             int64            `json:"duplicates"`
	DeadLettered           map[string]int64 `json:"deadLettered"`
	Retries                int64            `json:"retries"`
	Nacked                 int64            `json:"nacked"`
	ConsecutiveExhaustions int64            `json:"consecutiveExhaustions"`
	LastSuccessAt          *time.Time       `json:"lastSuccessAt,omitempty"`
	Workers                []workerResponse `json:"workers"`
}

func toConsumerResponse(s monitoring.ConsumerStats) consumerResponse {
	resp := consumerResponse{
		ConsumerID:             s.ConsumerID,
		Running:                s.Running,
		Received:               s.Received,
		Applied:                s.Applied,
		AppliedStale:           s.AppliedStale,
		Duplicates:             s.Duplicates,
		DeadLettered:           s.DeadLettered,
		Retries:                s.Retries,
		Nacked:                 s.Nacked,
		ConsecutiveExhaustions: s.ConsecutiveExhaustions,
		Workers:                make([]workerResponse, 0, len(s.Workers)),
	}
	if resp.DeadLettered == nil {
		resp.DeadLettered = map[string]int64{}
	}
	if !s.LastSuccessAt.IsZero() {
		t := s.LastSuccessAt
		resp.LastSuccessAt = &t
	}
	for _, w := range s.Workers {
		wr := workerResponse{
			Index:     w.Index,
			State:     w.State.String(),
			Since:     w.Since,
			Processed: w.Processed,
		}
		if !w.RetryingSince.IsZero() {
			t := w.RetryingSince
			wr.RetryingSince = &t
		}
		resp.Workers = append(resp.Workers, wr)
	}
	return resp
}

func rollup(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(r.Context(), cfg.Log, w, http.StatusOK, web.JSON{V: toRollupResponse(cfg.Aggregator.Snapshot())})
	}
}

func task(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		agg, err := cfg.Aggregator.Task(taskID)
		if err != nil {
			if errors.Is(err, domain.ErrTaskAggregateNotFound) {
				respond(r.Context(), cfg.Log, w, http.StatusNotFound, web.Error{Message: domain.ErrTaskAggregateNotFound.Error()})
				return
			}
			cfg.Log.Error(r.Context(), "Failed to load task aggregate", "task_id", taskID, "error", err)
			respond(r.Context(), cfg.Log, w, http.StatusInternalServerError, web.Error{Message: "internal error"})
			return
		}
		respond(r.Context(), cfg.Log, w, http.StatusOK, web.JSON{V: toTaskResponse(agg)})
	}
}

func consumer(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(r.Context(), cfg.Log, w, http.StatusOK, web.JSON{V: toConsumerResponse(cfg.Consumer.Stats())})
	}
}

func respond(ctx context.Context, log *logger.Logger, w http.ResponseWriter, status int, data web.Encoder) {
	if err := web.Respond(w, status, data); err != nil {
		log.Error(ctx, "Failed to write response", "error", err)
	}
}
