package monitoring

import (
	"math"
	"time"
)

// TaskAggregate is the folded state of every non-duplicate event seen for a task.
type TaskAggregate struct {
	TaskID        string
	Terminal      bool
	Success       bool
	CostUSD       float64
	Duration      time.Duration
	LastUpdatedAt time.Time // occurredAt of the event currently reflected
	LastEventID   string

	CreatedAt     time.Time
	LastAppliedAt time.Time
	EventsApplied int64
	StaleEvents   int64
}

// NewerThan reports whether evt supersedes the state held in a. Events are
// ordered by occurredAt; on a tie the larger event ID wins so that replicas
// applying the same set of events in different orders converge.
func (a TaskAggregate) NewerThan(evt TaskEvent) bool {
	if evt.OccurredAt.Equal(a.LastUpdatedAt) {
		return evt.EventID < a.LastEventID
	}
	return evt.OccurredAt.Before(a.LastUpdatedAt)
}

// DefaultHistogramBounds are the upper bounds used when none are configured.
var DefaultHistogramBounds = []time.Duration{
	time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Histogram counts durations into fixed upper-bound buckets. Counts has one
// more entry than Bounds; the last bucket is unbounded.
type Histogram struct {
	Bounds []time.Duration
	Counts []int64
}

// NewHistogram returns an empty histogram with the given ascending bounds.
func NewHistogram(bounds []time.Duration) Histogram {
	b := make([]time.Duration, len(bounds))
	copy(b, bounds)
	return Histogram{Bounds: b, Counts: make([]int64, len(b)+1)}
}

// Bucket returns the index of the bucket d falls into.
func (h Histogram) Bucket(d time.Duration) int {
	for i, b := range h.Bounds {
		if d <= b {
			return i
		}
	}
	return len(h.Bounds)
}

// Observe adds delta to the bucket holding d.
func (h Histogram) Observe(d time.Duration, delta int64) { h.Counts[h.Bucket(d)] += delta }

// Total returns the number of observations.
func (h Histogram) Total() int64 {
	var n int64
	for _, c := range h.Counts {
		n += c
	}
	return n
}

// Clone returns a deep copy.
func (h Histogram) Clone() Histogram {
	c := Histogram{Bounds: make([]time.Duration, len(h.Bounds)), Counts: make([]int64, len(h.Counts))}
	copy(c.Bounds, h.Bounds)
	copy(c.Counts, h.Counts)
	return c
}

// Rollup is the sum of the contributions of every retained terminal task.
// Cost is accumulated in whole micro-dollars so that adding and removing the
// same task always returns the total to exactly where it was.
type Rollup struct {
	SuccessCount      int64
	FailureCount      int64
	TotalCostMicros   int64
	DurationHistogram Histogram
}

// TotalCostUSD returns the accumulated cost in dollars.
func (r Rollup) TotalCostUSD() float64 { return MicrosToUSD(r.TotalCostMicros) }

// USDToMicros converts a dollar amount to whole micro-dollars, rounding to
// the nearest unit. Values outside the int64 range saturate.
func USDToMicros(usd float64) int64 {
	m := math.Round(usd * 1e6)
	switch {
	case math.IsNaN(m):
		return 0
	case m >= math.MaxInt64:
		return math.MaxInt64
	case m <= math.MinInt64:
		return math.MinInt64
	}
	return int64(m)
}

// MicrosToUSD converts micro-dollars to dollars.
func MicrosToUSD(micros int64) float64 { return float64(micros) / 1e6 }

func addSaturating(a, b int64) int64 {
	sum := a + b
	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64
	}
	return sum
}

// NewRollup returns an empty rollup using the given histogram bounds.
func NewRollup(bounds []time.Duration) Rollup {
	return Rollup{DurationHistogram: NewHistogram(bounds)}
}

// Add folds the contribution of a into the rollup. Non-terminal tasks
// contribute nothing.
func (r *Rollup) Add(a TaskAggregate) { r.apply(a, 1) }

// Remove takes the contribution of a back out of the rollup.
func (r *Rollup) Remove(a TaskAggregate) { r.apply(a, -1) }

func (r *Rollup) apply(a TaskAggregate, sign int64) {
	if !a.Terminal {
		return
	}
	if a.Success {
		r.SuccessCount += sign
	} else {
		r.FailureCount += sign
	}
	r.TotalCostMicros = addSaturating(r.TotalCostMicros, sign*USDToMicros(a.CostUSD))
	r.DurationHistogram.Observe(a.Duration, sign)
}

// Clone returns a deep copy.
func (r Rollup) Clone() Rollup {
	r.DurationHistogram = r.DurationHistogram.Clone()
	return r
}

// AggregateView is a point-in-time snapshot of the engine.
type AggregateView struct {
	Rollup        Rollup
	TaskCount     int
	EventsApplied int64
	StaleUpdates  int64
	Evictions     int64
	AsOf          time.Time
}

// AggregateDelta describes what a single Apply changed.
type AggregateDelta struct {
	TaskID       string
	EventID      string
	Created      bool
	Stale        bool
	SuccessDelta int64
	FailureDelta int64
	CostDeltaUSD float64
}

// DeltaBetween computes the rollup change from replacing before with after.
func DeltaBetween(before, after TaskAggregate) AggregateDelta {
	var r Rollup
	r.DurationHistogram = NewHistogram(nil)
	r.Remove(before)
	r.Add(after)
	return AggregateDelta{
		TaskID:       after.TaskID,
		EventID:      after.LastEventID,
		SuccessDelta: r.SuccessCount,
		FailureDelta: r.FailureCount,
		CostDeltaUSD: r.TotalCostUSD(),
	}
}
