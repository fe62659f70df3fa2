package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// ErrNotAlive is returned when the watchdog does not answer in time.
var ErrNotAlive = errors.New("liveness watchdog did not respond")

// HealthConfig configures liveness and readiness evaluation.
type HealthConfig struct {
	LivenessTimeout     time.Duration
	ProbeTimeout        time.Duration
	ExhaustionThreshold int
	RetryingThreshold   time.Duration
}

// DefaultHealthConfig returns the health defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		LivenessTimeout:     500 * time.Millisecond,
		ProbeTimeout:        2 * time.Second,
		ExhaustionThreshold: 3,
		RetryingThreshold:   30 * time.Second,
	}
}

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ConsumerStatsProvider exposes the consumer state readiness depends on.
type ConsumerStatsProvider interface {
	Stats() ConsumerStats
}

// ReadinessReport is the result of a readiness evaluation.
type ReadinessReport struct {
	Ready  bool
	Reason string
	Checks map[string]string
}

// HealthMonitor answers liveness and readiness questions for the service.
// Liveness is served by its own goroutine so that it keeps answering while
// the broker or stores are unavailable.
type HealthMonitor struct {
	cfg      HealthConfig
	probes   []Probe
	consumer ConsumerStatsProvider

	livenessReq chan chan struct{}
	startOnce   sync.Once

	timeProvider timeProvider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHealthMonitor returns a monitor. Call Start before asking for liveness.
func NewHealthMonitor(
	cfg HealthConfig,
	consumer ConsumerStatsProvider,
	logger *logger.Logger,
	tracer trace.Tracer,
	probes ...Probe,
) *HealthMonitor {
	return &HealthMonitor{
		cfg:          cfg,
		probes:       probes,
		consumer:     consumer,
		livenessReq:  make(chan chan struct{}),
		timeProvider: realTimeProvider{},
		logger:       logger.With("component", "health_monitor"),
		tracer:       tracer,
	}
}

// Start runs the liveness watchdog until ctx is done.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go h.watchdog(ctx)
	})
}

func (h *HealthMonitor) watchdog(ctx context.Context) {
	h.logger.Info(ctx, "liveness watchdog started")
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-h.livenessReq:
			close(reply)
		}
	}
}

// Liveness reports whether the watchdog answered within LivenessTimeout.
func (h *HealthMonitor) Liveness(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.LivenessTimeout)
	defer cancel()

	reply := make(chan struct{})
	select {
	case h.livenessReq <- reply:
	case <-ctx.Done():
		return ErrNotAlive
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ErrNotAlive
	}
}

// Readiness runs every probe concurrently, each bounded by ProbeTimeout, and
// checks whether the consumer is degraded.
func (h *HealthMonitor) Readiness(ctx context.Context) ReadinessReport {
	ctx, span := h.tracer.Start(ctx, "health_monitor.readiness")
	defer span.End()

	report := ReadinessReport{Ready: true, Checks: make(map[string]string, len(h.probes)+1)}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []string
	)
	for _, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			defer cancel()

			err := runProbe(pctx, p)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Checks[p.Name] = err.Error()
				failures = append(failures, fmt.Sprintf("%s unreachable", p.Name))
				return
			}
			report.Checks[p.Name] = "ok"
		}()
	}
	wg.Wait()

	if h.consumer != nil {
		if degraded, reason := h.Degraded(h.consumer.Stats()); degraded {
			report.Checks["consumer"] = reason
			failures = append(failures, "consumer degraded: "+reason)
		} else {
			report.Checks["consumer"] = "ok"
		}
	}

	if len(failures) > 0 {
		sort.Strings(failures)
		report.Ready = false
		report.Reason = strings.Join(failures, "; ")
		span.SetAttributes(attribute.String("reason", report.Reason))
		h.logger.Warn(ctx, "service not ready", "reason", report.Reason)
	}
	span.SetAttributes(attribute.Bool("ready", report.Ready))
	return report
}

// runProbe returns the probe's error, or the context error if the probe does
// not return before the deadline.
func runProbe(ctx context.Context, p Probe) error {
	done := make(chan error, 1)
	go func() { done <- p.Check(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("probe timed out: %w", ctx.Err())
	}
}

// Degraded reports whether the consumer's recent history should take the
// service out of rotation.
func (h *HealthMonitor) Degraded(stats ConsumerStats) (bool, string) {
	if h.cfg.ExhaustionThreshold > 0 && stats.ConsecutiveExhaustions >= int64(h.cfg.ExhaustionThreshold) {
		return true, fmt.Sprintf("%d consecutive messages exhausted their retries", stats.ConsecutiveExhaustions)
	}

	if h.cfg.RetryingThreshold > 0 {
		now := h.timeProvider.Now()
		for _, w := range stats.Workers {
			if w.RetryingSince.IsZero() {
				continue
			}
			if d := now.Sub(w.RetryingSince); d >= h.cfg.RetryingThreshold {
				return true, fmt.Sprintf("worker %d retrying for %s", w.Index, d.Truncate(time.Millisecond))
			}
		}
	}
	return false, ""
}
