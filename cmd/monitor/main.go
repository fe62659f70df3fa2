package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/taskpulse/internal/api"
	"github.com/ahrav/taskpulse/internal/app/monitoring"
	"github.com/ahrav/taskpulse/internal/config"
	"github.com/ahrav/taskpulse/internal/config/envloader"
	"github.com/ahrav/taskpulse/internal/config/loaders"
	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/internal/infra/eventbus/kafka"
	"github.com/ahrav/taskpulse/internal/infra/eventbus/memory"
	"github.com/ahrav/taskpulse/internal/infra/storage"
	aggregateStore "github.com/ahrav/taskpulse/internal/infra/storage/aggregate/postgres"
	dedupMemory "github.com/ahrav/taskpulse/internal/infra/storage/dedup/memory"
	dedupPostgres "github.com/ahrav/taskpulse/internal/infra/storage/dedup/postgres"
	dedupRedis "github.com/ahrav/taskpulse/internal/infra/storage/dedup/redis"
	"github.com/ahrav/taskpulse/pkg/common/logger"
	"github.com/ahrav/taskpulse/pkg/common/otel"
)

const serviceType = "monitor"

var build = "develop"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	fs := pflag.NewFlagSet("taskpulse", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file; when empty the config comes from TASKPULSE_* env vars and flags")
	envloader.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loaders.Load(ctx, *configPath, fs)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Service.Build == "" {
		cfg.Service.Build = build
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	lg := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), svcName, traceIDFn, logEvents, metadata)
	if cfg.Log.OtelBridge {
		lg = logger.NewWithOtelBridge(lg, cfg.Service.Name)
	}

	if err := run(ctx, lg, cfg, hostname); err != nil {
		lg.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", cfg.Service.Build)

	// -------------------------------------------------------------------------
	// Telemetry
	tel, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ServiceVersion:   cfg.Service.Build,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Insecure:         cfg.Telemetry.Insecure,
		Probability:      cfg.Telemetry.SampleRate,
		ExcludedRoutes: map[string]struct{}{
			"/v1/liveness":  {},
			"/v1/readiness": {},
			"/metrics":      {},
		},
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		Prometheus: cfg.API.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	tracer := tel.TracerProvider.Tracer(cfg.Service.Name)

	monitorMetrics, err := monitoring.NewMonitorMetrics(tel.MeterProvider)
	if err != nil {
		return fmt.Errorf("creating monitor metrics: %w", err)
	}

	// -------------------------------------------------------------------------
	// Storage
	var probes []monitoring.Probe

	var repo domain.AggregateRepository
	var pgStore *dedupPostgres.Store
	if cfg.NeedsPostgres() {
		pool, err := storage.NewPostgresPool(ctx, storage.PoolConfig{
			DSN:      cfg.Postgres.DSN,
			MinConns: cfg.Postgres.MinConns,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		if cfg.Postgres.Migrate {
			if err := storage.RunMigrations(pool, cfg.Postgres.MigrationsDir); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			log.Info(ctx, "Migrations applied successfully")
		}

		if cfg.Aggregates.Persist {
			repo = aggregateStore.NewRepository(pool, tracer)
		}
		if cfg.Dedup.Backend == config.DedupBackendPostgres {
			pgStore = dedupPostgres.NewStore(pool, cfg.Dedup.Retention, tracer)
		}
	}

	var dedup domain.DedupStore
	switch cfg.Dedup.Backend {
	case config.DedupBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		dedup = dedupRedis.NewStore(client, cfg.Dedup.Retention, tracer, dedupRedis.WithKeyPrefix(cfg.Redis.KeyPrefix))
	case config.DedupBackendPostgres:
		dedup = pgStore
	default:
		dedup = dedupMemory.NewStore(cfg.Dedup.Retention)
	}
	probes = append(probes, monitoring.Probe{Name: "dedup", Check: dedup.Ping})
	log.Info(ctx, "dedup store ready", "backend", cfg.Dedup.Backend, "retention", cfg.Dedup.Retention)

	// -------------------------------------------------------------------------
	// Aggregation engine
	engineOpts := []monitoring.EngineOption{monitoring.WithEngineMetrics(monitorMetrics)}
	if repo != nil {
		engineOpts = append(engineOpts, monitoring.WithAggregateRepository(repo))
		probes = append(probes, monitoring.Probe{Name: "aggregate_repository", Check: repo.Ping})
	}
	engine, err := monitoring.NewEngine(monitoring.EngineConfig{
		HistogramBounds: cfg.Aggregates.HistogramBounds,
		Eviction:        monitoring.EvictionPolicy(cfg.Aggregates.Eviction),
		TTL:             cfg.Aggregates.TTL,
		MaxTasks:        cfg.Aggregates.MaxTasks,
		Shards:          cfg.Aggregates.Shards,
		RepoTimeout:     cfg.Aggregates.RepoTimeout,
	}, log, tracer, engineOpts...)
	if err != nil {
		return fmt.Errorf("creating aggregation engine: %w", err)
	}
	if _, err := engine.Restore(ctx); err != nil {
		return err
	}
	if err := monitorMetrics.RegisterViewGauges(engine.Snapshot); err != nil {
		return fmt.Errorf("registering rollup gauges: %w", err)
	}

	// -------------------------------------------------------------------------
	// Event stream
	var (
		source  domain.MessageSource
		sink    domain.DeadLetterSink
		closers []func() error
	)
	if cfg.Kafka.Enabled {
		busMetrics, err := kafka.NewBusMetrics(tel.MeterProvider)
		if err != nil {
			return fmt.Errorf("creating kafka metrics: %w", err)
		}

		conn, err := kafka.ConnectWithRetry(ctx, &kafka.ClientConfig{
			Brokers:       cfg.Kafka.Brokers,
			GroupID:       cfg.Kafka.GroupID,
			ClientID:      cfg.Kafka.ClientID,
			Version:       cfg.Kafka.Version,
			InitialOffset: cfg.Kafka.InitialOffset,
		}, cfg.Kafka.ConnectTimeout, log)
		if err != nil {
			return err
		}

		src := kafka.NewSource(kafka.SourceConfig{
			Topic:           cfg.Kafka.Topic,
			CommitInterval:  cfg.Kafka.CommitInterval,
			RedeliveryDelay: cfg.Kafka.RedeliveryDelay,
			Buffer:          cfg.Kafka.Buffer,
		}, conn.Client, conn.Group, log, tracer, kafka.WithSourceMetrics(busMetrics))
		src.Start(ctx)

		source = src
		sink = kafka.NewProducer(conn.Producer, cfg.Kafka.DeadLetterTopic, log, tracer, kafka.WithProducerMetrics(busMetrics))
		// The source leaves the group first so in-flight offsets are not committed
		// past unacknowledged messages.
		closers = append(closers, src.Close, conn.Close)
		probes = append(probes, monitoring.Probe{Name: "kafka", Check: src.Ping})
	} else {
		broker := memory.NewBroker(cfg.Kafka.DeadLetterTopic, memory.WithRedeliveryDelay(cfg.Kafka.RedeliveryDelay))
		sub := broker.Subscribe(cfg.Kafka.Topic)
		source, sink = sub, broker
		closers = append(closers, broker.Close)
		probes = append(probes, monitoring.Probe{Name: "broker", Check: sub.Ping})
		log.Warn(ctx, "kafka disabled, consuming from an in-memory broker")
	}
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Error(context.Background(), "failed to close event stream", "error", err)
			}
		}
	}()

	// -------------------------------------------------------------------------
	// Consumer, health and sweeper
	consumer := monitoring.NewConsumer(monitoring.ConsumerConfig{
		Workers:            cfg.Consumer.Workers,
		ReceiveTimeout:     cfg.Consumer.ReceiveTimeout,
		StoreTimeout:       cfg.Consumer.StoreTimeout,
		BackoffBase:        cfg.Consumer.BackoffBase,
		BackoffCeiling:     cfg.Consumer.BackoffCeiling,
		MaxRetries:         cfg.Consumer.MaxRetries,
		MaxEventsPerSecond: cfg.Consumer.MaxEventsPerSecond,
		RateBurst:          cfg.Consumer.RateBurst,
	}, source, dedup, engine, sink, log, tracer, monitoring.WithConsumerMetrics(monitorMetrics))

	healthMonitor := monitoring.NewHealthMonitor(monitoring.HealthConfig{
		LivenessTimeout:     cfg.Health.LivenessTimeout,
		ProbeTimeout:        cfg.Health.ProbeTimeout,
		ExhaustionThreshold: cfg.Health.ExhaustionThreshold,
		RetryingThreshold:   cfg.Health.RetryingThreshold,
	}, consumer, log, tracer, probes...)
	healthMonitor.Start(ctx)

	sweeper := monitoring.NewSweeper(cfg.Dedup.SweepInterval, dedup, engine, log, tracer,
		monitoring.WithSweeperMetrics(monitorMetrics))

	// -------------------------------------------------------------------------
	// API
	apiMetrics, err := api.NewAPIMetrics(tel.MeterProvider)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	deps := api.Deps{
		Health:         healthMonitor,
		Aggregator:     engine,
		Consumer:       consumer,
		Metrics:        apiMetrics,
		TracerProvider: tel.TracerProvider,
	}
	if cfg.API.Metrics {
		deps.MetricsHandler = promhttp.Handler()
	}
	server, err := api.NewServer(api.Config{
		Host:            cfg.API.Host,
		Port:            cfg.API.Port,
		Service:         cfg.Service.Name,
		Build:           cfg.Service.Build,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		Statsviz:        cfg.API.Statsviz,
	}, deps, log)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Run
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Start(gctx) })

	log.Info(ctx, "taskpulse running",
		"consumer_id", consumer.ID(),
		"kafka", cfg.Kafka.Enabled,
		"workers", cfg.Consumer.Workers,
	)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	view := engine.Snapshot()
	log.Info(context.Background(), "shutdown complete",
		"tasks", view.TaskCount,
		"events_applied", view.EventsApplied,
	)
	return nil
}
