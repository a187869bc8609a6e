package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/activityhub/event-processor/internal/app/dispatch"
	appprojection "github.com/activityhub/event-processor/internal/app/projection"
	"github.com/activityhub/event-processor/internal/config"
	"github.com/activityhub/event-processor/internal/config/fileloader"
	"github.com/activityhub/event-processor/internal/domain/events"
	"github.com/activityhub/event-processor/internal/infra/cdc"
	"github.com/activityhub/event-processor/internal/infra/eventbus/kafka"
	projectionStore "github.com/activityhub/event-processor/internal/infra/storage/projection/postgres"
	"github.com/activityhub/event-processor/pkg/common"
	"github.com/activityhub/event-processor/pkg/common/debug"
	"github.com/activityhub/event-processor/pkg/common/logger"
	"github.com/activityhub/event-processor/pkg/common/otel"
)

const serviceType = "event-processor"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

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

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("EVENT-PROCESSOR-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Error(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	prob := 1.0
	if ratio := os.Getenv("OTEL_SAMPLING_RATIO"); ratio != "" {
		prob, err = strconv.ParseFloat(ratio, 64)
		if err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
			"/debug":        {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(log, ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	go func() {
		debugHost := fmt.Sprintf("%s:%s", os.Getenv("DEBUG_HOST"), os.Getenv("DEBUG_PORT"))
		log.Info(ctx, "Debug router started", "host", debugHost)

		if err := http.ListenAndServe(debugHost, debug.Mux()); err != nil {
			log.Error(ctx, "Debug router closed", "host", debugHost, "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting event processor...")

	mp := otel.GetMeterProvider()
	metricCollector, err := dispatch.NewConsumerMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	userStore := projectionStore.NewUserStore(pool, tracer)
	activityStore := projectionStore.NewActivityStore(pool, tracer)
	statsStore := projectionStore.NewStatsStore(pool, tracer)

	// Registration order is execution order for handlers sharing an event
	// type: the row insert must land before the counter moves.
	registry := events.NewRegistry()
	registry.Register(appprojection.NewUserCreatedHandler(userStore, log, tracer))
	registry.Register(appprojection.NewUserStatsHandler(statsStore, log, tracer))
	registry.Register(appprojection.NewUserUpdatedHandler(userStore, log, tracer))
	registry.Register(appprojection.NewActivityCreatedHandler(activityStore, statsStore, log, tracer))
	registry.Register(appprojection.NewActivityUpdatedHandler(activityStore, log, tracer))
	registry.Register(appprojection.NewParticipantJoinedHandler(activityStore, log, tracer))

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		ClientID: svcName,
	})
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	source, err := kafka.ConnectStreamSource(&kafka.SourceConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		GroupID:      cfg.Kafka.GroupID,
		ClientID:     svcName,
		MaxBatchSize: cfg.Kafka.MaxBatchSize,
		MaxBatchWait: cfg.Kafka.MaxBatchWait,
	}, kafkaClient, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect stream source", "error", err)
		os.Exit(1)
	}

	consumer := dispatch.NewConsumer(
		svcName,
		source,
		registry,
		cdc.NewDecoder(),
		log,
		metricCollector,
		tracer,
		dispatch.Config{
			SummaryInterval:     cfg.Dispatch.SummaryInterval,
			DecodeFailurePolicy: dispatch.DecodeFailurePolicy(cfg.Dispatch.DecodeFailurePolicy),
		},
	)

	log.Info(ctx, "Dispatch consumer initialized", "topic", cfg.Kafka.Topic, "group_id", cfg.Kafka.GroupID)
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		ready.Store(false)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownTimeout)
		defer shutdownCancel()

		select {
		case err := <-errCh:
			if err != nil {
				log.Error(shutdownCtx, "Dispatch loop reported error during shutdown", "error", err)
			}
		case <-shutdownCtx.Done():
			log.Error(shutdownCtx, "Shutdown timed out before dispatch loop stopped")
		}

		if err := source.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close stream source", "error", err)
		}

	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "Dispatch loop error", "error", err)
			if closeErr := source.Close(); closeErr != nil {
				log.Error(ctx, "Failed to close stream source", "error", closeErr)
			}
			os.Exit(1)
		}
	}
}

// loadConfig reads configuration from CONFIG_PATH when set, otherwise it
// assembles one from environment variables.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return fileloader.NewFileLoader(path).Load(ctx)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := os.Getenv("POSTGRES_USER")
		password := os.Getenv("POSTGRES_PASSWORD")
		host := os.Getenv("POSTGRES_HOST")
		dbname := os.Getenv("POSTGRES_DB")

		if user == "" {
			user = "postgres"
		}
		if password == "" {
			password = "postgres"
		}
		if host == "" {
			host = "postgres"
		}
		if dbname == "" {
			dbname = "activity"
		}

		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	cfg := &config.Config{
		Kafka: config.KafkaConfig{
			Brokers: strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
			Topic:   os.Getenv("KAFKA_TOPIC"),
			GroupID: os.Getenv("KAFKA_GROUP_ID"),
		},
		Postgres: config.PostgresConfig{DSN: dsn},
		Dispatch: config.DispatchConfig{
			DecodeFailurePolicy: os.Getenv("DECODE_FAILURE_POLICY"),
		},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runMigrations uses golang-migrate to apply all up migrations. The path
// defaults to the container layout and can be overridden with
// MIGRATIONS_PATH for local runs.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file:///app/db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
