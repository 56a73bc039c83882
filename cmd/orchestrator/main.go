package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentinelsec/sentinel/internal/api"
	appscanning "github.com/sentinelsec/sentinel/internal/app/scanning"
	"github.com/sentinelsec/sentinel/internal/config"
	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
	"github.com/sentinelsec/sentinel/internal/infra/process"
	"github.com/sentinelsec/sentinel/internal/infra/storage/scanning/memory"
	"github.com/sentinelsec/sentinel/internal/infra/storage/scanning/postgres"
	"github.com/sentinelsec/sentinel/pkg/common"
	"github.com/sentinelsec/sentinel/pkg/common/otel"
)

const serviceName = "sentinel-orchestrator"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("orchestrator exited", zap.Error(err))
	}
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer := noop.NewTracerProvider().Tracer(serviceName)
	if cfg.Telemetry.Enabled {
		tp, cleanup, err := otel.InitTelemetry(logger, otel.Config{
			ServiceName:      serviceName,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			Probability:      cfg.Telemetry.Probability,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			cleanup(shutdownCtx)
		}()
		tracer = tp.Tracer(serviceName)
	}

	mirror, cleanupMirror, err := buildMirror(ctx, cfg, tracer, logger)
	if err != nil {
		return err
	}
	defer cleanupMirror()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := appscanning.NewMetrics(reg)

	commands, err := buildCommandSet(cfg.Scan, logger)
	if err != nil {
		return err
	}

	orch := appscanning.NewOrchestrator(
		process.NewLauncher(logger, cfg.Scan.LineLimitBytes),
		mirror,
		commands,
		common.NewRateLimiter(cfg.Scan.LLMRatePerSecond, cfg.Scan.LLMBurst),
		cfg.Scan.LineLimitBytes,
		logger,
		tracer,
		metrics,
	)
	svc := appscanning.NewService(
		appscanning.NewRegistry(),
		orch,
		mirror,
		logger,
		metrics,
		domain.WithPayloadCap(cfg.Scan.PayloadCapBytes),
		domain.WithSubscriberBuffer(cfg.Scan.SubscriberBuffer),
	)

	server := api.NewServer(cfg.API.Addr(), logger, tracer, svc, reg)
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving api: %w", err)
	}

	logger.Info("shutting down, stopping running scans")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scan service shutdown incomplete", zap.Error(err))
	}
	return nil
}

// buildMirror wires the durable mirror: postgres when a DSN is configured,
// in-memory otherwise.
func buildMirror(ctx context.Context, cfg *config.Config, tracer trace.Tracer, logger *zap.Logger) (domain.Mirror, func(), error) {
	if cfg.Postgres.DSN == "" {
		logger.Info("no postgres dsn configured, using in-memory mirror")
		m := memory.NewMirror()
		return m, func() { _ = m.Close() }, nil
	}

	pool, err := postgres.ConnectWithRetry(ctx, cfg.Postgres.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Postgres.RunMigrations {
		if err := runMigrations(pool, cfg.Postgres.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database migrations applied")
	}

	m := postgres.NewMirror(pool, tracer, logger)
	cleanup := func() {
		if err := m.Close(); err != nil {
			logger.Warn("closing mirror", zap.Error(err))
		}
		pool.Close()
	}
	return m, cleanup, nil
}

func buildCommandSet(cfg config.Scan, logger *zap.Logger) (appscanning.CommandSet, error) {
	commands := appscanning.CommandSet{
		Default: cfg.WorkerCommand,
		PerRole: make(map[domain.WorkerRole][]string, len(cfg.WorkerCommands)),
	}
	for name, argv := range cfg.WorkerCommands {
		role, err := domain.ParseWorkerRole(name)
		if err != nil {
			return appscanning.CommandSet{}, fmt.Errorf("worker command override: %w", err)
		}
		if len(argv) == 0 {
			return appscanning.CommandSet{}, fmt.Errorf("worker command override for %s is empty", role)
		}
		commands.PerRole[role] = argv
	}
	logger.Info("worker commands resolved",
		zap.Strings("default", commands.Default),
		zap.Int("overrides", len(commands.PerRole)),
	)
	return commands, nil
}

func runMigrations(pool *pgxpool.Pool, dir string) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
