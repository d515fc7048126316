package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/migrations"
	_ "github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-ingest/pkg/config"
	"github.com/ekaya-inc/ekaya-ingest/pkg/crypto"
	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
	"github.com/ekaya-inc/ekaya-ingest/pkg/handlers"
	"github.com/ekaya-inc/ekaya-ingest/pkg/lease"
	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
	"github.com/ekaya-inc/ekaya-ingest/pkg/middleware"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi"
	"github.com/ekaya-inc/ekaya-ingest/pkg/repositories"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services/workqueue"
	"github.com/ekaya-inc/ekaya-ingest/pkg/storage"
	"github.com/ekaya-inc/ekaya-ingest/pkg/stream"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("nifi", cfg.NiFi.BaseURL),
		zap.String("database", cfg.Database.Host),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("redis_leases", cfg.Redis.Host != ""))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metadata store
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	stdDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(stdDB, migrations.FS, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = stdDB.Close()

	m, err := metrics.New()
	if err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to create credential encryptor", zap.Error(err))
	}

	// Broker: dataset topics and, for the objectstore backend, artifacts
	conn, err := stream.Connect(ctx, stream.ConnConfig{
		URL:   cfg.NATS.URL,
		Token: cfg.NATS.Token,
		Name:  "ekaya-ingest",
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer conn.Close()

	store, err := storage.New(ctx, &cfg.Storage, conn.JS, m, logger)
	if err != nil {
		logger.Fatal("Failed to open artifact storage", zap.Error(err))
	}

	leases, err := newLeaseManager(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up monitor leases", zap.Error(err))
	}

	engine, err := nifi.NewClient(nifi.Config{
		BaseURL:     cfg.NiFi.BaseURL,
		Username:    cfg.NiFi.Username,
		Password:    cfg.NiFi.Password,
		RootGroupID: cfg.NiFi.RootGroupID,
		CACertPath:  cfg.NiFi.CACertPath,
		Timeout:     cfg.NiFi.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create flow engine client", zap.Error(err))
	}

	queue := workqueue.New(logger,
		workqueue.WithStrategy(workqueue.NewLimitedStrategy(map[workqueue.Kind]int{
			workqueue.KindIngestion: cfg.Ingestion.MaxConcurrent,
		})),
		workqueue.WithRetryConfig(workqueue.RetryConfig{
			MaxRetries:     cfg.Tasks.MaxRetries,
			InitialBackoff: cfg.Tasks.InitialBackoff,
			MaxBackoff:     cfg.Tasks.MaxBackoff,
			BackoffFactor:  2.0,
		}))

	scopes := database.NewScopeProvider(db)
	connRepo := repositories.NewConnectionRepository()
	datasetRepo := repositories.NewDatasetRepository()

	teardown := services.NewTeardownCoordinator(cfg.NiFi.RevisionRetries, m, logger)
	pipeline := services.NewIngestionPipeline(services.IngestionConfig{
		BatchSize:   cfg.Ingestion.BatchSize,
		StorageRoot: cfg.Storage.Root,
	}, queue, stream.NewJetStreamSource(conn.JS, cfg.Ingestion.FetchWait, logger), store,
		scopes, connRepo, datasetRepo, m, logger)
	monitor := services.NewCompletionMonitor(cfg.Monitor, queue, engine, teardown, scopes, connRepo,
		leases, pipeline, m, logger)
	provisioner := services.NewFlowProvisioner(services.ProvisionerConfig{
		Templates:             cfg.NiFi.Templates,
		ServiceSettleInterval: cfg.NiFi.ServiceSettleInterval,
		RevisionRetries:       cfg.NiFi.RevisionRetries,
		CleanupTimeout:        cfg.NiFi.CleanupTimeout,
	}, engine, teardown, scopes, connRepo, encryptor, monitor, m, logger)
	connectionService := services.NewConnectionService(provisioner, monitor, pipeline, teardown, engine,
		scopes, connRepo, datasetRepo, logger)

	if err := connectionService.Recover(ctx); err != nil {
		logger.Error("Failed to recover in-flight connections", zap.Error(err))
	}

	mux := http.NewServeMux()

	// Register handlers
	handlers.NewHealthHandler(cfg, db, queue, m.Handler(), logger).RegisterRoutes(mux)
	handlers.NewConnectionsHandler(connectionService, logger).RegisterRoutes(mux)
	handlers.NewSourcesHandler(connectionService, logger).RegisterRoutes(mux)
	handlers.NewArtifactsHandler(store, logger).RegisterRoutes(mux)
	handlers.NewTasksHandler(queue, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.Recover(logger)(middleware.RequestLogger(logger, m)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting ekaya-ingest",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	// Monitors stop without tearing flows down; Recover resumes them on the next start.
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background tasks did not stop cleanly", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newLeaseManager uses Redis when configured so several instances can share
// one metadata store; otherwise leases are held in-process.
func newLeaseManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lease.Manager, error) {
	client, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		logger.Info("Redis not configured, using in-process monitor leases")
		return lease.NewMemoryManager(), nil
	}
	return lease.NewRedisManager(client, "ekaya-ingest:lease:"), nil
}
