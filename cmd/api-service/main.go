package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"genbatch/internal/api/handler"
	"genbatch/internal/api/router"
	"genbatch/internal/config"
	"genbatch/internal/engine"
	"genbatch/internal/ingest"
	"genbatch/internal/migrate"
	"genbatch/internal/progress"
	"genbatch/internal/queue"
	"genbatch/internal/store"
	"genbatch/shared/logger"
	"genbatch/shared/postgresql"
	"genbatch/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client and apply migrations
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := migrate.Run(buildDatabaseConfig(&cfg.Database).DSN()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	appLogger.Info("Database connection established, migrations applied")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Initialize the Redis chunk queue
	chunkQueue, err := queue.NewRedis(rootCtx, queue.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chunk queue: %w", err)
	}
	defer chunkQueue.Close()

	appLogger.Info("Chunk queue connection established",
		slog.String("addr", cfg.Redis.Addr),
	)

	// Progress hub, optionally fed by the RabbitMQ relay so events from
	// the worker service reach SSE clients here.
	hub := progress.NewHub(appLogger.Logger)
	defer hub.Shutdown()

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = rabbitmq.NewClient(&rabbitmq.Config{
			Host:              cfg.RabbitMQ.Host,
			Port:              cfg.RabbitMQ.Port,
			User:              cfg.RabbitMQ.User,
			Password:          cfg.RabbitMQ.Password,
			VHost:             cfg.RabbitMQ.VHost,
			ExchangeName:      cfg.RabbitMQ.Exchange,
			QueueName:         cfg.RabbitMQ.Queue,
			RetryAttempts:     cfg.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:     cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:         cfg.RabbitMQ.Connection.Heartbeat,
			ConnectionTimeout: cfg.RabbitMQ.Connection.ConnectionTimeout,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		go func() {
			if err := progress.RunRelay(rootCtx, rabbitClient, hub, "genbatch-api", appLogger.Logger); err != nil {
				appLogger.Error("Progress relay failed",
					slog.Any("error", err),
				)
			}
		}()
	}

	// Storage, janitor and controller
	jobStore := store.NewStorage(dbClient)
	janitor := engine.NewJanitor(jobStore, chunkQueue, appLogger.Logger, engine.JanitorConfig{
		Interval:        cfg.Engine.JanitorInterval,
		BootDelay:       cfg.Engine.JanitorDelay,
		CleanupAttempts: cfg.Engine.CleanupAttempts,
		CleanupPause:    cfg.Engine.CleanupPause,
		LeaseTimeout:    cfg.Engine.LeaseTimeout,
	})

	// The controller publishes lifecycle events both to local SSE clients
	// and to the broker for other processes.
	var sink progress.Sink = hub
	if rabbitClient != nil {
		sink = progress.MultiSink{hub, progress.NewAMQPSink(rabbitClient, appLogger.Logger)}
	}

	controller := engine.NewController(jobStore, chunkQueue, sink, janitor, appLogger.Logger, engine.ControllerConfig{
		ChunkSize:    cfg.Engine.ChunkSize,
		CleanupDelay: cfg.Engine.CleanupDelay,
	})

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:     appLogger.Logger,
		DBClient:   dbClient,
		Store:      jobStore,
		Controller: controller,
		Hub:        hub,
		Ingest:     ingest.Options{MaxItems: cfg.Ingest.MaxItems},
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	rootCancel()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

func buildDatabaseConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(buildDatabaseConfig(cfg), logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
