package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genbatch/internal/config"
	"genbatch/internal/engine"
	"genbatch/internal/generate"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the Redis chunk queue
	chunkQueue, err := queue.NewRedis(ctx, queue.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chunk queue: %w", err)
	}

	appLogger.Info("Chunk queue connection established",
		slog.String("addr", cfg.Redis.Addr),
	)

	// Progress events go to RabbitMQ when the broker is enabled so the
	// API service can relay them to SSE clients.
	var sink progress.Sink = progress.NopSink{}
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = rabbitmq.NewClient(&rabbitmq.Config{
			Host:              cfg.RabbitMQ.Host,
			Port:              cfg.RabbitMQ.Port,
			User:              cfg.RabbitMQ.User,
			Password:          cfg.RabbitMQ.Password,
			VHost:             cfg.RabbitMQ.VHost,
			ExchangeName:      cfg.RabbitMQ.Exchange,
			RetryAttempts:     cfg.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:     cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:         cfg.RabbitMQ.Connection.Heartbeat,
			ConnectionTimeout: cfg.RabbitMQ.Connection.ConnectionTimeout,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		sink = progress.NewAMQPSink(rabbitClient, appLogger.Logger)
	}

	// Storage, generator, janitor and the worker pool
	jobStore := store.NewStorage(dbClient)
	generator, err := buildGenerator(&cfg.Generator)
	if err != nil {
		return fmt.Errorf("failed to build generator: %w", err)
	}

	janitor := engine.NewJanitor(jobStore, chunkQueue, appLogger.Logger, engine.JanitorConfig{
		Interval:        cfg.Engine.JanitorInterval,
		BootDelay:       cfg.Engine.JanitorDelay,
		CleanupAttempts: cfg.Engine.CleanupAttempts,
		CleanupPause:    cfg.Engine.CleanupPause,
		LeaseTimeout:    cfg.Engine.LeaseTimeout,
	})

	pool := engine.NewPool(jobStore, chunkQueue, generator, sink, janitor, appLogger.Logger, engine.PoolConfig{
		Concurrency:  cfg.Engine.Concurrency,
		MaxRetries:   cfg.Engine.MaxRetries,
		BackoffBase:  cfg.Engine.BackoffBase,
		CleanupDelay: cfg.Engine.CleanupDelay,
	})

	pool.Start(ctx)
	go janitor.Run(ctx)

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Engine.Concurrency),
		slog.String("generator", cfg.Generator.Backend),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Cancel context to stop the pool and janitor
	cancel()

	// Give workers time to finish their current items
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		chunkQueue.Close()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// buildGenerator selects the text generation backend from config.
func buildGenerator(cfg *config.GeneratorConfig) (generate.Generator, error) {
	switch cfg.Backend {
	case "openai":
		return generate.NewOpenAIClient(generate.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	default:
		return &generate.Stub{Delay: cfg.StubDelay}, nil
	}
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

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
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

	return postgresql.NewClient(dbConfig, logger)
}
