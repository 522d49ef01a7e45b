package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/alarm"
	"github.com/24AWP-FAVICON/alarm-server/internal/broker"
	"github.com/24AWP-FAVICON/alarm-server/internal/config"
	"github.com/24AWP-FAVICON/alarm-server/internal/handlers"
	"github.com/24AWP-FAVICON/alarm-server/internal/middleware"
	"github.com/24AWP-FAVICON/alarm-server/internal/migration"
	"github.com/24AWP-FAVICON/alarm-server/internal/repository"
	"github.com/24AWP-FAVICON/alarm-server/internal/routes"
	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config   *config.Config
	db       *sql.DB
	logger   zerolog.Logger
	broker   *broker.RabbitMQ
	registry *alarm.Registry
	alarms   alarm.Service
	checks   map[string]handlers.HealthCheckFunc
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	goose.SetLogger(migration.NewGooseAdapter(logger))

	// Load configuration.
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	// Connect to the durable log.
	rabbit, err := broker.Dial(cfg.Broker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer rabbit.Close()

	// Initialize the replay cache and connection registry.
	cache, cachePing, closeCache := newReplayCache(cfg, logger)
	defer closeCache()
	registry := alarm.NewRegistry(cache, cfg.Replay.PruneInterval, logger)

	// Initialize alarm delivery.
	producer := alarm.NewProducer(registry, rabbit, logger)
	alarmService := alarm.NewService(
		repository.NewAlarmRepository(db),
		repository.NewSettingsRepository(db),
		repository.NewUserRepository(db),
		producer,
		registry,
		logger,
	)

	app := &application{
		config:   cfg,
		db:       db,
		logger:   logger,
		broker:   rabbit,
		registry: registry,
		alarms:   alarmService,
		checks: map[string]handlers.HealthCheckFunc{
			"database":     db.PingContext,
			"broker":       rabbit.Ping,
			"replay_cache": cachePing,
		},
	}

	// Start the consumer and the replay cache janitor.
	ctx, cancel := context.WithCancel(context.Background())
	background := app.startBackground(ctx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORS.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization", "Last-Event-ID"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, logger)

	cancel()
	background.Wait()

	logger.Info().Msg("Application terminated.")
}

func newReplayCache(cfg *config.Config, logger zerolog.Logger) (alarm.ReplayCache, handlers.HealthCheckFunc, func()) {
	if cfg.Replay.Backend != "redis" {
		logger.Info().Int("capacity", cfg.Replay.Capacity).Msg("Using in-memory replay cache")
		noop := func(context.Context) error { return nil }
		return alarm.NewMemoryReplayCache(cfg.Replay.Capacity, cfg.Replay.Window), noop, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to ping Redis")
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis replay cache")
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return alarm.NewRedisReplayCache(client, cfg.Replay.Capacity, cfg.Replay.Window), ping, func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("Redis close error")
		}
	}
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	authHandler := handlers.NewAuthHandler(app.config.JWTSecret, app.logger)
	alarmHandler := handlers.NewAlarmHandler(app.alarms, app.config.Stream.Timeout, app.config.Stream.WriteTimeout, app.logger)
	internalHandler := handlers.NewInternalHandler(app.alarms, app.logger)

	return routes.NewRouter(handlers.HealthCheck(app.checks, app.logger), authHandler, alarmHandler, internalHandler, app.config.InternalToken)
}

func (app *application) startBackground(ctx context.Context) *sync.WaitGroup {
	deliveries, err := app.broker.Consume("alarm-server")
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Failed to start alarm consumer")
	}
	consumer := alarm.NewConsumer(deliveries, app.alarms, app.config.Broker.Workers, app.config.Broker.Prefetch, app.logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error().Err(err).Msg("Alarm consumer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := app.registry.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error().Err(err).Msg("Replay cache janitor stopped")
		}
	}()
	return &wg
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Live streams never finish on their own; close them so Shutdown can drain.
	app.registry.Close()

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
}
