package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/driftline/notify-api/internal/config"
	"github.com/driftline/notify-api/internal/dispatch"
	"github.com/driftline/notify-api/internal/handlers"
	"github.com/driftline/notify-api/internal/middleware"
	"github.com/driftline/notify-api/internal/migration"
	"github.com/driftline/notify-api/internal/notification"
	"github.com/driftline/notify-api/internal/push"
	"github.com/driftline/notify-api/internal/realtime"
	"github.com/driftline/notify-api/internal/repository"
	"github.com/driftline/notify-api/internal/routes"
	"github.com/driftline/notify-api/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config        *config.Config
	db            *sql.DB
	logger        zerolog.Logger
	hub           *realtime.Hub
	notifications notification.Service
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

	// Repositories shared between the HTTP surface and the worker.
	notificationRepo := repository.NewNotificationRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	userRepo := repository.NewUserRepository(db)

	notificationService := notification.NewService(notificationRepo, logger)
	hub := realtime.NewHub(logger)

	app := &application{
		config:        cfg,
		db:            db,
		logger:        logger,
		hub:           hub,
		notifications: notificationService,
	}

	// Native push channel. Missing credentials disable this channel
	// only; realtime and email delivery keep working.
	var nativeChannel dispatch.NativeChannel
	if cfg.Push.Enabled {
		tokens, err := push.NewTokenSource(cfg.Push)
		if err != nil {
			logger.Error().Err(err).Msg("native push disabled")
		} else {
			nativeChannel = push.NewClient(cfg.Push, tokens, logger)
			logger.Info().Str("environment", cfg.Push.Environment).Str("topic", cfg.Push.Topic).Msg("native push enabled")
		}
	}

	// Optional email fallback stage.
	var mailer dispatch.Mailer
	if cfg.Email.Enabled {
		smtpMailer, err := notification.NewSMTPMailer(cfg.Email)
		if err != nil {
			logger.Error().Err(err).Msg("email fallback disabled")
		} else {
			mailer = smtpMailer
		}
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Notifications: notificationRepo,
		Devices:       deviceRepo,
		Users:         userRepo,
		Realtime:      hub,
		Native:        nativeChannel,
		Mailer:        mailer,
	}, logger)

	// Start the claim cycles.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveryWorker := worker.New(worker.Config{
		BatchSize:        cfg.Worker.ClaimBatchSize,
		ClaimInterval:    cfg.Worker.ClaimInterval,
		ReminderInterval: cfg.Worker.ReminderInterval,
		SweepInterval:    cfg.Worker.SweepInterval,
		InFlightMaxAge:   cfg.Worker.InFlightMaxAge,
		DispatchTimeout:  cfg.Worker.DispatchTimeout,
	}, notificationRepo, taskRepo, dispatcher, notificationService, logger)
	scheduler := deliveryWorker.Start(ctx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(db, deviceRepo)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"http://localhost:3000"}),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, scheduler, cancel)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(db *sql.DB, deviceRepo repository.DeviceRepository) http.Handler {
	authHandler := handlers.NewAuthHandler(db, app.config, app.logger)
	notificationHandler := handlers.NewNotificationHandler(app.notifications, app.logger)
	deviceHandler := handlers.NewDeviceHandler(deviceRepo, app.logger)

	return routes.NewRouter(authHandler, notificationHandler, deviceHandler, app.hub)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, scheduler *cron.Cron, cancelWorker context.CancelFunc) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		app.logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Stop the claim cycles and wait for in-progress ones to finish.
	app.logger.Info().Msg("Stopping worker...")
	cancelWorker()
	<-scheduler.Stop().Done()
	app.logger.Info().Msg("Worker stopped.")
}
