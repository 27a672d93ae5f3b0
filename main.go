package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crmflow/config"
	"crmflow/middleware"
	"crmflow/routes"
	"crmflow/utils"
	"crmflow/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Error reporting
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Failed to initialize Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	// Optional Redis client for the processing lease
	var rdb *redis.Client
	if config.AppConfig.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core processor plus background workers
	mailer := utils.NewSMTPMailer(logger)
	processor := worker.NewSequenceProcessor(config.DB, mailer, logger, config.AppConfig.TrackingBaseURL)

	sequenceWorker := worker.NewSequenceWorker(
		processor, rdb, logger,
		config.AppConfig.SequenceCronSpec,
		config.AppConfig.SequenceBatchLimit,
	)
	go func() {
		if err := sequenceWorker.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start sequence worker")
		}
	}()

	replyWorker := worker.NewReplyWorker(
		config.DB, logger,
		time.Duration(config.AppConfig.ReplyPollMinutes)*time.Minute,
	)
	go replyWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())
	routes.SetupRoutes(app, config.DB, processor, mailer, config.AppConfig.SequenceBatchLimit, logger)

	// Shut the workers down on SIGINT/SIGTERM
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("Shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	logger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
}
