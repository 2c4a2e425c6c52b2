package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"soundreach/config"
	"soundreach/engine"
	"soundreach/middleware"
	"soundreach/routes"
	"soundreach/utils"
	"soundreach/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if config.AppConfig.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			log.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	db := config.DB

	var locker engine.Locker = engine.NewLocalLocker()
	if config.AppConfig.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		locker = engine.NewRedisLocker(rdb, 2*time.Minute)
		log.Info("Using Redis advisory locks")
	}

	sender := utils.NewSMTPSender(config.AppConfig.SMTP)
	generator := utils.NewLLMClient(config.AppConfig.LLM)

	engCfg := config.AppConfig.Engine
	opts := engine.DefaultOptions()
	opts.DraftTTL = time.Duration(engCfg.DraftTTLHours) * time.Hour
	opts.MaxRetryAttempts = engCfg.MaxRetryAttempts
	opts.BackoffBase = time.Duration(engCfg.BackoffBaseSeconds) * time.Second
	opts.BackoffCap = time.Duration(engCfg.BackoffCapSeconds) * time.Second
	opts.AutoApprovalWindow = engCfg.AutoApprovalWindow
	opts.AutoApprovalThreshold = engCfg.AutoApprovalThreshold
	opts.OutOfOfficeDelayDays = engCfg.OutOfOfficeDelayDays
	opts.TriggerWindow = engCfg.TriggerInterval
	opts.TickBatchSize = engCfg.TickBatchSize
	opts.BusinessTZ = engCfg.BusinessTZ
	opts.TrackingBase = engCfg.TrackingBase
	opts.FromEmail = config.AppConfig.SMTP.FromEmail
	opts.FromName = config.AppConfig.SMTP.FromName

	eng, err := engine.New(db, opts, engine.SystemClock{}, locker, sender, generator, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to build engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := utils.NewIMAPReader(config.AppConfig.IMAP)
	go worker.NewSchedulerWorker(eng, engCfg.TickInterval, log).Start(ctx)
	go worker.NewMailboxWorker(db, eng, reader, config.AppConfig.IMAP.Mailbox, engCfg.MailboxPollInterval, log).Start(ctx)
	go worker.NewTriggerWorker(eng, engCfg.TriggerInterval, log).Start(ctx)
	go worker.NewReaperWorker(eng, engCfg.ReaperInterval, log).Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:      "Soundreach Outreach Engine",
		ErrorHandler: errorHandler(log),
	})
	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC()})
	})

	routes.Setup(app, db, eng, log)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down...")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	addr := ":" + config.AppConfig.ServerPort
	log.WithField("addr", addr).Info("Starting server")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
}

func errorHandler(log *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		if code >= 500 {
			log.WithError(err).WithField("path", c.Path()).Error("Request failed")
			sentry.CaptureException(err)
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
