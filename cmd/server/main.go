package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/toolhub/export-engine/internal/config"
	"github.com/toolhub/export-engine/internal/export"
	"github.com/toolhub/export-engine/internal/handler"
	"github.com/toolhub/export-engine/internal/middleware"
	"github.com/toolhub/export-engine/internal/registry"
	"github.com/toolhub/export-engine/internal/retention"
	"github.com/toolhub/export-engine/internal/runner"
	"github.com/toolhub/export-engine/internal/service"
	"github.com/toolhub/export-engine/internal/storage"
	"github.com/toolhub/export-engine/internal/store"
	"github.com/toolhub/export-engine/internal/worker"
	ws "github.com/toolhub/export-engine/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := newLogger(cfg.Server.LogLevel)

	// Initialize Redis client (asynq transport + rate-limit counters)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
	}

	// Initialize the job store
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).Fatal("Failed to create database directory")
		}
	}
	jobStore, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to open job store")
	}

	// Tool registry shares the store's database
	toolRegistry := registry.NewGormRegistry(jobStore.DB())

	// Package storage backend
	packageStorage, err := newStorage(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize package storage")
	}

	// Initialize Asynq client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(log)
	go hub.Run()

	// Services
	exportService := service.NewExportService(
		jobStore, toolRegistry, asynqClient,
		export.StepNames(), cfg.Export.RetentionDays, log,
	)

	// Handlers
	exportHandler := handler.NewExportHandler(exportService, packageStorage, validate)

	// Middleware
	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		log.Info("Gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,Range",
	}))

	// Health check
	app.Get("/health", handler.Health(jobStore, packageStorage, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))

	// API routes
	api := app.Group("/api", apiAuth)

	exp := api.Group("/export")
	exp.Post("/:toolId/start", rateLimiter.StartLimit(cfg.RateLimit.StartsPerHour), exportHandler.Start)
	exp.Get("/jobs", exportHandler.List)
	exp.Get("/jobs/:jobId", exportHandler.Status)
	exp.Post("/jobs/:jobId/cancel", exportHandler.Cancel)
	exp.Delete("/jobs/:jobId", exportHandler.Delete)
	exp.Get("/jobs/:jobId/download", exportHandler.Download)

	// WebSocket progress stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Start Asynq worker server and retention scheduler
	srv, scheduler := newWorkerServer(cfg, redisOpt, log)
	go func() {
		if err := srv.Run(newWorkerMux(jobStore, toolRegistry, packageStorage, hub, log)); err != nil {
			log.WithError(err).Error("Asynq worker error")
		}
	}()
	go func() {
		if err := scheduler.Run(); err != nil {
			log.WithError(err).Error("Asynq scheduler error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")
		scheduler.Shutdown()
		srv.Shutdown()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.WithField("addr", addr).Info("Server starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("Server error")
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	if strings.EqualFold(cfg.Storage.Driver, "s3") {
		return storage.NewS3(&cfg.Storage.S3)
	}
	return storage.NewLocal(cfg.Storage.LocalDir)
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, log *logrus.Logger) (*asynq.Server, *asynq.Scheduler) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Export.Concurrency,
		Queues: map[string]int{
			service.QueueExport: 6,
			"maintenance":       1,
		},
	})

	scheduler := asynq.NewScheduler(redisOpt, nil)
	sweepTask := asynq.NewTask(retention.TaskTypeSweep, nil, asynq.Queue("maintenance"))
	every := cfg.Export.SweepInterval
	if every < time.Minute {
		every = time.Minute
	}
	if _, err := scheduler.Register("@every "+every.String(), sweepTask); err != nil {
		log.WithError(err).Fatal("Failed to register retention sweep")
	}

	return srv, scheduler
}

func newWorkerMux(
	jobStore *store.Store,
	toolRegistry registry.Registry,
	packageStorage storage.Storage,
	hub *ws.Hub,
	log *logrus.Logger,
) *asynq.ServeMux {
	jobRunner := runner.New(jobStore, packageStorage, hub, log)
	exportWorker := worker.NewExportWorker(jobRunner, toolRegistry, packageStorage, log)
	sweeper := retention.NewSweeper(jobStore, packageStorage, log)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeExport, exportWorker.ProcessTask)
	mux.HandleFunc(retention.TaskTypeSweep, sweeper.ProcessTask)
	return mux
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
