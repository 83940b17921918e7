package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chirp/internal/api"
	"chirp/internal/api/middleware"
	"chirp/internal/config"
	"chirp/internal/db"
	"chirp/internal/drip"
	"chirp/internal/handlers"
	"chirp/internal/models"
	"chirp/internal/ratelimit"
	"chirp/internal/routes"
	"chirp/internal/services"
	"chirp/internal/tasks"
	"chirp/internal/utils"
	"chirp/internal/utils/logger"
	"chirp/internal/whatsapp"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 🚀 Main function
// @title Chirp API
// @version 2.0
// @description WhatsApp drip campaigns, contact imports and engagement analytics
// @BasePath /api/v2

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

func main() {
	logger := logger.New("chirp")

	// check if .env file exists
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		logger.Info("No .env file found, skipping environment variable loading")
	} else {
		logger.Info("Loading environment variables from .env file")
		if err := godotenv.Load(); err != nil {
			log.Fatalf("Failed to load environment variables: %v", err)
		}
	}

	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error("Failed to close database connection: %v", err)
		}
	}()

	if seeded, err := models.SeedOwnerFromEnv(database); err != nil {
		logger.Error("Failed to seed owner: %v", err)
	} else if seeded {
		logger.Success("Seeded owner account from environment")
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create zap logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	// Redis for the rate limiter. Without it every limit fails open.
	var (
		redisClient *utils.RedisClient
		scripter    redis.Scripter
	)
	if cfg.Redis.Enabled() {
		redisClient = utils.NewRedisClient(cfg.Redis)
		defer redisClient.Close()
		scripter = redisClient.Client

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unreachable, rate limits fail open until it is back: %v", err)
		}
		cancel()
	}
	limiter := ratelimit.NewLimiter(scripter)

	// Queue and domain services
	redisOpt := tasks.RedisOpt(cfg.Redis)
	manager := tasks.NewManager(redisOpt, cfg.Queue)
	defer manager.Close()

	store, err := services.NewObjectStore(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	dripStore := drip.NewGormStore(database)
	processor := drip.NewProcessor(dripStore, manager, whatsapp.NewClient(cfg.WhatsApp), drip.Options{
		BatchSize:    cfg.Drip.BatchSize,
		LogRetention: time.Duration(cfg.Drip.LogRetentionDays) * 24 * time.Hour,
		SendRate:     cfg.WhatsApp.SendRate,
		SendBurst:    cfg.WhatsApp.SendBurst,
		BaseURL:      cfg.Server.BaseURL,
	})
	tracker := drip.NewTracker(dripStore)

	orgs := services.NewOrganizationService(database)
	contacts := services.NewContactService(database, store, manager, cfg.Import.DefaultRegion)
	campaigns := services.NewCampaignService(database, dripStore, processor)

	// Workers
	taskHandler := tasks.NewTaskHandler(manager, contacts, processor, zlog)
	taskHandler.Register()
	taskServer := tasks.NewServer(redisOpt, cfg.Worker.Concurrency, manager, zlog)
	if err := taskServer.Start(); err != nil {
		log.Fatalf("Task server error: %v", err)
	}

	// Periodic work: asynq's Redis-backed scheduler, or in-process cron
	var stopScheduler func()
	switch cfg.Drip.Scheduler {
	case "cron":
		c := drip.NewCron(tasks.TimeoutMedium)
		if err := c.Add(cfg.Drip.ProcessSpec, "drip:process", func(ctx context.Context) error {
			_, err := processor.Run(ctx)
			return err
		}); err != nil {
			log.Fatalf("Failed to schedule drip processor: %v", err)
		}
		if err := c.Add(cfg.Drip.MaintenanceSpec, "queue:clean", func(ctx context.Context) error {
			return taskHandler.CleanQueues(ctx, cfg.Queue.Retention, 0)
		}); err != nil {
			log.Fatalf("Failed to schedule queue cleanup: %v", err)
		}
		c.Start()
		stopScheduler = c.Stop
	default:
		scheduler := tasks.NewScheduler(redisOpt, manager)
		if err := scheduler.RegisterDefaults(cfg.Drip.ProcessSpec, cfg.Drip.MaintenanceSpec, cfg.Queue.Retention); err != nil {
			log.Fatalf("Failed to register periodic tasks: %v", err)
		}
		if err := scheduler.Start(); err != nil {
			log.Fatalf("Task scheduler error: %v", err)
		}
		stopScheduler = scheduler.Stop
	}

	// Initialize API server
	apiServer := api.NewServer(cfg, database, redisClient, routes.Deps{
		Auth:       middleware.NewAuthMiddleware(cfg.JWT.Secret, orgs),
		Plans:      orgs,
		Limiter:    limiter,
		CronSecret: cfg.Server.CronSecret,

		Users:         handlers.NewAuthHandler(services.NewAuthService(database, cfg.JWT.Secret)),
		Organizations: handlers.NewOrganizationHandler(orgs),
		Contacts:      handlers.NewContactHandler(contacts, orgs, cfg.Import.MaxFileSize),
		Campaigns:     handlers.NewCampaignHandler(campaigns, orgs),
		Jobs:          handlers.NewJobHandler(manager, cfg.Queue.Retention),
		APIKeys:       handlers.NewAPIKeyHandler(orgs),
		Webhooks:      handlers.NewWebhookHandler(cfg.WhatsApp.AppSecret, cfg.WhatsApp.VerifyToken, tracker),
		Tracking:      handlers.NewTrackingHandler(tracker),
		Cron:          handlers.NewCronHandler(processor),
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the servers
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Create a deadline for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown API server: %v", err)
	}
	stopScheduler()
	taskServer.Shutdown()

	logger.Info("Servers shutdown gracefully")
}
