package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"talentgate/internal/api"
	"talentgate/internal/auth"
	"talentgate/internal/config"
	"talentgate/internal/database"
	"talentgate/internal/ingest"
	"talentgate/internal/notify"
	"talentgate/internal/reconcile"
	"talentgate/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	logger.Info("database connection ready")

	if err := db.AutoMigrate(database.AutoMigrateModels()...); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}
	logger.Info("database migrated")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Error("close asynq client failed", slog.Any("error", err))
		}
	}()

	validator, err := auth.NewTokenValidator([]byte(cfg.Auth.PublicKeyPEM))
	if err != nil {
		log.Fatalf("init token validator: %v", err)
	}

	notifier := notify.NewPublisher(redisClient)
	admission := ingest.NewAdmissionController(cfg.Ingest.TenantConcurrency)
	uploader := ingest.NewUploader(storageClient, cfg.Ingest.UploadRetries, time.Second, logger)
	dispatcher := ingest.NewDispatcher(0, 0, logger)
	defer dispatcher.Close()

	orchestrator := ingest.NewOrchestrator(
		db,
		admission,
		uploader,
		dispatcher,
		asynqClient,
		notifier,
		cfg.Ingest.ScoreQueue,
		logger,
	)
	reconciler := reconcile.NewReconciler(db, notifier, logger)

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, cfg, db, orchestrator, reconciler, validator, redisClient, storageClient, logger)

	address := fmt.Sprintf(":%d", cfg.API.Port)
	logger.Info("api listening", slog.String("address", address))

	if err := router.Run(address); err != nil {
		log.Fatalf("failed to start api server: %v", err)
	}
}
