package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"talentgate/internal/api/middleware"
	"talentgate/internal/auth"
	"talentgate/internal/config"
	"talentgate/internal/ingest"
	"talentgate/internal/reconcile"
	"talentgate/internal/storage"
)

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(
	router *gin.Engine,
	cfg *config.Config,
	db *gorm.DB,
	orchestrator *ingest.Orchestrator,
	reconciler *reconcile.Reconciler,
	validator *auth.TokenValidator,
	redisClient *redis.Client,
	storageClient *storage.Client,
	logger *slog.Logger,
) {
	uploadHandler := NewUploadHandler(db, orchestrator, storageClient, redisClient, cfg.API.ClamdAddr, cfg.Ingest.MaxBatchFiles)
	callbackHandler := NewCallbackHandler(reconciler)
	wsHandler := NewWsHandler(redisClient, validator, logger, cfg.API.AllowedOrigins)
	authMiddleware := middleware.AuthMiddleware(validator)

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		campaignGroup := v1.Group("/campaigns/:campaignId/jobs/:jobId")
		campaignGroup.Use(authMiddleware)
		{
			campaignGroup.POST("/resumes", uploadHandler.UploadResume)
			campaignGroup.POST("/resumes/batch", uploadHandler.UploadResumeBatch)
		}

		resumeGroup := v1.Group("/resumes")
		resumeGroup.Use(authMiddleware)
		{
			resumeGroup.GET("/:id/download-link", uploadHandler.GetDownloadLink)
		}

		internalGroup := v1.Group("/internal")
		internalGroup.Use(middleware.InternalSecretMiddleware(cfg.API.InternalSecret))
		{
			internalGroup.POST("/ai-callback", callbackHandler.HandleAICallback)
		}
	}
}
