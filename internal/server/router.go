// Package server exposes the OTA manager over a local HTTP API for the UI
// layer and operators.
package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/usecase"
)

// OTAService is the manager surface served over HTTP.
type OTAService interface {
	GetUpdateStatus(ctx context.Context) usecase.UpdateStatus
	GetDiagnosticInfo(ctx context.Context) usecase.DiagnosticInfo
	GetUpdateHistory(ctx context.Context) usecase.History
	ForceCheckForUpdates(ctx context.Context) domain.CheckOutcome
	ResetUpdateState(ctx context.Context) error
	GetConfiguration() domain.Configuration
	UpdateConfiguration(ctx context.Context, patch domain.ConfigPatch) (domain.Configuration, error)
	SetUpdateBlockade(ctx context.Context, updateID, reason string) error
	Blockade(ctx context.Context, updateID string) (domain.BlockadeRecord, bool)
}

// NewRouter builds the gin engine.
func NewRouter(svc OTAService, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthcheck", healthCheck)

	ota := router.Group("/ota")
	{
		ota.GET("/status", h.status)
		ota.GET("/diagnostics", h.diagnostics)
		ota.GET("/history", h.history)
		ota.POST("/check", h.check)
		ota.POST("/reset", h.reset)
		ota.GET("/config", h.getConfig)
		ota.PATCH("/config", h.patchConfig)
		ota.POST("/blockades", h.createBlockade)
		ota.GET("/blockades/:id", h.getBlockade)
	}
	return router
}

// requestLogger logs every request through zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}
