package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/usecase"
)

type handler struct {
	svc    OTAService
	logger *zap.Logger
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, errorEnvelope{Error: apiError{Message: msg, Code: code}})
}

func healthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetUpdateStatus(c.Request.Context()))
}

func (h *handler) diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetDiagnosticInfo(c.Request.Context()))
}

func (h *handler) history(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetUpdateHistory(c.Request.Context()))
}

func (h *handler) check(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ForceCheckForUpdates(c.Request.Context()))
}

func (h *handler) reset(c *gin.Context) {
	if err := h.svc.ResetUpdateState(c.Request.Context()); err != nil {
		h.logger.Warn("reset incomplete", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "reset_incomplete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ConfigView renders a configuration with human-readable durations.
type ConfigView struct {
	AutoDownload      bool   `json:"autoDownload"`
	AutoRestart       bool   `json:"autoRestart"`
	ShowNotifications bool   `json:"showNotifications"`
	CheckOnStartup    bool   `json:"checkOnStartup"`
	CheckInterval     string `json:"checkInterval"`
	MaxRetries        int    `json:"maxRetries"`
	RetryDelay        string `json:"retryDelay"`
	ReminderDelay     string `json:"reminderDelay"`
}

// NewConfigView converts a configuration for display.
func NewConfigView(cfg domain.Configuration) ConfigView {
	return ConfigView{
		AutoDownload:      cfg.AutoDownload,
		AutoRestart:       cfg.AutoRestart,
		ShowNotifications: cfg.ShowNotifications,
		CheckOnStartup:    cfg.CheckOnStartup,
		CheckInterval:     cfg.CheckInterval.String(),
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay.String(),
		ReminderDelay:     cfg.ReminderDelay.String(),
	}
}

func (h *handler) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, NewConfigView(h.svc.GetConfiguration()))
}

// patchConfig accepts a JSON object of field names to values; durations are strings
// such as "10m".
func (h *handler) patchConfig(c *gin.Context) {
	var body map[string]any
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber() // keep numbers as written, 1000000 not 1e+06
	if err := dec.Decode(&body); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	values := make(map[string]string, len(body))
	for k, v := range body {
		values[k] = fmt.Sprint(v)
	}
	patch, err := domain.ParseConfigPatch(values)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_config", err)
		return
	}

	cfg, err := h.svc.UpdateConfiguration(c.Request.Context(), patch)
	switch {
	case errors.Is(err, domain.ErrInvalidConfiguration):
		respondError(c, http.StatusBadRequest, "invalid_config", err)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "persist_failed", err)
		return
	}
	c.JSON(http.StatusOK, NewConfigView(cfg))
}

type blockadeRequest struct {
	UpdateID string `json:"updateId" binding:"required"`
	Reason   string `json:"reason"`
}

type blockadeResponse struct {
	UpdateID  string     `json:"updateId"`
	Blocked   bool       `json:"blocked"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (h *handler) createBlockade(c *gin.Context) {
	var req blockadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.Reason == "" {
		req.Reason = usecase.ReasonManualBlock
	}
	if err := h.svc.SetUpdateBlockade(c.Request.Context(), req.UpdateID, req.Reason); err != nil {
		respondError(c, http.StatusInternalServerError, "persist_failed", err)
		return
	}
	c.JSON(http.StatusCreated, h.blockade(c, req.UpdateID))
}

func (h *handler) getBlockade(c *gin.Context) {
	c.JSON(http.StatusOK, h.blockade(c, c.Param("id")))
}

func (h *handler) blockade(c *gin.Context, id string) blockadeResponse {
	rec, ok := h.svc.Blockade(c.Request.Context(), id)
	if !ok {
		return blockadeResponse{UpdateID: id}
	}
	return blockadeResponse{UpdateID: id, Blocked: true, Reason: rec.Reason, ExpiresAt: &rec.ExpiresAt}
}
