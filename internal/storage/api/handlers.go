// Package api contains the HTTP handlers exposing the storage facade.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/errors"
	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/events/streaming"
	"github.com/promptvault/promptvault/internal/storage/service"
	v1 "github.com/promptvault/promptvault/pkg/api/v1"
)

// Handler contains HTTP handlers for the storage API
type Handler struct {
	service  *service.Service
	hub      *streaming.Hub
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler
func NewHandler(svc *service.Service, hub *streaming.Hub, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		hub:     hub,
		logger:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Prompt endpoints

// ListPrompts returns all prompt records
// GET /api/v1/prompts
func (h *Handler) ListPrompts(c *gin.Context) {
	records, err := h.service.GetPrompts(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list prompts", zap.Error(err))
		appErr := errors.InternalError("failed to list prompts", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, RecordsListResponse{
		Records: records,
		Total:   len(records),
	})
}

// SavePrompt creates or updates a prompt record
// POST /api/v1/prompts
func (h *Handler) SavePrompt(c *gin.Context) {
	var req SavePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	rec := &v1.Record{
		ID:          req.ID,
		Name:        req.Name,
		Template:    req.Template,
		Description: req.Description,
	}

	if err := h.service.SavePromptAtomic(c.Request.Context(), rec); err != nil {
		h.logger.Error("failed to save prompt", zap.String("record_id", rec.ID), zap.Error(err))
		appErr := errors.InternalError("failed to save prompt", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status := http.StatusOK
	if req.ID == "" {
		status = http.StatusCreated
	}
	c.JSON(status, rec)
}

// DeletePrompt removes a prompt record
// DELETE /api/v1/prompts/:recordId
func (h *Handler) DeletePrompt(c *gin.Context) {
	recordID := c.Param("recordId")
	if recordID == "" {
		appErr := errors.BadRequest("recordId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.DeletePromptAtomic(c.Request.Context(), recordID); err != nil {
		h.logger.Error("failed to delete prompt", zap.String("record_id", recordID), zap.Error(err))
		appErr := errors.InternalError("failed to delete prompt", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// Context endpoints

// ListContexts returns all context records
// GET /api/v1/contexts
func (h *Handler) ListContexts(c *gin.Context) {
	records, err := h.service.GetContexts(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list contexts", zap.Error(err))
		appErr := errors.InternalError("failed to list contexts", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, RecordsListResponse{
		Records: records,
		Total:   len(records),
	})
}

// SaveContext creates or updates a context record
// POST /api/v1/contexts
func (h *Handler) SaveContext(c *gin.Context) {
	var req SaveContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	rec := &v1.Record{
		ID:          req.ID,
		Name:        req.Name,
		Text:        req.Text,
		Description: req.Description,
	}

	if err := h.service.SaveContextAtomic(c.Request.Context(), rec); err != nil {
		h.logger.Error("failed to save context", zap.String("record_id", rec.ID), zap.Error(err))
		appErr := errors.InternalError("failed to save context", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status := http.StatusOK
	if req.ID == "" {
		status = http.StatusCreated
	}
	c.JSON(status, rec)
}

// DeleteContext removes a context record
// DELETE /api/v1/contexts/:recordId
func (h *Handler) DeleteContext(c *gin.Context) {
	recordID := c.Param("recordId")
	if recordID == "" {
		appErr := errors.BadRequest("recordId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.DeleteContextAtomic(c.Request.Context(), recordID); err != nil {
		h.logger.Error("failed to delete context", zap.String("record_id", recordID), zap.Error(err))
		appErr := errors.InternalError("failed to delete context", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// Observability endpoints

// GetMetrics returns the combined concurrency metrics snapshot
// GET /api/v1/storage/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetConcurrencyMetrics())
}

// ResetMetrics zeroes the metrics counters
// POST /api/v1/storage/metrics/reset
func (h *Handler) ResetMetrics(c *gin.Context) {
	h.service.ResetMetrics()
	c.JSON(http.StatusOK, StatusResponse{Status: "reset"})
}

// HandleWebSocket upgrades the connection and streams change events
// GET /ws
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}
