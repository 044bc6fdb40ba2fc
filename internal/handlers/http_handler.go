package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/telefleet/telefleet/internal/service"
	"github.com/telefleet/telefleet/pkg/database"
	"github.com/telefleet/telefleet/pkg/logger"
)

type HTTPHandler struct {
	supervisor *service.Supervisor
	logger     logger.Logger
}

func NewHTTPHandler(supervisor *service.Supervisor, logger logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		supervisor: supervisor,
		logger:     logger,
	}
}

func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		owners := api.Group("/owners/:owner_id")
		{
			owners.GET("/tasks", h.ListTasks)
			owners.POST("/tasks/:task_id/start", h.StartTask)
			owners.POST("/tasks/:task_id/pause", h.PauseTask)
			owners.DELETE("/tasks/:task_id", h.DeleteTask)
		}
	}
}

func (h *HTTPHandler) ListTasks(c *gin.Context) {
	ownerID, _, ok := h.pathIDs(c, false)
	if !ok {
		return
	}

	snapshots, err := h.supervisor.Snapshot(c.Request.Context(), ownerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Owner not found"})
			return
		}
		h.logger.Error("failed to list tasks", logger.F("owner_id", ownerID), logger.F("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": snapshots})
}

func (h *HTTPHandler) StartTask(c *gin.Context) {
	ownerID, taskID, ok := h.pathIDs(c, true)
	if !ok {
		return
	}

	err := h.supervisor.Start(c.Request.Context(), ownerID, taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	case errors.Is(err, service.ErrTaskRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Task already running"})
	case errors.Is(err, service.ErrAccountUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	default:
		h.logger.Error("failed to start task",
			logger.F("owner_id", ownerID), logger.F("task_id", taskID), logger.F("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *HTTPHandler) PauseTask(c *gin.Context) {
	ownerID, taskID, ok := h.pathIDs(c, true)
	if !ok {
		return
	}

	err := h.supervisor.Pause(c.Request.Context(), ownerID, taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "paused"})
	case errors.Is(err, service.ErrTaskNotRunning):
		c.JSON(http.StatusOK, gin.H{"status": "paused", "note": "task had no running job"})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	default:
		h.logger.Error("failed to pause task",
			logger.F("owner_id", ownerID), logger.F("task_id", taskID), logger.F("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *HTTPHandler) DeleteTask(c *gin.Context) {
	ownerID, taskID, ok := h.pathIDs(c, true)
	if !ok {
		return
	}

	err := h.supervisor.Delete(c.Request.Context(), ownerID, taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	default:
		h.logger.Error("failed to delete task",
			logger.F("owner_id", ownerID), logger.F("task_id", taskID), logger.F("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *HTTPHandler) pathIDs(c *gin.Context, needTask bool) (int64, int, bool) {
	ownerID, err := strconv.ParseInt(c.Param("owner_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid owner ID"})
		return 0, 0, false
	}
	if !needTask {
		return ownerID, 0, true
	}

	taskID, err := strconv.Atoi(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task ID"})
		return 0, 0, false
	}
	return ownerID, taskID, true
}
