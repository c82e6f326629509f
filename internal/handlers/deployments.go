// Package handlers exposes the live deployment state over a JSON API.
package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"deploywatch/internal/deployment"
	"deploywatch/internal/middleware"
	"deploywatch/internal/stream"
	"deploywatch/internal/utils"
)

type DeploymentHandlers struct {
	registry      *deployment.Registry
	defaultTopics []stream.Topic
	logger        *utils.Logger
}

// NewDeploymentHandlers serves reg. topics are used when a watch request names
// none; nil selects logs and metrics.
func NewDeploymentHandlers(reg *deployment.Registry, topics []stream.Topic, logger *utils.Logger) *DeploymentHandlers {
	if len(topics) == 0 {
		topics = []stream.Topic{stream.TopicLogs, stream.TopicMetrics}
	}
	return &DeploymentHandlers{registry: reg, defaultTopics: topics, logger: logger}
}

type watchRequest struct {
	Status string   `json:"status" validate:"max=64"`
	Topics []string `json:"topics" validate:"max=2,dive,oneof=logs metrics"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,max=64"`
}

// Register mounts the deployment routes on g.
func (h *DeploymentHandlers) Register(g gin.IRoutes) {
	g.GET("/deployments", h.List)
	g.GET("/deployments/:id", h.Get)
	g.POST("/deployments/:id/watch", h.Watch)
	g.DELETE("/deployments/:id/watch", h.Unwatch)
	g.PUT("/deployments/:id/status", h.SetStatus)
	g.GET("/deployments/:id/logs", h.Logs)
	g.POST("/deployments/:id/logs/pause", h.PauseLogs)
	g.POST("/deployments/:id/logs/resume", h.ResumeLogs)
	g.POST("/deployments/:id/logs/clear", h.ClearLogs)
	g.GET("/deployments/:id/metrics", h.Metrics)
}

func resourceParam(c *gin.Context) (string, bool) {
	id := middleware.SanitizeString(c.Param("id"))
	if !middleware.ValidResourceID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid resource id"})
		return "", false
	}
	return id, true
}

func (h *DeploymentHandlers) lookup(c *gin.Context) (*deployment.Deployment, bool) {
	id, ok := resourceParam(c)
	if !ok {
		return nil, false
	}
	d, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Deployment not watched", "id": id})
		return nil, false
	}
	return d, true
}

func (h *DeploymentHandlers) List(c *gin.Context) {
	ids := h.registry.IDs()
	out := make([]deployment.Snapshot, 0, len(ids))
	for _, id := range ids {
		if d, ok := h.registry.Get(id); ok {
			out = append(out, d.Snapshot())
		}
	}
	c.JSON(http.StatusOK, gin.H{"deployments": out})
}

func (h *DeploymentHandlers) Get(c *gin.Context) {
	d, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, d.Snapshot())
}

func (h *DeploymentHandlers) Watch(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	var req watchRequest
	if !middleware.BindJSON(c, &req, true) {
		return
	}
	topics := h.defaultTopics
	if len(req.Topics) > 0 {
		topics = topics[:0:0]
		for _, raw := range req.Topics {
			t, err := stream.ParseTopic(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			topics = append(topics, t)
		}
	}
	d, err := h.registry.Watch(id, middleware.SanitizeString(req.Status), topics...)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, stream.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		h.logf("watch %s failed: %v", id, err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	h.logf("watching %s on %v", id, topics)
	c.JSON(http.StatusOK, d.Snapshot())
}

func (h *DeploymentHandlers) Unwatch(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	if !h.registry.Unwatch(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Deployment not watched", "id": id})
		return
	}
	h.logf("stopped watching %s", id)
	c.Status(http.StatusNoContent)
}

func (h *DeploymentHandlers) SetStatus(c *gin.Context) {
	d, ok := h.lookup(c)
	if !ok {
		return
	}
	var req statusRequest
	if !middleware.BindJSON(c, &req, false) {
		return
	}
	d.SetInitialStatus(middleware.SanitizeString(req.Status))
	c.JSON(http.StatusOK, d.Snapshot())
}

// Logs returns the visible log window. ?tail=N limits the response to the
// newest N lines.
func (h *DeploymentHandlers) Logs(c *gin.Context) {
	d, ok := h.lookup(c)
	if !ok {
		return
	}
	view := d.Logs()
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a non-negative integer"})
			return
		}
		if n < len(view.Lines) {
			view.Lines = view.Lines[len(view.Lines)-n:]
			view.NewestIndex = len(view.Lines) - 1
		}
	}
	c.JSON(http.StatusOK, view)
}

func (h *DeploymentHandlers) PauseLogs(c *gin.Context) {
	if d, ok := h.lookup(c); ok {
		d.PauseLogs()
		c.JSON(http.StatusOK, d.Logs())
	}
}

func (h *DeploymentHandlers) ResumeLogs(c *gin.Context) {
	if d, ok := h.lookup(c); ok {
		d.ResumeLogs()
		c.JSON(http.StatusOK, d.Logs())
	}
}

func (h *DeploymentHandlers) ClearLogs(c *gin.Context) {
	if d, ok := h.lookup(c); ok {
		d.ClearLogs()
		c.JSON(http.StatusOK, d.Logs())
	}
}

func (h *DeploymentHandlers) Metrics(c *gin.Context) {
	d, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, d.Metrics())
}

func (h *DeploymentHandlers) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if h.logger != nil {
		h.logger.Write(msg)
		return
	}
	log.Println(msg)
}
