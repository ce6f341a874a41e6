package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"parkbeat/internal/store"
)

const httpTimeout = 10 * time.Second

// RegisterRoutes attaches the relay's HTTP surface to the router.
func (h *RelayHandlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.HandleWebSocket)

	api := router.Group("/api")
	{
		api.POST("/tree/killActiveSockets", h.HandleKillActiveSockets)
		api.GET("/tree/getProject", h.HandleGetProject)
		api.GET("/users/:id", h.HandleGetUser)
	}
}

// HandleWebSocket upgrades the connection. Each new connection also kicks
// an opportunistic drain of the cleanup queue.
func (h *RelayHandlers) HandleWebSocket(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		if _, err := h.cleanup.Drain(ctx); err != nil {
			h.logger.WithError(err).Debug("Opportunistic cleanup drain failed")
		}
	}()
	h.hub.ServeWS(c.Writer, c.Request)
}

type killSocketsRequest struct {
	SocketID string `json:"socketId" binding:"required"`
}

// HandleKillActiveSockets disconnects a socket and reclaims its registry
// entries. Admin/test endpoint; the socket may live on another process, in
// which case only the shared state is cleaned here and its own hub drops
// it on ping timeout.
func (h *RelayHandlers) HandleKillActiveSockets(c *gin.Context) {
	var req killSocketsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "socketId is required"})
		return
	}

	killedLocal := h.hub.Kick(req.SocketID)
	if err := h.registry.Cleanup(c.Request.Context(), req.SocketID); err != nil {
		h.logger.WithError(err).WithField("socket_id", req.SocketID).Warn("Registry cleanup failed on kill")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"socketId": req.SocketID,
		"local":    killedLocal,
	})
}

// HandleGetProject returns the full snapshot of one project.
func (h *RelayHandlers) HandleGetProject(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	snap, err := h.store.Snapshot(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("project_id", id).Error("Project lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleGetUser returns one cached user profile.
func (h *RelayHandlers) HandleGetUser(c *gin.Context) {
	id := c.Param("id")
	u, err := h.store.GetUser(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("user_id", id).Error("User lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, u)
}
