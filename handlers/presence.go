package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ripgraphics/authorsinfo-realtime/models"
	"github.com/ripgraphics/authorsinfo-realtime/services"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

type PresenceHandler struct {
	store  *services.RealtimeStore
	logger *utils.Logger
}

func NewPresenceHandler(store *services.RealtimeStore, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		store:  store,
		logger: logger,
	}
}

// Heartbeat handles POST /api/v1/presence/heartbeat. It re-tracks the
// caller's session with a fresh last-seen timestamp.
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	userID, _ := c.Get("userID")
	if current, ok := h.store.Presence().Get(req.SessionID); ok && current.UserID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Session belongs to another user",
		})
		return
	}

	if req.Status == "" {
		req.Status = models.StatusOnline
	}

	h.store.UpdatePresence(c.Request.Context(), req.SessionID, req.Status, req.Typing)

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Presence updated",
	})
}

// GetStatus handles GET /api/v1/presence/status?user_id=...
func (h *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id parameter is required",
		})
		return
	}

	presence, ok := h.store.Presence().GetUser(userID)
	if !ok {
		c.JSON(http.StatusOK, models.StatusResponse{
			UserID:   userID,
			Status:   models.StatusOffline,
			IsOnline: false,
		})
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{
		UserID:   presence.UserID,
		Status:   presence.Status,
		LastSeen: presence.LastSeen,
		Typing:   presence.Typing,
		IsOnline: presence.Status != models.StatusOffline,
	})
}

// GetOnline handles GET /api/v1/presence/online. Count counts sessions;
// unique_users collapses multiple tabs of the same user.
func (h *PresenceHandler) GetOnline(c *gin.Context) {
	sessions := h.store.Presence().Snapshot()

	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count:       len(sessions),
		UniqueUsers: h.store.Presence().UniqueUserCount(),
		Sessions:    sessions,
	})
}
