package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ripgraphics/authorsinfo-realtime/models"
	"github.com/ripgraphics/authorsinfo-realtime/services"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

type ActivityHandler struct {
	store  *services.RealtimeStore
	repo   services.ActivityRepository
	logger *utils.Logger
}

func NewActivityHandler(store *services.RealtimeStore, repo services.ActivityRepository, logger *utils.Logger) *ActivityHandler {
	return &ActivityHandler{
		store:  store,
		repo:   repo,
		logger: logger,
	}
}

// Create handles POST /api/v1/activities. The activity is attributed to the
// authenticated user regardless of what the body claims.
func (h *ActivityHandler) Create(c *gin.Context) {
	var req models.AddActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	userID, _ := c.Get("userID")
	req.UserID = userID.(string)

	entry, err := h.store.AddActivity(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Failed to add activity", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record activity",
		})
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// Feed handles GET /api/v1/activities/feed: the bounded in-memory buffer,
// most recent first. Approximately real-time, not a consistent log.
func (h *ActivityHandler) Feed(c *gin.Context) {
	entries := h.store.Feed().Entries()

	c.JSON(http.StatusOK, gin.H{
		"count":      len(entries),
		"activities": entries,
	})
}

// Stream handles GET /api/v1/activities/stream: the durable table in
// insertion order, for callers that need a real ordering guarantee.
func (h *ActivityHandler) Stream(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	entries, total, err := h.repo.Recent(c.Request.Context(), page, pageSize)
	if err != nil {
		h.logger.Error("Failed to fetch activity stream", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch activity stream",
		})
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	c.JSON(http.StatusOK, models.ListResponse[models.ActivityStreamEntry]{
		Data:       entries,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}
