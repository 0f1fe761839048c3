package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/homestock/backend/internal/auth"
	"github.com/kimhsiao/homestock/backend/internal/changelog"
	"github.com/kimhsiao/homestock/backend/internal/logging"
)

// SyncHandler serves the change feed and snapshots.
type SyncHandler struct {
	reader *changelog.Reader
	log    *logging.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(reader *changelog.Reader, log *logging.Logger) *SyncHandler {
	return &SyncHandler{reader: reader, log: log}
}

// GetChanges handles GET /api/sync/changes?cursor=N
func (h *SyncHandler) GetChanges(c *gin.Context) {
	var cursor *int64
	if raw, ok := c.GetQuery("cursor"); ok && raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			badRequest(c, "cursor must be a non-negative integer")
			return
		}
		cursor = &v
	}

	feed, err := h.reader.GetChanges(c.Request.Context(), auth.HouseholdID(c), cursor)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

// GetSnapshot handles GET /api/sync/snapshot
func (h *SyncHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.reader.Snapshot(c.Request.Context(), auth.HouseholdID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
