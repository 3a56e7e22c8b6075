// Package server exposes the HTTP surface: a health probe and a
// manual per-user sync trigger.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jmsv23/email-sort/internal/poller"
)

// Syncer runs a manual sync pass for one user's accounts.
type Syncer interface {
	SyncUser(ctx context.Context, userID uuid.UUID) (poller.SyncReport, error)
}

func NewRouter(syncer Syncer) *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/sync/:userID", func(c *gin.Context) {
		handleSync(c, syncer)
	})

	return r
}

func handleSync(c *gin.Context, syncer Syncer) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	report, err := syncer.SyncUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}
