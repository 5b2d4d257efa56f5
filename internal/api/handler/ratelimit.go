package handler

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"vidmatch/backend/internal/config"
)

// RateLimit is a sliding-counter guard keyed by client address + endpoint,
// backed by the storage layer's expiring counters. Endpoints without a
// budget pass through untouched.
func (h *Handler) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		budget, ok := config.RateLimitBudgets[c.FullPath()]
		if !ok {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:%s:%s", c.ClientIP(), c.FullPath())
		count, err := h.Storage.IncrWithTTL(key, config.RateLimitWindow)
		if err != nil {
			// Fail open: a Redis hiccup must not take the API down.
			log.Printf("rate limit counter failed for %s: %v", key, err)
			c.Next()
			return
		}
		if count > int64(budget) {
			c.Header("Retry-After", fmt.Sprintf("%.0f", config.RateLimitWindow.Seconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limited",
				"retry_after": config.RateLimitWindow.Seconds(),
			})
			return
		}
		c.Next()
	}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics reports the hub's live counters.
func (h *Handler) Metrics(c *gin.Context) {
	payload := gin.H{
		"connected_clients": h.Hub.ClientCount(),
		"queue_depth":       h.Hub.Queue.Depth(),
	}
	if h.Engine != nil {
		payload["active_media_rooms"] = h.Engine.RouterCount()
	}
	c.JSON(http.StatusOK, payload)
}
