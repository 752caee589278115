package api

import (
	"net/http"

	"ffqueue/config"
	"ffqueue/metrics"

	"github.com/gin-gonic/gin"
)

// SetupRouter wires the HTTP surface. m may be nil.
func SetupRouter(h *Handler, m *metrics.Metrics, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleAddTask)
		v1.POST("/tasks/batch", h.handleAddBatch)
		v1.GET("/tasks", h.handleListTasks)
		v1.DELETE("/tasks/:index", h.handleRemoveTask)
		v1.POST("/tasks/remove", h.handleRemoveTasks)

		v1.GET("/rows", h.handleListRows)

		v1.GET("/queue", h.handleQueueState)
		v1.POST("/queue/start", h.handleStart)
		v1.POST("/queue/stop", h.handleStop)

		v1.GET("/events", h.handleEvents)
	}
	return r
}
