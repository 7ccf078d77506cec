package api

import "github.com/gin-gonic/gin"

// SetupRoutes registers the storage API routes on the given group.
func SetupRoutes(rg *gin.RouterGroup, handler *Handler) {
	prompts := rg.Group("/prompts")
	{
		prompts.GET("", handler.ListPrompts)
		prompts.POST("", handler.SavePrompt)
		prompts.DELETE("/:recordId", handler.DeletePrompt)
	}

	contexts := rg.Group("/contexts")
	{
		contexts.GET("", handler.ListContexts)
		contexts.POST("", handler.SaveContext)
		contexts.DELETE("/:recordId", handler.DeleteContext)
	}

	storage := rg.Group("/storage")
	{
		storage.GET("/metrics", handler.GetMetrics)
		storage.POST("/metrics/reset", handler.ResetMetrics)
	}
}
