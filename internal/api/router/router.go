package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pipelinekit/image-pipeline/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "image-pipeline-api",
		})
	})

	imageHandler := handler.NewImageHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		images := v1.Group("/images")
		{
			// POST /api/v1/images - Upload an image for async processing
			images.POST("", imageHandler.UploadImage)

			// GET /api/v1/images - List images with cursor pagination
			images.GET("", imageHandler.ListImages)

			// GET /api/v1/images/:image_id - Get record details
			images.GET("/:image_id", imageHandler.GetImage)

			// DELETE /api/v1/images/:image_id - Remove record and files
			images.DELETE("/:image_id", imageHandler.DeleteImage)

			// GET /api/v1/images/:image_id/thumbnails/:size - Serve derivative
			images.GET("/:image_id/thumbnails/:size", imageHandler.GetThumbnail)
		}

		// GET /api/v1/stats - Aggregate processing statistics
		v1.GET("/stats", imageHandler.GetStats)
	}

	return r
}
