package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/soundmind/composer-be/internal/api/handler"
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
		if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "composer-api-service",
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "composer-api-service",
		})
	})

	trackHandler := handler.NewTrackHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		tracks := v1.Group("/tracks")
		{
			// POST /api/v1/tracks/compose - Queue a new composition
			tracks.POST("/compose", trackHandler.ComposeTrack)

			// GET /api/v1/tracks - List tracks with filtering and pagination
			tracks.GET("", trackHandler.ListTracks)

			// GET /api/v1/tracks/:track_id - Poll track status
			tracks.GET("/:track_id", trackHandler.GetTrack)
		}
	}

	return r
}
