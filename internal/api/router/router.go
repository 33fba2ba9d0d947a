package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"genbatch/internal/api/handler"
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
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "genbatch-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a job from a CSV upload
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details with live counts
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/items - List work items
			jobs.GET("/:job_id/items", jobHandler.ListItems)

			// GET /api/v1/jobs/:job_id/stream - SSE progress stream
			jobs.GET("/:job_id/stream", jobHandler.StreamProgress)

			// POST /api/v1/jobs/:job_id/start - Start processing
			jobs.POST("/:job_id/start", jobHandler.StartJob)

			// POST /api/v1/jobs/:job_id/stop - Cooperatively stop
			jobs.POST("/:job_id/stop", jobHandler.StopJob)

			// POST /api/v1/jobs/:job_id/resume - Resume a stopped job
			jobs.POST("/:job_id/resume", jobHandler.ResumeJob)

			// POST /api/v1/jobs/:job_id/retry - Retry failed items
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)

			// DELETE /api/v1/jobs/:job_id - Delete a job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
