package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(server *Server) *gin.Engine {
	router := gin.Default()

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"} // Configure appropriately in production
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	router.GET("/health", server.HealthCheck)

	api := router.Group("/api")
	{
		// One-time migrations
		api.POST("/migrate", server.StartMigration)
		api.GET("/status/:runID", server.GetStatus)
		api.GET("/result/:runID", server.GetResult)
		api.GET("/runs", server.ListRuns)
		api.DELETE("/runs/:runID", server.CancelRun)

		// Scheduled migrations
		api.POST("/schedules", server.CreateSchedule)
		api.GET("/schedules", server.ListSchedules)
		api.GET("/schedules/stats", server.GetSchedulerStats)
		api.GET("/schedules/:id", server.GetSchedule)
		api.PUT("/schedules/:id", server.UpdateSchedule)
		api.DELETE("/schedules/:id", server.DeleteSchedule)
		api.POST("/schedules/:id/enable", server.EnableSchedule)
		api.POST("/schedules/:id/disable", server.DisableSchedule)
		api.POST("/schedules/:id/run", server.RunScheduleNow)
	}

	return router
}
