package routes

import (
	"net/http"

	"reconciler-service/controllers"
	"reconciler-service/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(router *gin.Engine, webhooks *controllers.WebhookController, admin *controllers.AdminController, adminToken string) {
	// Public
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK", "service": "reconciler-service"})
	})

	router.POST("/webhooks/provider", webhooks.Receive)

	// Operator only
	adminGroup := router.Group("/admin", middleware.AdminAuthMiddleware(adminToken))
	{
		adminGroup.POST("/reconcile", admin.TriggerReconcile)
		adminGroup.GET("/runs/latest", admin.LatestRun)
		adminGroup.GET("/status", admin.Status)
	}
}
