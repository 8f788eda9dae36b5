package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coursehub/backend/internal/handlers"
	"github.com/coursehub/backend/internal/middleware"
)

// Handlers bundles everything the router needs
type Handlers struct {
	Plans         *handlers.PlanHandler
	Subscriptions *handlers.SubscriptionHandler
	Access        *handlers.AccessHandler
	Webhooks      *handlers.WebhookHandler
}

// RegisterRoutes configures all API routes
func RegisterRoutes(router *gin.Engine, h Handlers) {
	// 60 requests per second per IP across the public surface
	rateLimiter := middleware.NewRateLimiter(60, 20)
	router.Use(rateLimiter.IPRateLimiterMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterWebhookRoutes(router, h.Webhooks)

	v1 := router.Group("/api")
	{
		// Public plan catalog
		v1.GET("/plans", middleware.OptionalAuthMiddleware(), h.Plans.ListPlans)
		v1.GET("/plans/:id", h.Plans.GetPlan)

		// Access checks work for anonymous callers too; free resources
		// are open to everyone
		v1.GET("/access", middleware.OptionalAuthMiddleware(), h.Access.CheckAccess)

		// Protected routes - require authentication
		protected := v1.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			protected.GET("/entitlements", h.Access.MyEntitlements)

			subscriptions := protected.Group("/subscriptions")
			{
				subscriptions.GET("", h.Subscriptions.MySubscriptions)
				subscriptions.POST("", h.Subscriptions.Initiate)
				subscriptions.POST("/:id/cancel", h.Subscriptions.Cancel)
				subscriptions.POST("/verify-payment", h.Subscriptions.VerifyPayment)
			}
		}

		// Admin routes - require admin role
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(), middleware.AdminMiddleware())
		{
			admin.POST("/plans", h.Plans.CreatePlan)
			admin.PUT("/plans/:id", h.Plans.UpdatePlan)
			admin.DELETE("/plans/:id", h.Plans.DeletePlan)
			admin.POST("/plans/deactivate-by-target", h.Plans.DeactivatePlansByTarget)
		}
	}
}
