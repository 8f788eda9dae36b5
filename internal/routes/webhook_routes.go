package routes

import (
	"github.com/coursehub/backend/internal/handlers"
	"github.com/gin-gonic/gin"
)

// RegisterWebhookRoutes configures routes for webhook endpoints. No auth
// middleware: the gateway endpoint is verified by HMAC signature over the
// raw body, the store endpoint by a shared token in the push URL.
func RegisterWebhookRoutes(router *gin.Engine, webhookHandler *handlers.WebhookHandler) {
	webhookGroup := router.Group("/webhooks")
	{
		webhookGroup.POST("/razorpay", webhookHandler.RazorpayWebhook)
		webhookGroup.POST("/playstore", webhookHandler.PlayStoreWebhook)
	}
}
