package handlers

import (
	"crypto/subtle"
	"encoding/base64"
	"log"
	"net/http"

	"github.com/coursehub/backend/internal/services/payment"
	"github.com/coursehub/backend/internal/services/webhook"
	"github.com/gin-gonic/gin"
)

// WebhookHandler receives gateway and mobile-store notifications and hands
// the normalized events to the reconciler
type WebhookHandler struct {
	gateway         payment.Gateway
	reconciler      *webhook.Reconciler
	playStoreSecret string
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(gateway payment.Gateway, reconciler *webhook.Reconciler, playStoreSecret string) *WebhookHandler {
	return &WebhookHandler{
		gateway:         gateway,
		reconciler:      reconciler,
		playStoreSecret: playStoreSecret,
	}
}

// RazorpayWebhook handles the primary gateway's webhooks. The signature is
// an HMAC of the exact raw bytes received, so the body must be read before
// any JSON binding touches it.
func (h *WebhookHandler) RazorpayWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	signature := c.GetHeader("X-Razorpay-Signature")
	if signature == "" || !h.gateway.VerifyWebhookSignature(body, signature) {
		log.Printf("Rejected gateway webhook with bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	event, err := webhook.ParseRazorpayEvent(body, c.GetHeader("X-Razorpay-Event-Id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	if err := h.reconciler.Process(event); err != nil {
		log.Printf("Failed to process gateway event %q: %v", event.RawEvent, err)
		// non-2xx makes the gateway redeliver; the reconciler is
		// idempotent so the retry is safe
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// pubSubEnvelope is the push wrapper the store's notification topic
// delivers; the actual notification is base64 inside message.data
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PlayStoreWebhook handles mobile-store real-time developer notifications,
// pushed via the store's pub/sub topic. Authenticated by a shared token in
// the push endpoint URL.
func (h *WebhookHandler) PlayStoreWebhook(c *gin.Context) {
	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.playStoreSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var envelope pubSubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message data"})
		return
	}

	event, err := webhook.ParsePlayStoreEvent(data)
	if err != nil {
		log.Printf("Ignoring malformed store notification: %v", err)
		// acknowledge anyway: a malformed message will never become
		// parseable by redelivery
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.reconciler.Process(event); err != nil {
		log.Printf("Failed to process store notification %q: %v", event.RawEvent, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
