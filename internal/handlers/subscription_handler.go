package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/coursehub/backend/internal/services/subscription"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubscriptionHandler exposes the subscription lifecycle to authenticated
// users: initiation, cancellation and the one-time payment callback
type SubscriptionHandler struct {
	subs *subscription.SubscriptionService
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(subs *subscription.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs}
}

type initiateRequest struct {
	PlanID  uuid.UUID             `json:"plan_id" binding:"required"`
	Receipt *mobileReceiptRequest `json:"receipt"`
}

type mobileReceiptRequest struct {
	StoreSubscriptionID string `json:"store_subscription_id" binding:"required"`
	StartAt             int64  `json:"start_at" binding:"required"`
	ExpiresAt           int64  `json:"expires_at" binding:"required"`
	IsTrial             bool   `json:"is_trial"`
	Amount              int64  `json:"amount"`
}

// Initiate starts a purchase. Gateway plans return a checkout intent the
// client completes with the gateway SDK; mobile-store purchases carry a
// verified receipt and activate immediately.
func (h *SubscriptionHandler) Initiate(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)

	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	var receipt *subscription.MobileReceipt
	if req.Receipt != nil {
		receipt = &subscription.MobileReceipt{
			StoreSubscriptionID: req.Receipt.StoreSubscriptionID,
			StartAt:             time.Unix(req.Receipt.StartAt, 0),
			ExpiresAt:           time.Unix(req.Receipt.ExpiresAt, 0),
			IsTrial:             req.Receipt.IsTrial,
			Amount:              req.Receipt.Amount,
		}
	}

	intent, err := h.subs.Initiate(userID, req.PlanID, receipt)
	if err != nil {
		var overlap *subscription.OverlapError
		switch {
		case errors.As(err, &overlap):
			c.JSON(http.StatusConflict, gin.H{"error": overlap.Reason})
		case errors.Is(err, subscription.ErrPlanNotAvailable):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, subscription.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate subscription"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": intent})
}

// MySubscriptions returns the caller's subscriptions with plan details
func (h *SubscriptionHandler) MySubscriptions(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)

	subs, err := h.subs.GetUserSubscriptions(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// Cancel cancels the caller's subscription. By default the cancellation
// takes effect at period end; pass {"immediate": true} to revoke access
// right away.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)

	subscriptionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID"})
		return
	}

	var req struct {
		Immediate bool `json:"immediate"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	if req.Immediate {
		err = h.subs.CancelImmediately(userID, subscriptionID)
	} else {
		err = h.subs.CancelAtPeriodEnd(userID, subscriptionID)
	}
	if err != nil {
		switch {
		case errors.Is(err, subscription.ErrSubscriptionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, subscription.ErrNotCancellable), errors.Is(err, subscription.ErrNoGatewaySubscription):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel subscription"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "immediate": req.Immediate})
}

type verifyPaymentRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// VerifyPayment is the client-side callback after a one-time gateway
// checkout completes. The gateway webhook covers the same ground; whichever
// arrives first wins and the other is a no-op.
func (h *SubscriptionHandler) VerifyPayment(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)

	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	err := h.subs.VerifyOneTimePayment(userID, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, subscription.ErrInvalidSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, subscription.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify payment"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}
