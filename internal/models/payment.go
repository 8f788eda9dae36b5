package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentType represents what a payment was for
type PaymentType string

const (
	PaymentTypeTrial     PaymentType = "trial"
	PaymentTypeRecurring PaymentType = "recurring"
	PaymentTypeOneTime   PaymentType = "one_time"
)

// PaymentStatus represents the status of a payment
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment is an append-only ledger row. Idempotency is keyed by the gateway
// identifiers (OrderID for one-time purchases, InvoiceID for recurring
// charges), never by mutable local state, because the direct verification
// path and the webhook path can race for the same payment.
// Amount is in minor currency units (paise).
type Payment struct {
	Base
	UserID             uuid.UUID     `gorm:"type:uuid;not null;index" json:"user_id"`
	User               User          `gorm:"foreignKey:UserID" json:"-"`
	PlanID             uuid.UUID     `gorm:"type:uuid;not null;index" json:"plan_id"`
	Plan               Plan          `gorm:"foreignKey:PlanID" json:"-"`
	SubscriptionID     *uuid.UUID    `gorm:"type:uuid;index" json:"subscription_id"`
	Subscription       *Subscription `gorm:"foreignKey:SubscriptionID" json:"-"`
	OrderID            string        `gorm:"type:varchar(100);index" json:"order_id"`
	InvoiceID          string        `gorm:"type:varchar(100);index" json:"invoice_id"`
	PaymentID          string        `gorm:"type:varchar(100);index" json:"payment_id"`
	Amount             int64         `gorm:"not null" json:"amount"`
	PaymentType        PaymentType   `gorm:"type:varchar(20);not null" json:"payment_type"`
	Status             PaymentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	IsWebhookProcessed bool          `gorm:"default:false" json:"is_webhook_processed"`
	EventType          string        `gorm:"type:varchar(100)" json:"event_type"`
}

// WebhookProvider identifies the source of an inbound event
type WebhookProvider string

const (
	WebhookProviderRazorpay  WebhookProvider = "razorpay"
	WebhookProviderPlayStore WebhookProvider = "play_store"
)

// WebhookEvent records every inbound gateway notification for observability
// and redelivery dedup. GatewayEventID is the gateway-assigned delivery id
// when the provider sends one, unique per provider when set.
type WebhookEvent struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	Provider       WebhookProvider `gorm:"type:varchar(20);not null;uniqueIndex:idx_webhook_events_provider_event_id" json:"provider"`
	Event          string          `gorm:"type:varchar(100);index" json:"event"`
	GatewayEventID string          `gorm:"type:varchar(100);uniqueIndex:idx_webhook_events_provider_event_id,where:gateway_event_id <> ''" json:"gateway_event_id"`
	RawData        JSON            `gorm:"type:jsonb" json:"raw_data"`
	Processed      bool            `gorm:"default:false" json:"processed"`
	ProcessedAt    *time.Time      `json:"processed_at"`
	Error          string          `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BeforeCreate assigns the event id
func (w *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
