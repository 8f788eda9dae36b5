package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coursehub/backend/internal/models"
)

// EventKind is the internal, provider-neutral event classification. The
// reconciler's handlers only ever see these; each external payload shape is
// normalized by an adapter before dispatch.
type EventKind string

const (
	EventSubscriptionActivated     EventKind = "subscription_activated"
	EventSubscriptionAuthenticated EventKind = "subscription_authenticated"
	EventSubscriptionCharged       EventKind = "subscription_charged"
	EventSubscriptionCancelled     EventKind = "subscription_cancelled"
	EventSubscriptionHalted        EventKind = "subscription_halted"
	EventSubscriptionExpired       EventKind = "subscription_expired"
	EventInvoiceGenerated          EventKind = "invoice_generated"
	EventInvoicePaid               EventKind = "invoice_paid"
	EventInvoicePaymentFailed      EventKind = "invoice_payment_failed"
	EventPaymentCaptured           EventKind = "payment_captured"
	EventUnknown                   EventKind = "unknown"
)

// Event is the normalized gateway notification
type Event struct {
	Kind                  EventKind
	Provider              models.WebhookProvider
	RawEvent              string // provider-side event name or numeric code
	GatewayEventID        string // delivery id for dedup, when provided
	GatewaySubscriptionID string
	GatewayPlanID         string
	OrderID               string
	InvoiceID             string
	PaymentID             string
	Amount                int64
	PeriodStart           *time.Time
	PeriodEnd             *time.Time
	PaidAt                *time.Time
	Notes                 map[string]string
	Raw                   json.RawMessage
}

// razorpayPayload is the primary gateway's nested-entity webhook shape
type razorpayPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Subscription struct {
			Entity struct {
				ID           string            `json:"id"`
				PlanID       string            `json:"plan_id"`
				Status       string            `json:"status"`
				CurrentStart int64             `json:"current_start"`
				CurrentEnd   int64             `json:"current_end"`
				EndedAt      int64             `json:"ended_at"`
				ChargeAt     int64             `json:"charge_at"`
				Notes        map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"subscription"`
		Payment struct {
			Entity struct {
				ID        string `json:"id"`
				OrderID   string `json:"order_id"`
				InvoiceID string `json:"invoice_id"`
				Amount    int64  `json:"amount"`
				Status    string `json:"status"`
				CreatedAt int64  `json:"created_at"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID     string `json:"id"`
				Amount int64  `json:"amount"`
				Status string `json:"status"`
			} `json:"entity"`
		} `json:"order"`
		Invoice struct {
			Entity struct {
				ID             string `json:"id"`
				SubscriptionID string `json:"subscription_id"`
				OrderID        string `json:"order_id"`
				PaymentID      string `json:"payment_id"`
				Amount         int64  `json:"amount"`
				Status         string `json:"status"`
				PaidAt         int64  `json:"paid_at"`
				BillingStart   int64  `json:"billing_start"`
				BillingEnd     int64  `json:"billing_end"`
			} `json:"entity"`
		} `json:"invoice"`
	} `json:"payload"`
}

// razorpayEventKinds maps the gateway's event names to internal kinds
var razorpayEventKinds = map[string]EventKind{
	"subscription.activated":     EventSubscriptionActivated,
	"subscription.authenticated": EventSubscriptionAuthenticated,
	"subscription.charged":       EventSubscriptionCharged,
	"subscription.cancelled":     EventSubscriptionCancelled,
	"subscription.halted":        EventSubscriptionHalted,
	"subscription.completed":     EventSubscriptionExpired,
	"invoice.generated":          EventInvoiceGenerated,
	"invoice.paid":               EventInvoicePaid,
	"invoice.payment_failed":     EventInvoicePaymentFailed,
	"payment.captured":           EventPaymentCaptured,
	"order.paid":                 EventPaymentCaptured,
}

// ParseRazorpayEvent normalizes a primary-gateway webhook body. eventID is
// the gateway's delivery id header, used for redelivery dedup.
func ParseRazorpayEvent(body []byte, eventID string) (*Event, error) {
	var payload razorpayPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("error parsing webhook payload: %w", err)
	}

	kind, ok := razorpayEventKinds[payload.Event]
	if !ok {
		kind = EventUnknown
	}

	sub := payload.Payload.Subscription.Entity
	pay := payload.Payload.Payment.Entity
	ord := payload.Payload.Order.Entity
	inv := payload.Payload.Invoice.Entity

	event := &Event{
		Kind:                  kind,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              payload.Event,
		GatewayEventID:        eventID,
		GatewaySubscriptionID: sub.ID,
		GatewayPlanID:         sub.PlanID,
		OrderID:               pay.OrderID,
		InvoiceID:             inv.ID,
		PaymentID:             pay.ID,
		Amount:                pay.Amount,
		Notes:                 sub.Notes,
		Raw:                   json.RawMessage(body),
	}
	if event.GatewaySubscriptionID == "" {
		event.GatewaySubscriptionID = inv.SubscriptionID
	}
	if event.PaymentID == "" {
		event.PaymentID = inv.PaymentID
	}
	if event.InvoiceID == "" {
		event.InvoiceID = pay.InvoiceID
	}
	if event.OrderID == "" {
		event.OrderID = ord.ID
	}
	if event.Amount == 0 {
		event.Amount = inv.Amount
	}
	if event.Amount == 0 {
		event.Amount = ord.Amount
	}
	if sub.CurrentStart > 0 {
		t := time.Unix(sub.CurrentStart, 0)
		event.PeriodStart = &t
	}
	if sub.CurrentEnd > 0 {
		t := time.Unix(sub.CurrentEnd, 0)
		event.PeriodEnd = &t
	}
	if event.PeriodEnd == nil && sub.EndedAt > 0 {
		t := time.Unix(sub.EndedAt, 0)
		event.PeriodEnd = &t
	}
	switch {
	case inv.PaidAt > 0:
		t := time.Unix(inv.PaidAt, 0)
		event.PaidAt = &t
	case pay.CreatedAt > 0:
		t := time.Unix(pay.CreatedAt, 0)
		event.PaidAt = &t
	}

	return event, nil
}

// playStorePayload is the mobile store's real-time developer notification
// shape: flat, keyed by a numeric notification type
type playStorePayload struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// Play Store numeric notification types
const (
	playStoreRecovered     = 1
	playStoreRenewed       = 2
	playStoreCancelled     = 3
	playStorePurchased     = 4
	playStoreOnHold        = 5
	playStoreInGracePeriod = 6
	playStoreExpired       = 13
)

var playStoreEventKinds = map[int]EventKind{
	playStoreRecovered:     EventInvoicePaid,
	playStoreRenewed:       EventSubscriptionCharged,
	playStoreCancelled:     EventSubscriptionCancelled,
	playStorePurchased:     EventSubscriptionActivated,
	playStoreOnHold:        EventSubscriptionHalted,
	playStoreInGracePeriod: EventInvoicePaymentFailed,
	playStoreExpired:       EventSubscriptionExpired,
}

// ParsePlayStoreEvent normalizes a mobile-store notification into the same
// internal event record the primary gateway produces. The purchase token is
// the store-side subscription identifier. Renewal events get a synthetic
// invoice id derived from the event time so redeliveries dedupe like
// gateway invoices do.
func ParsePlayStoreEvent(body []byte) (*Event, error) {
	var payload playStorePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("error parsing notification payload: %w", err)
	}

	notification := payload.SubscriptionNotification
	if notification.PurchaseToken == "" {
		return nil, fmt.Errorf("notification has no purchase token")
	}

	kind, ok := playStoreEventKinds[notification.NotificationType]
	if !ok {
		kind = EventUnknown
	}

	event := &Event{
		Kind:                  kind,
		Provider:              models.WebhookProviderPlayStore,
		RawEvent:              fmt.Sprintf("notification_type_%d", notification.NotificationType),
		GatewayEventID:        fmt.Sprintf("%s:%s", notification.PurchaseToken, payload.EventTimeMillis),
		GatewaySubscriptionID: notification.PurchaseToken,
		GatewayPlanID:         notification.SubscriptionID,
		Raw:                   json.RawMessage(body),
	}
	if kind == EventSubscriptionCharged || kind == EventInvoicePaid {
		event.InvoiceID = event.GatewayEventID
		now := time.Now()
		event.PaidAt = &now
	}

	return event, nil
}
