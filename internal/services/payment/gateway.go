package payment

import (
	"fmt"
	"time"
)

// Gateway is the narrow boundary to the external payment provider. The
// lifecycle manager and plan registry only ever touch the gateway through
// this interface, so tests can swap in a fake.
type Gateway interface {
	// CreatePlan registers a recurring billing template and returns the
	// gateway-assigned plan id.
	CreatePlan(req CreatePlanRequest) (string, error)

	// CreateOrder creates a one-time payment order (lifetime purchases).
	CreateOrder(req CreateOrderRequest) (*Order, error)

	// CreateSubscription creates a recurring subscription, optionally with
	// an upfront addon charge for a paid trial.
	CreateSubscription(req CreateSubscriptionRequest) (*GatewaySubscription, error)

	// CancelSubscription cancels a subscription, either immediately or at
	// the end of the current billing cycle.
	CancelSubscription(gatewaySubscriptionID string, atCycleEnd bool) error

	// VerifyPaymentSignature checks the signature returned by the checkout
	// callback for a one-time order payment.
	VerifyPaymentSignature(orderID, paymentID, signature string) bool

	// VerifyWebhookSignature checks a webhook signature over the exact raw
	// request body bytes.
	VerifyWebhookSignature(body []byte, signature string) bool
}

// CreatePlanRequest describes a recurring billing template
type CreatePlanRequest struct {
	Name     string
	Period   string // "monthly" or "yearly"
	Amount   int64  // minor units
	Currency string
	Notes    map[string]string
}

// CreateOrderRequest describes a one-time order
type CreateOrderRequest struct {
	Amount   int64 // minor units
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is a gateway one-time order
type Order struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
}

// AddonItem is an upfront charge attached to a subscription (paid trials)
type AddonItem struct {
	Name     string
	Amount   int64
	Currency string
}

// CreateSubscriptionRequest describes a recurring subscription
type CreateSubscriptionRequest struct {
	PlanID         string // gateway plan id
	TotalCount     int    // number of billing cycles
	StartAt        *time.Time
	Addons         []AddonItem
	Notes          map[string]string
	CustomerNotify bool
}

// GatewaySubscription is a gateway recurring subscription
type GatewaySubscription struct {
	ID           string
	PlanID       string
	Status       string
	ShortURL     string
	CurrentStart *time.Time
	CurrentEnd   *time.Time
}

// Error wraps a gateway-side failure so callers can distinguish it from
// local validation errors
type Error struct {
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
