package webhook

import (
	"strconv"
	"testing"
	"time"

	"github.com/coursehub/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRazorpayEventCharged(t *testing.T) {
	body := []byte(`{
		"event": "subscription.charged",
		"payload": {
			"subscription": {
				"entity": {
					"id": "sub_100",
					"plan_id": "plan_100",
					"status": "active",
					"current_start": 1767225600,
					"current_end": 1769904000,
					"notes": {"trial": "true"}
				}
			},
			"payment": {
				"entity": {
					"id": "pay_100",
					"invoice_id": "inv_100",
					"amount": 49900,
					"status": "captured",
					"created_at": 1767225700
				}
			}
		}
	}`)

	event, err := ParseRazorpayEvent(body, "evt_100")
	require.NoError(t, err)

	assert.Equal(t, EventSubscriptionCharged, event.Kind)
	assert.Equal(t, models.WebhookProviderRazorpay, event.Provider)
	assert.Equal(t, "subscription.charged", event.RawEvent)
	assert.Equal(t, "evt_100", event.GatewayEventID)
	assert.Equal(t, "sub_100", event.GatewaySubscriptionID)
	assert.Equal(t, "plan_100", event.GatewayPlanID)
	assert.Equal(t, "pay_100", event.PaymentID)
	assert.Equal(t, "inv_100", event.InvoiceID)
	assert.Equal(t, int64(49900), event.Amount)
	assert.Equal(t, "true", event.Notes["trial"])

	require.NotNil(t, event.PeriodStart)
	assert.Equal(t, time.Unix(1767225600, 0).Unix(), event.PeriodStart.Unix())
	require.NotNil(t, event.PeriodEnd)
	assert.Equal(t, time.Unix(1769904000, 0).Unix(), event.PeriodEnd.Unix())
	require.NotNil(t, event.PaidAt)
	assert.Equal(t, time.Unix(1767225700, 0).Unix(), event.PaidAt.Unix())
}

func TestParseRazorpayEventInvoiceFallbacks(t *testing.T) {
	// invoice.paid carries the subscription id on the invoice entity, not
	// the subscription entity
	body := []byte(`{
		"event": "invoice.paid",
		"payload": {
			"invoice": {
				"entity": {
					"id": "inv_200",
					"subscription_id": "sub_200",
					"payment_id": "pay_200",
					"amount": 29900,
					"status": "paid",
					"paid_at": 1767312000
				}
			}
		}
	}`)

	event, err := ParseRazorpayEvent(body, "evt_200")
	require.NoError(t, err)

	assert.Equal(t, EventInvoicePaid, event.Kind)
	assert.Equal(t, "sub_200", event.GatewaySubscriptionID)
	assert.Equal(t, "pay_200", event.PaymentID)
	assert.Equal(t, "inv_200", event.InvoiceID)
	assert.Equal(t, int64(29900), event.Amount)
	require.NotNil(t, event.PaidAt)
	assert.Equal(t, time.Unix(1767312000, 0).Unix(), event.PaidAt.Unix())
}

func TestParseRazorpayEventCompletedMapsToExpired(t *testing.T) {
	body := []byte(`{
		"event": "subscription.completed",
		"payload": {
			"subscription": {
				"entity": {"id": "sub_300", "status": "completed", "ended_at": 1767398400}
			}
		}
	}`)

	event, err := ParseRazorpayEvent(body, "evt_300")
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionExpired, event.Kind)
	require.NotNil(t, event.PeriodEnd)
	assert.Equal(t, time.Unix(1767398400, 0).Unix(), event.PeriodEnd.Unix())
}

func TestParseRazorpayEventPaymentCaptured(t *testing.T) {
	body := []byte(`{
		"event": "payment.captured",
		"payload": {
			"payment": {
				"entity": {
					"id": "pay_400",
					"order_id": "order_400",
					"amount": 999900,
					"status": "captured",
					"created_at": 1767225700
				}
			}
		}
	}`)

	event, err := ParseRazorpayEvent(body, "evt_400")
	require.NoError(t, err)
	assert.Equal(t, EventPaymentCaptured, event.Kind)
	assert.Equal(t, "order_400", event.OrderID)
	assert.Equal(t, "pay_400", event.PaymentID)
	assert.Equal(t, int64(999900), event.Amount)
}

func TestParseRazorpayEventOrderPaidFallback(t *testing.T) {
	// order.paid carries the order id on the order entity
	body := []byte(`{
		"event": "order.paid",
		"payload": {
			"order": {
				"entity": {"id": "order_500", "amount": 49900, "status": "paid"}
			}
		}
	}`)

	event, err := ParseRazorpayEvent(body, "evt_500")
	require.NoError(t, err)
	assert.Equal(t, EventPaymentCaptured, event.Kind)
	assert.Equal(t, "order_500", event.OrderID)
	assert.Equal(t, int64(49900), event.Amount)
}

func TestParseRazorpayEventUnknownKind(t *testing.T) {
	event, err := ParseRazorpayEvent([]byte(`{"event": "refund.created", "payload": {}}`), "evt_400")
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, event.Kind)
	assert.Equal(t, "refund.created", event.RawEvent)
}

func TestParseRazorpayEventMalformed(t *testing.T) {
	_, err := ParseRazorpayEvent([]byte(`not json`), "evt_500")
	assert.Error(t, err)
}

func TestParsePlayStoreEventRenewed(t *testing.T) {
	body := []byte(`{
		"version": "1.0",
		"packageName": "com.coursehub.app",
		"eventTimeMillis": "1767225600000",
		"subscriptionNotification": {
			"version": "1.0",
			"notificationType": 2,
			"purchaseToken": "token_abc",
			"subscriptionId": "monthly_all_access"
		}
	}`)

	event, err := ParsePlayStoreEvent(body)
	require.NoError(t, err)

	assert.Equal(t, EventSubscriptionCharged, event.Kind)
	assert.Equal(t, models.WebhookProviderPlayStore, event.Provider)
	assert.Equal(t, "token_abc", event.GatewaySubscriptionID)
	assert.Equal(t, "monthly_all_access", event.GatewayPlanID)
	// dedup key and synthetic invoice id come from token and event time
	assert.Equal(t, "token_abc:1767225600000", event.GatewayEventID)
	assert.Equal(t, "token_abc:1767225600000", event.InvoiceID)
	assert.NotNil(t, event.PaidAt)
}

func TestParsePlayStoreEventMapping(t *testing.T) {
	cases := map[int]EventKind{
		1:  EventInvoicePaid,
		2:  EventSubscriptionCharged,
		3:  EventSubscriptionCancelled,
		4:  EventSubscriptionActivated,
		5:  EventSubscriptionHalted,
		6:  EventInvoicePaymentFailed,
		13: EventSubscriptionExpired,
		7:  EventUnknown,
	}
	for notificationType, want := range cases {
		body := []byte(`{
			"eventTimeMillis": "1767225600000",
			"subscriptionNotification": {
				"notificationType": ` + strconv.Itoa(notificationType) + `,
				"purchaseToken": "token_abc"
			}
		}`)
		event, err := ParsePlayStoreEvent(body)
		require.NoError(t, err)
		assert.Equalf(t, want, event.Kind, "notification type %d", notificationType)
	}
}

func TestParsePlayStoreEventNoToken(t *testing.T) {
	body := []byte(`{"eventTimeMillis": "1767225600000", "subscriptionNotification": {"notificationType": 4}}`)
	_, err := ParsePlayStoreEvent(body)
	assert.Error(t, err)
}
