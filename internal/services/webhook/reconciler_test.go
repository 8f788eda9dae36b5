package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/catalog"
	"github.com/coursehub/backend/internal/services/entitlement"
	"github.com/coursehub/backend/internal/services/payment"
	"github.com/coursehub/backend/internal/services/subscription"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubGateway satisfies the gateway interface; the reconciler only reaches
// it through the redundancy cleanup after an activation
type stubGateway struct{}

func (stubGateway) CreatePlan(payment.CreatePlanRequest) (string, error) { return "plan_stub", nil }

func (stubGateway) CreateOrder(payment.CreateOrderRequest) (*payment.Order, error) {
	return &payment.Order{ID: "order_stub"}, nil
}
func (stubGateway) CreateSubscription(payment.CreateSubscriptionRequest) (*payment.GatewaySubscription, error) {
	return &payment.GatewaySubscription{ID: "sub_stub"}, nil
}
func (stubGateway) CancelSubscription(string, bool) error { return nil }

func (stubGateway) VerifyPaymentSignature(string, string, string) bool { return true }

func (stubGateway) VerifyWebhookSignature([]byte, string) bool { return true }

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.User{}, &models.Category{}, &models.Course{},
		&models.Plan{}, &models.Subscription{}, &models.Payment{},
		&models.Entitlement{}, &models.WebhookEvent{},
	)
	require.NoError(t, err)

	return db
}

func newReconciler(t *testing.T) (*Reconciler, *gorm.DB) {
	db := setupTestDB(t)
	catalogSvc := catalog.NewCatalogService(db)
	entitlementSvc := entitlement.NewEntitlementService(db, catalogSvc)
	subs := subscription.NewSubscriptionService(db, stubGateway{}, entitlementSvc, catalogSvc)
	return NewReconciler(db, subs), db
}

type fixture struct {
	user *models.User
	plan *models.Plan
	sub  *models.Subscription
}

func newFixture(t *testing.T, db *gorm.DB, mutate func(*models.Plan, *models.Subscription)) *fixture {
	user := models.User{Email: uuid.NewString() + "@example.com", Role: models.UserRoleUser}
	require.NoError(t, db.Create(&user).Error)

	plan := models.Plan{
		Name:             uuid.NewString(),
		PlanType:         models.PlanTypeWholeApp,
		SubscriptionType: models.SubscriptionTypeMonthly,
		Price:            49900,
		GatewayPlanID:    "plan_100",
		IsActive:         true,
	}
	sub := models.Subscription{
		Provider:              models.ProviderGatewayRecurring,
		GatewaySubscriptionID: "sub_100",
		Status:                models.SubscriptionStatusPending,
	}
	if mutate != nil {
		mutate(&plan, &sub)
	}
	require.NoError(t, db.Create(&plan).Error)
	sub.UserID = user.ID
	sub.PlanID = plan.ID
	require.NoError(t, db.Create(&sub).Error)

	return &fixture{user: &user, plan: &plan, sub: &sub}
}

func (f *fixture) reload(t *testing.T, db *gorm.DB) {
	// reset before querying: gorm leaves stale values in place for NULL columns
	subID, userID := f.sub.ID, f.user.ID
	*f.sub = models.Subscription{}
	*f.user = models.User{}
	require.NoError(t, db.First(f.sub, "id = ?", subID).Error)
	require.NoError(t, db.First(f.user, "id = ?", userID).Error)
}

func (f *fixture) entitlement(t *testing.T, db *gorm.DB) *models.Entitlement {
	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", f.user.ID).First(&ent).Error)
	return &ent
}

func chargedEvent(invoiceID string, periodEnd *time.Time) *Event {
	now := time.Now()
	return &Event{
		Kind:                  EventSubscriptionCharged,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "subscription.charged",
		GatewaySubscriptionID: "sub_100",
		InvoiceID:             invoiceID,
		PaymentID:             "pay_100",
		Amount:                49900,
		PeriodStart:           &now,
		PeriodEnd:             periodEnd,
		PaidAt:                &now,
		Raw:                   json.RawMessage(`{}`),
	}
}

func TestProcessDeduplicatesByEventID(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, nil)

	end := time.Now().Add(30 * 24 * time.Hour)
	event := chargedEvent("inv_1", &end)
	event.GatewayEventID = "evt_1"

	require.NoError(t, r.Process(event))
	require.NoError(t, r.Process(event))

	// one ledger entry processed, one payment settled, one period extension
	var ledgerCount int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).Where("gateway_event_id = ?", "evt_1").Count(&ledgerCount).Error)
	assert.Equal(t, int64(1), ledgerCount)

	var payCount int64
	require.NoError(t, db.Model(&models.Payment{}).Where("invoice_id = ?", "inv_1").Count(&payCount).Error)
	assert.Equal(t, int64(1), payCount)

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusActive, f.sub.Status)
}

func TestLedgerEnforcesUniqueEventID(t *testing.T) {
	_, db := newReconciler(t)

	first := models.WebhookEvent{
		Provider:       models.WebhookProviderRazorpay,
		Event:          "subscription.charged",
		GatewayEventID: "evt_dup",
		RawData:        models.JSON{"body": "{}"},
	}
	require.NoError(t, db.Create(&first).Error)

	// the dedup is a database constraint, not just a read-then-insert
	dup := models.WebhookEvent{
		Provider:       models.WebhookProviderRazorpay,
		Event:          "subscription.charged",
		GatewayEventID: "evt_dup",
		RawData:        models.JSON{"body": "{}"},
	}
	assert.Error(t, db.Create(&dup).Error)

	// event ids without a value stay unconstrained
	blank := models.WebhookEvent{Provider: models.WebhookProviderRazorpay, Event: "a", RawData: models.JSON{"body": "{}"}}
	require.NoError(t, db.Create(&blank).Error)
	blank2 := models.WebhookEvent{Provider: models.WebhookProviderRazorpay, Event: "b", RawData: models.JSON{"body": "{}"}}
	require.NoError(t, db.Create(&blank2).Error)
}

func TestProcessRetriesFailedDeliveryOnSameLedgerRow(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusActive
	})

	// a delivery that failed processing earlier left an unprocessed row
	stale := models.WebhookEvent{
		Provider:       models.WebhookProviderRazorpay,
		Event:          "subscription.charged",
		GatewayEventID: "evt_retry",
		RawData:        models.JSON{"body": "{}"},
		Error:          "database unavailable",
	}
	require.NoError(t, db.Create(&stale).Error)

	end := time.Now().Add(30 * 24 * time.Hour)
	event := chargedEvent("inv_retry", &end)
	event.GatewayEventID = "evt_retry"
	require.NoError(t, r.Process(event))

	// the retry reuses the row instead of violating the unique index
	var rows []models.WebhookEvent
	require.NoError(t, db.Where("gateway_event_id = ?", "evt_retry").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Processed)
	assert.Empty(t, rows[0].Error)

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusActive, f.sub.Status)
}

func TestProcessRecordsLedgerEntry(t *testing.T) {
	r, db := newReconciler(t)
	newFixture(t, db, nil)

	end := time.Now().Add(30 * 24 * time.Hour)
	event := chargedEvent("inv_1", &end)
	event.GatewayEventID = "evt_1"
	require.NoError(t, r.Process(event))

	var record models.WebhookEvent
	require.NoError(t, db.Where("gateway_event_id = ?", "evt_1").First(&record).Error)
	assert.True(t, record.Processed)
	assert.NotNil(t, record.ProcessedAt)
	assert.Equal(t, "subscription.charged", record.Event)
}

func TestActivationStartsTrial(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		p.TrialDays = 7
		s.IsTrial = true
	})

	event := &Event{
		Kind:                  EventSubscriptionActivated,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "subscription.activated",
		GatewayEventID:        "evt_act",
		GatewaySubscriptionID: "sub_100",
		Notes:                 map[string]string{"trial": "true"},
		Raw:                   json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusTrial, f.sub.Status)
	require.NotNil(t, f.sub.TrialEndsAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *f.sub.TrialEndsAt, time.Minute)
	assert.True(t, f.user.HasUsedTrial)

	ent := f.entitlement(t, db)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
	assert.Equal(t, models.EntitlementTypeWholeApp, ent.Type)
}

func TestActivationWithoutTrial(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, nil)

	start := time.Now()
	end := start.Add(30 * 24 * time.Hour)
	event := &Event{
		Kind:                  EventSubscriptionActivated,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "subscription.activated",
		GatewaySubscriptionID: "sub_100",
		PeriodStart:           &start,
		PeriodEnd:             &end,
		Raw:                   json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusActive, f.sub.Status)
	assert.False(t, f.user.HasUsedTrial)
}

func TestAuthenticatedSettlesPaidTrial(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		p.TrialDays = 7
		p.TrialFee = 19900
		s.IsTrial = true
	})

	pending := models.Payment{
		UserID:         f.user.ID,
		PlanID:         f.plan.ID,
		SubscriptionID: &f.sub.ID,
		Amount:         19900,
		PaymentType:    models.PaymentTypeTrial,
		Status:         models.PaymentStatusPending,
	}
	require.NoError(t, db.Create(&pending).Error)

	event := &Event{
		Kind:                  EventSubscriptionAuthenticated,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "subscription.authenticated",
		GatewaySubscriptionID: "sub_100",
		PaymentID:             "pay_trial",
		Raw:                   json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))

	require.NoError(t, db.First(&pending, "id = ?", pending.ID).Error)
	assert.Equal(t, models.PaymentStatusPaid, pending.Status)
	assert.Equal(t, "pay_trial", pending.PaymentID)
	assert.True(t, pending.IsWebhookProcessed)

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusTrial, f.sub.Status)
	require.NotNil(t, f.sub.TrialEndsAt)
	assert.True(t, f.user.HasUsedTrial)
}

func TestChargeExtendsPeriodOnce(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusActive
	})

	end := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, r.Process(chargedEvent("inv_1", &end)))

	f.reload(t, db)
	require.NotNil(t, f.sub.CurrentPeriodEnd)
	assert.WithinDuration(t, end, *f.sub.CurrentPeriodEnd, time.Second)

	// redelivery without a gateway event id still settles nothing twice:
	// the invoice id dedupes it
	require.NoError(t, r.Process(chargedEvent("inv_1", &end)))
	var payCount int64
	require.NoError(t, db.Model(&models.Payment{}).Where("invoice_id = ?", "inv_1").Count(&payCount).Error)
	assert.Equal(t, int64(1), payCount)
}

func TestChargeRecoversPastDue(t *testing.T) {
	r, db := newReconciler(t)
	grace := time.Now().Add(72 * time.Hour)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusPastDue
		s.GraceUntil = &grace
	})

	end := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, r.Process(chargedEvent("inv_1", &end)))

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusActive, f.sub.Status)
	assert.Nil(t, f.sub.GraceUntil)
	ent := f.entitlement(t, db)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
}

func TestChargeWithoutPeriodBoundsExtendsByInterval(t *testing.T) {
	// mobile-store renewals carry no period bounds
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Provider = models.ProviderMobileStore
		s.Status = models.SubscriptionStatusActive
	})

	event := chargedEvent("token:1767225600000", nil)
	event.Provider = models.WebhookProviderPlayStore
	require.NoError(t, r.Process(event))

	f.reload(t, db)
	require.NotNil(t, f.sub.CurrentPeriodEnd)
	assert.WithinDuration(t, time.Now().AddDate(0, 1, 0), *f.sub.CurrentPeriodEnd, time.Minute)
}

func TestLateChargeDoesNotResurrectCancelled(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusCancelled
	})

	end := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, r.Process(chargedEvent("inv_late", &end)))

	// the money is recorded but the cancellation stands
	var pay models.Payment
	require.NoError(t, db.Where("invoice_id = ?", "inv_late").First(&pay).Error)
	assert.Equal(t, models.PaymentStatusPaid, pay.Status)

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusCancelled, f.sub.Status)
}

func TestCapturedOrderSettlesLifetimePurchase(t *testing.T) {
	// the checkout callback never fires when the user closes the tab
	// after paying; the capture webhook must settle the order on its own
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		p.SubscriptionType = models.SubscriptionTypeLifetime
		p.Price = 999900
		s.Provider = models.ProviderGatewayOneTime
		s.GatewaySubscriptionID = ""
	})

	pending := models.Payment{
		UserID:         f.user.ID,
		PlanID:         f.plan.ID,
		SubscriptionID: &f.sub.ID,
		OrderID:        "order_lt1",
		Amount:         999900,
		PaymentType:    models.PaymentTypeOneTime,
		Status:         models.PaymentStatusPending,
	}
	require.NoError(t, db.Create(&pending).Error)

	event := &Event{
		Kind:      EventPaymentCaptured,
		Provider:  models.WebhookProviderRazorpay,
		RawEvent:  "payment.captured",
		OrderID:   "order_lt1",
		PaymentID: "pay_lt1",
		Amount:    999900,
		Raw:       json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))

	require.NoError(t, db.First(&pending, "id = ?", pending.ID).Error)
	assert.Equal(t, models.PaymentStatusPaid, pending.Status)
	assert.Equal(t, "pay_lt1", pending.PaymentID)
	assert.True(t, pending.IsWebhookProcessed)

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusActive, f.sub.Status)

	ent := f.entitlement(t, db)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
	assert.Nil(t, ent.ValidUntil)

	// redelivery settles nothing twice
	require.NoError(t, r.Process(event))
	var payCount int64
	require.NoError(t, db.Model(&models.Payment{}).Where("order_id = ?", "order_lt1").Count(&payCount).Error)
	assert.Equal(t, int64(1), payCount)
}

func TestCapturedOrderForUnknownOrderAcknowledged(t *testing.T) {
	// captures for recurring invoices carry order ids we never stored;
	// those settle through their subscription events instead
	r, _ := newReconciler(t)

	event := &Event{
		Kind:     EventPaymentCaptured,
		Provider: models.WebhookProviderRazorpay,
		RawEvent: "payment.captured",
		OrderID:  "order_recurring",
		Raw:      json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))
}

func TestInvoiceGeneratedCreatesPendingPayment(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusActive
	})

	event := &Event{
		Kind:                  EventInvoiceGenerated,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "invoice.generated",
		GatewaySubscriptionID: "sub_100",
		InvoiceID:             "inv_next",
		Amount:                49900,
		Raw:                   json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))
	require.NoError(t, r.Process(event))

	var pays []models.Payment
	require.NoError(t, db.Where("invoice_id = ?", "inv_next").Find(&pays).Error)
	require.Len(t, pays, 1)
	assert.Equal(t, models.PaymentStatusPending, pays[0].Status)
	assert.Equal(t, f.user.ID, pays[0].UserID)
}

func TestPaymentFailedOpensGraceWindow(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusActive
	})

	event := &Event{
		Kind:                  EventInvoicePaymentFailed,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "invoice.payment_failed",
		GatewaySubscriptionID: "sub_100",
		InvoiceID:             "inv_fail",
		Raw:                   json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusPastDue, f.sub.Status)
	require.NotNil(t, f.sub.GraceUntil)
	firstGrace := *f.sub.GraceUntil
	assert.WithinDuration(t, time.Now().Add(subscription.GracePeriod), firstGrace, time.Minute)

	// access survives through the grace window
	ent := f.entitlement(t, db)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
	require.NotNil(t, ent.ValidUntil)

	// a redelivered failure must not push the window out
	require.NoError(t, r.Process(event))
	f.reload(t, db)
	assert.Equal(t, firstGrace.Unix(), f.sub.GraceUntil.Unix())
}

func TestCancellationRevokesEntitlement(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusActive
	})
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.subs.Transition(tx, f.sub, models.SubscriptionStatusActive, nil)
	}))

	event := &Event{
		Kind:                  EventSubscriptionCancelled,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "subscription.cancelled",
		GatewaySubscriptionID: "sub_100",
		Raw:                   json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusCancelled, f.sub.Status)
	require.NotNil(t, f.sub.CancelledAt)
	ent := f.entitlement(t, db)
	assert.Equal(t, models.EntitlementStatusRevoked, ent.Status)
}

func TestHaltRevokesEntitlement(t *testing.T) {
	r, db := newReconciler(t)
	f := newFixture(t, db, func(p *models.Plan, s *models.Subscription) {
		s.Status = models.SubscriptionStatusPastDue
	})
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.subs.Transition(tx, f.sub, models.SubscriptionStatusPastDue, nil)
	}))

	event := &Event{
		Kind:                  EventSubscriptionHalted,
		Provider:              models.WebhookProviderRazorpay,
		RawEvent:              "subscription.halted",
		GatewaySubscriptionID: "sub_100",
		Raw:                   json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))

	f.reload(t, db)
	assert.Equal(t, models.SubscriptionStatusHalted, f.sub.Status)
	ent := f.entitlement(t, db)
	assert.Equal(t, models.EntitlementStatusRevoked, ent.Status)
}

func TestUnknownEventAcknowledged(t *testing.T) {
	r, db := newReconciler(t)
	newFixture(t, db, nil)

	event := &Event{
		Kind:     EventUnknown,
		Provider: models.WebhookProviderRazorpay,
		RawEvent: "refund.created",
		Raw:      json.RawMessage(`{}`),
	}
	require.NoError(t, r.Process(event))
}

func TestMissingLocalSubscriptionAcknowledged(t *testing.T) {
	r, _ := newReconciler(t)

	end := time.Now().Add(30 * 24 * time.Hour)
	event := chargedEvent("inv_orphan", &end)
	event.GatewaySubscriptionID = "sub_unknown"
	require.NoError(t, r.Process(event))
}
