package webhook

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/subscription"
	"gorm.io/gorm"
)

// Reconciler consumes normalized gateway events and brings Subscription,
// Payment and Entitlement into a consistent state. Handlers are idempotent
// against redelivery and status-aware against out-of-order delivery: a late
// invoice.paid must not resurrect a cancelled subscription.
//
// A missing local subscription is logged and acknowledged, never an error:
// the gateway would retry-storm on anything but a 2xx, and data that does
// not exist locally will not appear by retrying.
type Reconciler struct {
	db   *gorm.DB
	subs *subscription.SubscriptionService
}

// NewReconciler creates a new webhook reconciler
func NewReconciler(db *gorm.DB, subs *subscription.SubscriptionService) *Reconciler {
	return &Reconciler{db: db, subs: subs}
}

// Process records and dispatches one normalized event. Redeliveries are
// detected by the gateway-assigned event id when present; each handler is
// additionally idempotent on its own, since not every provider sends one.
func (r *Reconciler) Process(event *Event) error {
	var record models.WebhookEvent
	retrying := false
	if event.GatewayEventID != "" {
		err := r.db.
			Where("gateway_event_id = ? AND provider = ?", event.GatewayEventID, event.Provider).
			First(&record).Error
		switch {
		case err == nil && record.Processed:
			log.Printf("Skipping already-processed %s event %s", event.Provider, event.GatewayEventID)
			return nil
		case err == nil:
			// an earlier delivery failed processing; retry on the same
			// ledger row, the unique index forbids a second one
			retrying = true
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("error checking event ledger: %w", err)
		}
	}

	if !retrying {
		record = models.WebhookEvent{
			Provider:       event.Provider,
			Event:          event.RawEvent,
			GatewayEventID: event.GatewayEventID,
			RawData:        models.JSON{"body": string(event.Raw)},
		}
		if err := r.db.Create(&record).Error; err != nil {
			return fmt.Errorf("error recording webhook event: %w", err)
		}
	}

	err := r.dispatch(event)

	now := time.Now()
	updates := map[string]interface{}{
		"processed":    err == nil,
		"processed_at": &now,
	}
	if err != nil {
		updates["error"] = err.Error()
	} else {
		updates["error"] = ""
	}
	if updErr := r.db.Model(&record).Updates(updates).Error; updErr != nil {
		log.Printf("Failed to update webhook event record %s: %v", record.ID, updErr)
	}
	return err
}

func (r *Reconciler) dispatch(event *Event) error {
	switch event.Kind {
	case EventSubscriptionActivated:
		return r.handleSubscriptionActivated(event)
	case EventSubscriptionAuthenticated:
		return r.handleSubscriptionAuthenticated(event)
	case EventSubscriptionCharged, EventInvoicePaid:
		return r.handleChargeSucceeded(event)
	case EventSubscriptionCancelled:
		return r.handleSubscriptionCancelled(event)
	case EventSubscriptionHalted:
		return r.handleSubscriptionHalted(event)
	case EventSubscriptionExpired:
		return r.handleSubscriptionExpired(event)
	case EventInvoiceGenerated:
		return r.handleInvoiceGenerated(event)
	case EventInvoicePaymentFailed:
		return r.handlePaymentFailed(event)
	case EventPaymentCaptured:
		return r.handleOneTimeCaptured(event)
	default:
		log.Printf("Ignoring unknown %s event %q", event.Provider, event.RawEvent)
		return nil
	}
}

// handleSubscriptionActivated moves a pending subscription into trial or
// active. Trial end is computed from the trial-fee payment timestamp for
// paid trials, from now for free ones.
func (r *Reconciler) handleSubscriptionActivated(event *Event) error {
	sub, plan, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}
	if sub.Status.IsTerminal() {
		log.Printf("Ignoring activation for terminal subscription %s", sub.ID)
		return nil
	}

	isTrial := sub.IsTrial || event.Notes["trial"] == "true"
	if plan.TrialDays <= 0 {
		isTrial = false
	}

	status := models.SubscriptionStatusActive
	var trialEndsAt *time.Time
	if isTrial {
		status = models.SubscriptionStatusTrial
		anchor := time.Now()
		if paidAt := r.trialFeePaidAt(sub); paidAt != nil {
			anchor = *paidAt
		} else if event.PaidAt != nil {
			anchor = *event.PaidAt
		}
		t := anchor.Add(time.Duration(plan.TrialDays) * 24 * time.Hour)
		trialEndsAt = &t
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := r.subs.Transition(tx, sub, status, func(sub *models.Subscription) {
			sub.IsTrial = isTrial
			if trialEndsAt != nil {
				sub.TrialEndsAt = trialEndsAt
			}
			if event.PeriodStart != nil {
				sub.CurrentPeriodStart = event.PeriodStart
			}
			if event.PeriodEnd != nil {
				sub.CurrentPeriodEnd = event.PeriodEnd
			}
			sub.GraceUntil = nil
		}); err != nil {
			return err
		}
		if isTrial {
			return r.markTrialUsed(tx, sub)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.subs.CleanupRedundantSubscriptions(sub.UserID, plan.PlanType, plan.TargetID)
	return nil
}

// handleSubscriptionAuthenticated fires when the paid-trial addon charge
// completes: the trial payment settles and the trial starts
func (r *Reconciler) handleSubscriptionAuthenticated(event *Event) error {
	sub, plan, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}
	if sub.Status.IsTerminal() {
		log.Printf("Ignoring authentication for terminal subscription %s", sub.ID)
		return nil
	}

	paidAt := time.Now()
	if event.PaidAt != nil {
		paidAt = *event.PaidAt
	}
	trialEndsAt := paidAt.Add(time.Duration(plan.TrialDays) * 24 * time.Hour)

	return r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Payment{}).
			Where("subscription_id = ? AND payment_type = ? AND status = ?", sub.ID, models.PaymentTypeTrial, models.PaymentStatusPending).
			Updates(map[string]interface{}{
				"status":               models.PaymentStatusPaid,
				"payment_id":           event.PaymentID,
				"is_webhook_processed": true,
				"event_type":           event.RawEvent,
			}).Error
		if err != nil {
			return fmt.Errorf("error settling trial payment: %w", err)
		}

		if err := r.subs.Transition(tx, sub, models.SubscriptionStatusTrial, func(sub *models.Subscription) {
			sub.IsTrial = true
			sub.TrialEndsAt = &trialEndsAt
		}); err != nil {
			return err
		}
		return r.markTrialUsed(tx, sub)
	})
}

// handleChargeSucceeded settles a recurring charge: the payment goes to
// paid, the subscription (re)activates and period bounds refresh. Keyed by
// the gateway invoice id, so a redelivered event settles nothing twice.
func (r *Reconciler) handleChargeSucceeded(event *Event) error {
	sub, plan, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}

	if event.InvoiceID != "" {
		var prior models.Payment
		err := r.db.
			Where("invoice_id = ? AND is_webhook_processed = ?", event.InvoiceID, true).
			First(&prior).Error
		if err == nil {
			log.Printf("Invoice %s already settled, skipping", event.InvoiceID)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error checking invoice payment: %w", err)
		}
	}

	if sub.Status.IsTerminal() {
		// money arrived for a dead subscription: keep the ledger, skip the
		// status change so the cancellation is not silently undone
		log.Printf("Recording charge for terminal subscription %s without reactivating", sub.ID)
		return r.db.Transaction(func(tx *gorm.DB) error {
			return r.settleInvoicePayment(tx, sub, event)
		})
	}

	periodStart := event.PeriodStart
	periodEnd := event.PeriodEnd
	if periodEnd == nil {
		// the mobile store does not carry period bounds in its
		// notifications; extend by one billing interval
		start := time.Now()
		end := addBillingInterval(start, plan.SubscriptionType)
		periodStart = &start
		periodEnd = &end
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := r.settleInvoicePayment(tx, sub, event); err != nil {
			return err
		}
		return r.subs.Transition(tx, sub, models.SubscriptionStatusActive, func(sub *models.Subscription) {
			sub.IsTrial = false
			sub.CurrentPeriodStart = periodStart
			sub.CurrentPeriodEnd = periodEnd
			sub.GraceUntil = nil
			if periodEnd != nil {
				sub.NextBillingAt = periodEnd
			}
		})
	})
}

// handleOneTimeCaptured settles a lifetime-order payment delivered by the
// gateway. It races with the checkout callback for the same order; both
// paths settle the row keyed by the gateway order id, so whichever lands
// second no-ops. This path owns is_webhook_processed. The user closing the
// tab after paying kills the callback, never this.
func (r *Reconciler) handleOneTimeCaptured(event *Event) error {
	if event.OrderID == "" {
		log.Printf("%s capture event carries no order id, ignoring", event.Provider)
		return nil
	}

	var pay models.Payment
	err := r.db.Where("order_id = ? AND payment_type = ?", event.OrderID, models.PaymentTypeOneTime).First(&pay).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// captures for recurring invoices land here too; those settle
			// through their subscription and invoice events
			log.Printf("No one-time payment for order %s, ignoring", event.OrderID)
			return nil
		}
		return fmt.Errorf("error loading payment: %w", err)
	}

	if pay.Status == models.PaymentStatusPaid && pay.IsWebhookProcessed {
		log.Printf("Order %s already settled, skipping", event.OrderID)
		return nil
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":               models.PaymentStatusPaid,
			"is_webhook_processed": true,
			"event_type":           event.RawEvent,
		}
		if event.PaymentID != "" {
			updates["payment_id"] = event.PaymentID
		}
		if err := tx.Model(&pay).Updates(updates).Error; err != nil {
			return fmt.Errorf("error settling payment: %w", err)
		}

		if pay.SubscriptionID == nil {
			return nil
		}
		var sub models.Subscription
		if err := tx.First(&sub, "id = ?", *pay.SubscriptionID).Error; err != nil {
			return fmt.Errorf("error loading subscription: %w", err)
		}
		if sub.Status.IsTerminal() || sub.Status == models.SubscriptionStatusActive {
			// the callback already activated it, or a cancellation stands
			return nil
		}
		now := time.Now()
		return r.subs.Transition(tx, &sub, models.SubscriptionStatusActive, func(sub *models.Subscription) {
			sub.CurrentPeriodStart = &now
			sub.CurrentPeriodEnd = nil
		})
	})
	if err != nil {
		return err
	}

	var plan models.Plan
	if err := r.db.First(&plan, "id = ?", pay.PlanID).Error; err == nil {
		r.subs.CleanupRedundantSubscriptions(pay.UserID, plan.PlanType, plan.TargetID)
	}
	return nil
}

// handleInvoiceGenerated records the upcoming charge as a pending payment
func (r *Reconciler) handleInvoiceGenerated(event *Event) error {
	sub, _, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}
	if event.InvoiceID == "" {
		return nil
	}

	var existing models.Payment
	err = r.db.Where("invoice_id = ?", event.InvoiceID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("error checking invoice payment: %w", err)
	}

	pay := models.Payment{
		UserID:         sub.UserID,
		PlanID:         sub.PlanID,
		SubscriptionID: &sub.ID,
		InvoiceID:      event.InvoiceID,
		Amount:         event.Amount,
		PaymentType:    models.PaymentTypeRecurring,
		Status:         models.PaymentStatusPending,
		EventType:      event.RawEvent,
	}
	if err := r.db.Create(&pay).Error; err != nil {
		return fmt.Errorf("error recording invoice payment: %w", err)
	}
	return nil
}

// handlePaymentFailed marks the charge failed and opens the grace window.
// The entitlement survives: past_due retains access until the grace sweep.
func (r *Reconciler) handlePaymentFailed(event *Event) error {
	sub, _, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if event.InvoiceID != "" {
			err := tx.Model(&models.Payment{}).
				Where("invoice_id = ? AND status = ?", event.InvoiceID, models.PaymentStatusPending).
				Updates(map[string]interface{}{
					"status":     models.PaymentStatusFailed,
					"event_type": event.RawEvent,
				}).Error
			if err != nil {
				return fmt.Errorf("error failing invoice payment: %w", err)
			}
		}

		switch sub.Status {
		case models.SubscriptionStatusTrial, models.SubscriptionStatusActive:
			graceUntil := time.Now().Add(subscription.GracePeriod)
			return r.subs.Transition(tx, sub, models.SubscriptionStatusPastDue, func(sub *models.Subscription) {
				sub.GraceUntil = &graceUntil
			})
		default:
			// already past_due (redelivery must not extend grace) or terminal
			return nil
		}
	})
}

// handleSubscriptionCancelled transitions to cancelled and revokes the
// entitlement. Skipping that revoke is the one mistake this system exists
// to prevent.
func (r *Reconciler) handleSubscriptionCancelled(event *Event) error {
	sub, _, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}
	if sub.Status.IsTerminal() {
		return nil
	}

	end := time.Now()
	if event.PeriodEnd != nil {
		end = *event.PeriodEnd
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return r.subs.Transition(tx, sub, models.SubscriptionStatusCancelled, func(sub *models.Subscription) {
			now := time.Now()
			sub.CancelledAt = &now
			sub.CurrentPeriodEnd = &end
			sub.CancelAtPeriodEnd = false
		})
	})
}

func (r *Reconciler) handleSubscriptionHalted(event *Event) error {
	sub, _, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}
	if sub.Status.IsTerminal() {
		return nil
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return r.subs.Transition(tx, sub, models.SubscriptionStatusHalted, nil)
	})
}

func (r *Reconciler) handleSubscriptionExpired(event *Event) error {
	sub, _, ok, err := r.loadSubscription(event)
	if err != nil || !ok {
		return err
	}
	if sub.Status == models.SubscriptionStatusExpired {
		return nil
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return r.subs.Transition(tx, sub, models.SubscriptionStatusExpired, func(sub *models.Subscription) {
			if event.PeriodEnd != nil {
				sub.CurrentPeriodEnd = event.PeriodEnd
			}
		})
	})
}

// settleInvoicePayment marks the matching payment paid, creating the ledger
// row when invoice.generated never arrived (out-of-order delivery)
func (r *Reconciler) settleInvoicePayment(tx *gorm.DB, sub *models.Subscription, event *Event) error {
	if event.InvoiceID == "" {
		return nil
	}

	updates := map[string]interface{}{
		"status":               models.PaymentStatusPaid,
		"payment_id":           event.PaymentID,
		"is_webhook_processed": true,
		"event_type":           event.RawEvent,
	}

	var pay models.Payment
	err := tx.Where("invoice_id = ?", event.InvoiceID).First(&pay).Error
	if err == nil {
		if err := tx.Model(&pay).Updates(updates).Error; err != nil {
			return fmt.Errorf("error settling payment: %w", err)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("error loading invoice payment: %w", err)
	}

	pay = models.Payment{
		UserID:             sub.UserID,
		PlanID:             sub.PlanID,
		SubscriptionID:     &sub.ID,
		InvoiceID:          event.InvoiceID,
		PaymentID:          event.PaymentID,
		Amount:             event.Amount,
		PaymentType:        models.PaymentTypeRecurring,
		Status:             models.PaymentStatusPaid,
		IsWebhookProcessed: true,
		EventType:          event.RawEvent,
	}
	if err := tx.Create(&pay).Error; err != nil {
		return fmt.Errorf("error recording settled payment: %w", err)
	}
	return nil
}

// loadSubscription resolves the local subscription for an event. ok=false
// with a nil error means the event references data we do not have; the
// caller acknowledges and moves on.
func (r *Reconciler) loadSubscription(event *Event) (*models.Subscription, *models.Plan, bool, error) {
	if event.GatewaySubscriptionID == "" {
		log.Printf("%s event %q carries no subscription id, ignoring", event.Provider, event.RawEvent)
		return nil, nil, false, nil
	}

	var sub models.Subscription
	err := r.db.Where("gateway_subscription_id = ?", event.GatewaySubscriptionID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("No local subscription for gateway id %s (%s %q), ignoring", event.GatewaySubscriptionID, event.Provider, event.RawEvent)
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("error loading subscription: %w", err)
	}

	var plan models.Plan
	if err := r.db.First(&plan, "id = ?", sub.PlanID).Error; err != nil {
		return nil, nil, false, fmt.Errorf("error loading plan: %w", err)
	}
	return &sub, &plan, true, nil
}

func (r *Reconciler) trialFeePaidAt(sub *models.Subscription) *time.Time {
	var pay models.Payment
	err := r.db.
		Where("subscription_id = ? AND payment_type = ? AND status = ?", sub.ID, models.PaymentTypeTrial, models.PaymentStatusPaid).
		Order("updated_at DESC").
		First(&pay).Error
	if err != nil {
		return nil
	}
	t := pay.UpdatedAt
	return &t
}

func (r *Reconciler) markTrialUsed(tx *gorm.DB, sub *models.Subscription) error {
	err := tx.Model(&models.User{}).
		Where("id = ? AND has_used_trial = ?", sub.UserID, false).
		Update("has_used_trial", true).Error
	if err != nil {
		return fmt.Errorf("error marking trial used: %w", err)
	}
	return nil
}

func addBillingInterval(from time.Time, subType models.SubscriptionType) time.Time {
	if subType == models.SubscriptionTypeYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
