package subscription

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/catalog"
	"github.com/coursehub/backend/internal/services/entitlement"
	"github.com/coursehub/backend/internal/services/payment"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GracePeriod is how long a past_due subscription retains access after a
// failed recurring charge
const GracePeriod = 7 * 24 * time.Hour

// Billing cycle counts requested from the gateway per subscription type
const (
	monthlyCycleCount = 120
	yearlyCycleCount  = 10
)

var (
	// ErrPlanNotAvailable is returned for a missing, inactive or free plan
	ErrPlanNotAvailable = errors.New("plan is not available for purchase")
	// ErrSubscriptionNotFound is returned when the subscription does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrNotCancellable is returned when the status forbids the cancellation
	ErrNotCancellable = errors.New("subscription cannot be cancelled in its current status")
	// ErrNoGatewaySubscription is returned when the row has no gateway counterpart
	ErrNoGatewaySubscription = errors.New("subscription has no linked gateway subscription")
	// ErrInvalidSignature is returned when a payment callback signature fails
	ErrInvalidSignature = errors.New("payment signature verification failed")
	// ErrPaymentNotFound is returned when no payment matches a gateway order
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrUserNotFound is returned when the purchasing user does not exist
	ErrUserNotFound = errors.New("user not found")
)

// OverlapError is returned when the user already holds an equal or broader
// grant covering what the plan would sell them
type OverlapError struct {
	Reason string
}

func (e *OverlapError) Error() string {
	return e.Reason
}

// MobileReceipt is a pre-verified mobile-store purchase receipt. The store
// completed the purchase on-device; no further checkout happens server-side.
type MobileReceipt struct {
	StoreSubscriptionID string
	StartAt             time.Time
	ExpiresAt           time.Time
	IsTrial             bool
	Amount              int64
}

// CheckoutIntent is what the caller needs to finish (or confirm) a purchase
type CheckoutIntent struct {
	SubscriptionID        uuid.UUID                   `json:"subscription_id"`
	Provider              models.SubscriptionProvider `json:"provider"`
	GatewaySubscriptionID string                      `json:"gateway_subscription_id,omitempty"`
	GatewayOrderID        string                      `json:"gateway_order_id,omitempty"`
	AmountDue             int64                       `json:"amount_due"`
	IsTrial               bool                        `json:"is_trial"`
	TrialDays             int                         `json:"trial_days,omitempty"`
	Message               string                      `json:"message"`
}

// SubscriptionService orchestrates the subscription lifecycle: initiation,
// gateway calls, cancellation semantics and the background sweeps. All
// status changes funnel through Transition so the entitlement can never be
// left out of sync.
type SubscriptionService struct {
	db           *gorm.DB
	gateway      payment.Gateway
	entitlements *entitlement.EntitlementService
	catalog      *catalog.CatalogService
}

// NewSubscriptionService creates a new subscription service
func NewSubscriptionService(db *gorm.DB, gateway payment.Gateway, entitlements *entitlement.EntitlementService, catalogSvc *catalog.CatalogService) *SubscriptionService {
	return &SubscriptionService{
		db:           db,
		gateway:      gateway,
		entitlements: entitlements,
		catalog:      catalogSvc,
	}
}

// Transition moves a subscription into a new status and synchronizes the
// entitlement, both inside the given transaction. mutate runs before the
// save so callers can adjust period bounds alongside the status change.
// This is the only sanctioned way to change a subscription's status.
func (s *SubscriptionService) Transition(tx *gorm.DB, sub *models.Subscription, status models.SubscriptionStatus, mutate func(*models.Subscription)) error {
	sub.Status = status
	if mutate != nil {
		mutate(sub)
	}
	if err := tx.Save(sub).Error; err != nil {
		return fmt.Errorf("error saving subscription: %w", err)
	}
	if err := s.entitlements.SyncSubscription(tx, sub); err != nil {
		return fmt.Errorf("error syncing entitlement: %w", err)
	}
	return nil
}

// Initiate starts a purchase of a plan. Mobile-store purchases carry a
// pre-verified receipt and complete immediately; lifetime plans return a
// gateway order to pay; recurring plans return a gateway subscription to
// authorize.
func (s *SubscriptionService) Initiate(userID, planID uuid.UUID, receipt *MobileReceipt) (*CheckoutIntent, error) {
	var plan models.Plan
	if err := s.db.First(&plan, "id = ?", planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotAvailable
		}
		return nil, fmt.Errorf("error loading plan: %w", err)
	}
	if !plan.IsActive || plan.Price <= 0 {
		// free plans never reach the billing flow
		return nil, ErrPlanNotAvailable
	}

	var user models.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("error loading user: %w", err)
	}

	if err := s.checkOverlap(userID, &plan); err != nil {
		return nil, err
	}

	if receipt != nil {
		return s.initiateFromReceipt(&user, &plan, receipt)
	}
	if plan.SubscriptionType == models.SubscriptionTypeLifetime {
		return s.initiateLifetime(&user, &plan)
	}
	return s.initiateRecurring(&user, &plan)
}

// checkOverlap rejects a purchase already covered by an equal or broader
// grant the user holds
func (s *SubscriptionService) checkOverlap(userID uuid.UUID, plan *models.Plan) error {
	ents, err := s.entitlements.ActiveEntitlements(userID)
	if err != nil {
		return err
	}

	for _, ent := range ents {
		if ent.Type == models.EntitlementTypeWholeApp {
			return &OverlapError{Reason: "you already have full access to the app"}
		}
	}

	switch plan.PlanType {
	case models.PlanTypeCourse:
		for _, ent := range ents {
			if ent.Type == models.EntitlementTypeCourse && ent.TargetID != nil && *ent.TargetID == *plan.TargetID {
				return &OverlapError{Reason: "you already have access to this course"}
			}
		}
		ancestorIDs, err := s.catalog.CourseAncestorIDs(*plan.TargetID)
		if err != nil {
			return err
		}
		if covered(ents, ancestorIDs) {
			return &OverlapError{Reason: "you already have access to this course through your category subscription"}
		}

	case models.PlanTypeCategory:
		ancestorIDs, err := s.catalog.GetAncestorIDs(*plan.TargetID)
		if err != nil {
			return err
		}
		if covered(ents, ancestorIDs) {
			return &OverlapError{Reason: "you already have access to this category or a broader one"}
		}
	}

	return nil
}

// covered reports whether any CATEGORY entitlement targets one of the ids
func covered(ents []models.Entitlement, categoryIDs []uuid.UUID) bool {
	for _, ent := range ents {
		if ent.Type != models.EntitlementTypeCategory || ent.TargetID == nil {
			continue
		}
		for _, id := range categoryIDs {
			if *ent.TargetID == id {
				return true
			}
		}
	}
	return false
}

// initiateFromReceipt records an already-completed mobile-store purchase:
// the subscription activates and the entitlement syncs in one transaction
func (s *SubscriptionService) initiateFromReceipt(user *models.User, plan *models.Plan, receipt *MobileReceipt) (*CheckoutIntent, error) {
	status := models.SubscriptionStatusActive
	if receipt.IsTrial {
		status = models.SubscriptionStatusTrial
	}

	var sub models.Subscription
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.loadOrInitSubscription(tx, &sub, user.ID, plan.ID); err != nil {
			return err
		}
		sub.Provider = models.ProviderMobileStore
		sub.GatewaySubscriptionID = receipt.StoreSubscriptionID
		sub.IsTrial = receipt.IsTrial
		start := receipt.StartAt
		end := receipt.ExpiresAt
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.CancelAtPeriodEnd = false
		sub.GraceUntil = nil
		if receipt.IsTrial {
			sub.TrialEndsAt = &end
		}

		if err := s.Transition(tx, &sub, status, nil); err != nil {
			return err
		}

		paymentType := models.PaymentTypeRecurring
		if receipt.IsTrial {
			paymentType = models.PaymentTypeTrial
		}
		pay := models.Payment{
			UserID:         user.ID,
			PlanID:         plan.ID,
			SubscriptionID: &sub.ID,
			OrderID:        receipt.StoreSubscriptionID,
			Amount:         receipt.Amount,
			PaymentType:    paymentType,
			Status:         models.PaymentStatusPaid,
			EventType:      "mobile_store.purchase",
		}
		if err := tx.Create(&pay).Error; err != nil {
			return fmt.Errorf("error recording payment: %w", err)
		}

		if receipt.IsTrial && !user.HasUsedTrial {
			if err := tx.Model(user).Update("has_used_trial", true).Error; err != nil {
				return fmt.Errorf("error marking trial used: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutIntent{
		SubscriptionID:        sub.ID,
		Provider:              models.ProviderMobileStore,
		GatewaySubscriptionID: receipt.StoreSubscriptionID,
		AmountDue:             0,
		IsTrial:               receipt.IsTrial,
		Message:               "your purchase is active",
	}, nil
}

// initiateLifetime creates a gateway order for a one-time lifetime purchase.
// Entitlement is granted only once the payment is verified, either through
// the callback (VerifyOneTimePayment) or the payment webhook.
func (s *SubscriptionService) initiateLifetime(user *models.User, plan *models.Plan) (*CheckoutIntent, error) {
	order, err := s.gateway.CreateOrder(payment.CreateOrderRequest{
		Amount:   plan.Price,
		Currency: "INR",
		Receipt:  fmt.Sprintf("plan_%s_user_%s", plan.ID, user.ID),
		Notes: map[string]string{
			"plan_id": plan.ID.String(),
			"user_id": user.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	var sub models.Subscription
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.loadOrInitSubscription(tx, &sub, user.ID, plan.ID); err != nil {
			return err
		}
		sub.Provider = models.ProviderGatewayOneTime
		sub.Status = models.SubscriptionStatusPending
		sub.IsTrial = false
		if err := tx.Save(&sub).Error; err != nil {
			return fmt.Errorf("error saving subscription: %w", err)
		}

		pay := models.Payment{
			UserID:         user.ID,
			PlanID:         plan.ID,
			SubscriptionID: &sub.ID,
			OrderID:        order.ID,
			Amount:         plan.Price,
			PaymentType:    models.PaymentTypeOneTime,
			Status:         models.PaymentStatusPending,
		}
		if err := tx.Create(&pay).Error; err != nil {
			return fmt.Errorf("error recording payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutIntent{
		SubscriptionID: sub.ID,
		Provider:       models.ProviderGatewayOneTime,
		GatewayOrderID: order.ID,
		AmountDue:      plan.Price,
		Message:        "complete the payment to unlock lifetime access",
	}, nil
}

// initiateRecurring creates a gateway subscription, with an upfront addon
// charge when the plan carries a paid trial the user is still eligible for
func (s *SubscriptionService) initiateRecurring(user *models.User, plan *models.Plan) (*CheckoutIntent, error) {
	// A stale pending attempt must not block a retry; cancel it best-effort
	var existing models.Subscription
	err := s.db.Where("user_id = ? AND plan_id = ?", user.ID, plan.ID).First(&existing).Error
	if err == nil && existing.Status == models.SubscriptionStatusPending {
		s.abandonPendingAttempt(&existing)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error loading subscription: %w", err)
	}

	trialEligible := plan.TrialDays > 0 && !user.HasUsedTrial

	req := payment.CreateSubscriptionRequest{
		PlanID:         plan.GatewayPlanID,
		TotalCount:     cycleCount(plan),
		CustomerNotify: true,
		Notes: map[string]string{
			"plan_id": plan.ID.String(),
			"user_id": user.ID.String(),
		},
	}
	now := time.Now()
	if trialEligible {
		start := now.Add(time.Duration(plan.TrialDays) * 24 * time.Hour)
		req.StartAt = &start
		req.Notes["trial"] = "true"
		if plan.TrialFee > 0 {
			req.Addons = []payment.AddonItem{{
				Name:     fmt.Sprintf("%s trial", plan.Name),
				Amount:   plan.TrialFee,
				Currency: "INR",
			}}
		}
	}

	gatewaySub, err := s.gateway.CreateSubscription(req)
	if err != nil {
		return nil, err
	}

	var sub models.Subscription
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.loadOrInitSubscription(tx, &sub, user.ID, plan.ID); err != nil {
			return err
		}
		sub.Provider = models.ProviderGatewayRecurring
		sub.GatewaySubscriptionID = gatewaySub.ID
		sub.Status = models.SubscriptionStatusPending
		sub.IsTrial = trialEligible
		sub.CancelAtPeriodEnd = false
		sub.GraceUntil = nil
		if trialEligible {
			trialEnd := now.Add(time.Duration(plan.TrialDays) * 24 * time.Hour)
			sub.TrialEndsAt = &trialEnd
			sub.NextBillingAt = &trialEnd
		}
		if err := tx.Save(&sub).Error; err != nil {
			return fmt.Errorf("error saving subscription: %w", err)
		}

		if trialEligible && plan.TrialFee > 0 {
			pay := models.Payment{
				UserID:         user.ID,
				PlanID:         plan.ID,
				SubscriptionID: &sub.ID,
				Amount:         plan.TrialFee,
				PaymentType:    models.PaymentTypeTrial,
				Status:         models.PaymentStatusPending,
			}
			if err := tx.Create(&pay).Error; err != nil {
				return fmt.Errorf("error recording trial payment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	intent := &CheckoutIntent{
		SubscriptionID:        sub.ID,
		Provider:              models.ProviderGatewayRecurring,
		GatewaySubscriptionID: gatewaySub.ID,
		AmountDue:             plan.Price,
		IsTrial:               trialEligible,
	}
	switch {
	case trialEligible && plan.TrialFee > 0:
		intent.AmountDue = plan.TrialFee
		intent.TrialDays = plan.TrialDays
		intent.Message = fmt.Sprintf("pay the trial fee now; regular billing starts after your %d-day trial", plan.TrialDays)
	case trialEligible:
		intent.AmountDue = 0
		intent.TrialDays = plan.TrialDays
		intent.Message = fmt.Sprintf("authorize the subscription to start your free %d-day trial", plan.TrialDays)
	default:
		intent.Message = "authorize the subscription to activate your access"
	}
	return intent, nil
}

// abandonPendingAttempt cancels a half-finished previous checkout so the
// user can retry. Failures are logged, never surfaced: an unreachable
// gateway must not block the retry.
func (s *SubscriptionService) abandonPendingAttempt(sub *models.Subscription) {
	if sub.GatewaySubscriptionID != "" {
		if err := s.gateway.CancelSubscription(sub.GatewaySubscriptionID, false); err != nil {
			log.Printf("Failed to cancel stale gateway subscription %s: %v", sub.GatewaySubscriptionID, err)
		}
	}
	err := s.db.Model(&models.Payment{}).
		Where("subscription_id = ? AND status = ?", sub.ID, models.PaymentStatusPending).
		Update("status", models.PaymentStatusFailed).Error
	if err != nil {
		log.Printf("Failed to fail pending payments for subscription %s: %v", sub.ID, err)
	}
}

// CancelAtPeriodEnd schedules a cancellation for the period boundary. The
// status and entitlement stay untouched: the user paid through the period.
// The period-end sweep performs the actual transition.
func (s *SubscriptionService) CancelAtPeriodEnd(userID, subscriptionID uuid.UUID) error {
	sub, err := s.userSubscription(userID, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != models.SubscriptionStatusTrial && sub.Status != models.SubscriptionStatusActive {
		return ErrNotCancellable
	}
	if sub.GatewaySubscriptionID == "" {
		return ErrNoGatewaySubscription
	}

	if err := s.gateway.CancelSubscription(sub.GatewaySubscriptionID, true); err != nil {
		return err
	}

	if err := s.db.Model(sub).Update("cancel_at_period_end", true).Error; err != nil {
		return fmt.Errorf("error flagging cancellation: %w", err)
	}
	return nil
}

// CancelImmediately cancels now: the status flips to cancelled and the
// entitlement is revoked in the same transaction. This revoke is a
// correctness requirement, not best-effort.
func (s *SubscriptionService) CancelImmediately(userID, subscriptionID uuid.UUID) error {
	sub, err := s.userSubscription(userID, subscriptionID)
	if err != nil {
		return err
	}
	switch sub.Status {
	case models.SubscriptionStatusTrial, models.SubscriptionStatusActive, models.SubscriptionStatusPastDue:
	default:
		return ErrNotCancellable
	}

	if sub.Provider != models.ProviderMobileStore && sub.GatewaySubscriptionID != "" {
		if err := s.gateway.CancelSubscription(sub.GatewaySubscriptionID, false); err != nil {
			return err
		}
	}

	now := time.Now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.Transition(tx, sub, models.SubscriptionStatusCancelled, func(sub *models.Subscription) {
			sub.CancelledAt = &now
			sub.CurrentPeriodEnd = &now
			sub.CancelAtPeriodEnd = false
		})
	})
}

// CleanupRedundantSubscriptions schedules period-end cancellation of
// recurring subscriptions made redundant by a broader purchase. Nothing is
// revoked immediately: the user paid through the current period. Failures
// are logged per subscription and do not abort the scan.
func (s *SubscriptionService) CleanupRedundantSubscriptions(userID uuid.UUID, newPlanType models.PlanType, targetID *uuid.UUID) {
	if newPlanType == models.PlanTypeCourse {
		return
	}

	var subs []models.Subscription
	err := s.db.Preload("Plan").
		Where("user_id = ? AND provider = ? AND status IN ?",
			userID, models.ProviderGatewayRecurring,
			[]models.SubscriptionStatus{models.SubscriptionStatusTrial, models.SubscriptionStatusActive}).
		Find(&subs).Error
	if err != nil {
		log.Printf("Failed to scan for redundant subscriptions of user %s: %v", userID, err)
		return
	}

	for i := range subs {
		sub := &subs[i]
		redundant, err := s.isRedundant(sub, newPlanType, targetID)
		if err != nil {
			log.Printf("Failed to evaluate subscription %s for cleanup: %v", sub.ID, err)
			continue
		}
		if !redundant || sub.CancelAtPeriodEnd {
			continue
		}

		if sub.GatewaySubscriptionID != "" {
			if err := s.gateway.CancelSubscription(sub.GatewaySubscriptionID, true); err != nil {
				log.Printf("Failed to schedule gateway cancellation for subscription %s: %v", sub.ID, err)
				continue
			}
		}
		if err := s.db.Model(sub).Update("cancel_at_period_end", true).Error; err != nil {
			log.Printf("Failed to flag subscription %s for period-end cancellation: %v", sub.ID, err)
		}
	}
}

// isRedundant reports whether an existing subscription is covered by the new
// purchase: everything under a whole-app purchase, and courses whose
// category chain contains a purchased category
func (s *SubscriptionService) isRedundant(sub *models.Subscription, newPlanType models.PlanType, targetID *uuid.UUID) (bool, error) {
	if sub.Plan.PlanType == models.PlanTypeWholeApp {
		return false, nil
	}
	if newPlanType == models.PlanTypeWholeApp {
		return true, nil
	}
	// newPlanType is CATEGORY
	if sub.Plan.PlanType != models.PlanTypeCourse || sub.Plan.TargetID == nil || targetID == nil {
		return false, nil
	}
	ancestorIDs, err := s.catalog.CourseAncestorIDs(*sub.Plan.TargetID)
	if err != nil {
		return false, err
	}
	for _, id := range ancestorIDs {
		if id == *targetID {
			return true, nil
		}
	}
	return false, nil
}

// VerifyOneTimePayment is the direct callback path for lifetime orders: the
// checkout returns (orderID, paymentID, signature) and access is granted on
// a valid signature. It races with the payment webhook for the same order;
// the payment row's gateway identifiers dedupe the two paths.
func (s *SubscriptionService) VerifyOneTimePayment(userID uuid.UUID, orderID, paymentID, signature string) error {
	if !s.gateway.VerifyPaymentSignature(orderID, paymentID, signature) {
		return ErrInvalidSignature
	}

	var pay models.Payment
	err := s.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&pay).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("error loading payment: %w", err)
	}

	if pay.Status == models.PaymentStatusPaid {
		// the webhook (or an earlier callback) already settled this order
		return nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     models.PaymentStatusPaid,
			"payment_id": paymentID,
			"event_type": "payment.captured",
		}
		if err := tx.Model(&pay).Updates(updates).Error; err != nil {
			return fmt.Errorf("error updating payment: %w", err)
		}

		if pay.SubscriptionID == nil {
			return nil
		}
		var sub models.Subscription
		if err := tx.First(&sub, "id = ?", *pay.SubscriptionID).Error; err != nil {
			return fmt.Errorf("error loading subscription: %w", err)
		}
		if sub.Status.IsTerminal() {
			// a cancelled purchase is not resurrected by a late callback
			return nil
		}
		now := time.Now()
		return s.Transition(tx, &sub, models.SubscriptionStatusActive, func(sub *models.Subscription) {
			sub.CurrentPeriodStart = &now
			sub.CurrentPeriodEnd = nil
		})
	})
	if err != nil {
		return err
	}

	var plan models.Plan
	if err := s.db.First(&plan, "id = ?", pay.PlanID).Error; err == nil {
		s.CleanupRedundantSubscriptions(userID, plan.PlanType, plan.TargetID)
	}
	return nil
}

// GetUserSubscriptions lists a user's subscriptions, newest first
func (s *SubscriptionService) GetUserSubscriptions(userID uuid.UUID) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("error loading subscriptions: %w", err)
	}
	return subs, nil
}

// userSubscription loads a subscription owned by the user
func (s *SubscriptionService) userSubscription(userID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.Where("id = ? AND user_id = ?", subscriptionID, userID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("error loading subscription: %w", err)
	}
	return &sub, nil
}

// loadOrInitSubscription loads the (user, plan) row or initializes a fresh
// one. The unique index on (user_id, plan_id) is the backstop against two
// concurrent initiations creating duplicate rows.
func (s *SubscriptionService) loadOrInitSubscription(tx *gorm.DB, sub *models.Subscription, userID, planID uuid.UUID) error {
	err := tx.Where("user_id = ? AND plan_id = ?", userID, planID).First(sub).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("error loading subscription: %w", err)
	}
	*sub = models.Subscription{
		UserID: userID,
		PlanID: planID,
		Status: models.SubscriptionStatusPending,
	}
	return nil
}

func cycleCount(plan *models.Plan) int {
	if plan.SubscriptionType == models.SubscriptionTypeYearly {
		return yearlyCycleCount
	}
	return monthlyCycleCount
}
