package subscription

import (
	"fmt"
	"log"
	"time"

	"github.com/coursehub/backend/internal/models"
	"gorm.io/gorm"
)

// The sweeps detect boundary crossings the gateway does not reliably signal:
// trial periods elapsing, grace windows expiring, and soft-scheduled
// cancellations reaching their period end. Each sweep operates on a disjoint
// status set, so concurrent runs are safe. Row failures are logged and the
// sweep continues; one bad row must not block the rest.

// ExpireTrialSubscriptions moves trial subscriptions whose trial window has
// elapsed into active. The gateway normally signals this with a charge
// event; the sweep is the fallback when it doesn't.
func (s *SubscriptionService) ExpireTrialSubscriptions() (int, error) {
	now := time.Now()
	var subs []models.Subscription
	err := s.db.
		Where("status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?", models.SubscriptionStatusTrial, now).
		Find(&subs).Error
	if err != nil {
		return 0, fmt.Errorf("error scanning trial subscriptions: %w", err)
	}

	transitioned := 0
	for i := range subs {
		sub := &subs[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return s.Transition(tx, sub, models.SubscriptionStatusActive, func(sub *models.Subscription) {
				sub.IsTrial = false
			})
		})
		if err != nil {
			log.Printf("Failed to expire trial for subscription %s: %v", sub.ID, err)
			continue
		}
		transitioned++
	}
	if transitioned > 0 {
		log.Printf("Trial sweep: %d subscription(s) moved to active", transitioned)
	}
	return transitioned, nil
}

// ExpireGracePeriods halts past_due subscriptions whose grace window has
// passed without a successful late payment, revoking their entitlement.
// past_due retains access; halted must not.
func (s *SubscriptionService) ExpireGracePeriods() (int, error) {
	now := time.Now()
	var subs []models.Subscription
	err := s.db.
		Where("status = ? AND grace_until IS NOT NULL AND grace_until <= ?", models.SubscriptionStatusPastDue, now).
		Find(&subs).Error
	if err != nil {
		return 0, fmt.Errorf("error scanning past_due subscriptions: %w", err)
	}

	transitioned := 0
	for i := range subs {
		sub := &subs[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return s.Transition(tx, sub, models.SubscriptionStatusHalted, nil)
		})
		if err != nil {
			log.Printf("Failed to halt subscription %s after grace expiry: %v", sub.ID, err)
			continue
		}
		transitioned++
	}
	if transitioned > 0 {
		log.Printf("Grace sweep: %d subscription(s) halted", transitioned)
	}
	return transitioned, nil
}

// SweepPeriodEndCancellations finalizes soft-scheduled cancellations whose
// period has ended: status becomes cancelled and the entitlement is revoked.
// This sweep is mandatory; the gateway's cancellation webhook is not
// guaranteed to fire at the period boundary for scheduled cancels.
func (s *SubscriptionService) SweepPeriodEndCancellations() (int, error) {
	now := time.Now()
	var subs []models.Subscription
	err := s.db.
		Where("cancel_at_period_end = ? AND current_period_end IS NOT NULL AND current_period_end <= ? AND status IN ?",
			true, now,
			[]models.SubscriptionStatus{models.SubscriptionStatusTrial, models.SubscriptionStatusActive, models.SubscriptionStatusPastDue}).
		Find(&subs).Error
	if err != nil {
		return 0, fmt.Errorf("error scanning scheduled cancellations: %w", err)
	}

	transitioned := 0
	for i := range subs {
		sub := &subs[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return s.Transition(tx, sub, models.SubscriptionStatusCancelled, func(sub *models.Subscription) {
				cancelledAt := now
				sub.CancelledAt = &cancelledAt
				sub.CancelAtPeriodEnd = false
			})
		})
		if err != nil {
			log.Printf("Failed to finalize scheduled cancellation of subscription %s: %v", sub.ID, err)
			continue
		}
		transitioned++
	}
	if transitioned > 0 {
		log.Printf("Cancellation sweep: %d subscription(s) cancelled at period end", transitioned)
	}
	return transitioned, nil
}

// ExpireStalePendingPayments fails pending payments older than the cutoff so
// abandoned checkouts do not linger in the ledger
func (s *SubscriptionService) ExpireStalePendingPayments(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.Model(&models.Payment{}).
		Where("status = ? AND created_at < ?", models.PaymentStatusPending, cutoff).
		Update("status", models.PaymentStatusFailed)
	if result.Error != nil {
		return 0, fmt.Errorf("error expiring pending payments: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("Payment sweep: %d stale pending payment(s) failed", result.RowsAffected)
	}
	return int(result.RowsAffected), nil
}
