package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionProvider represents where the subscription is billed
type SubscriptionProvider string

const (
	ProviderGatewayRecurring SubscriptionProvider = "gateway_recurring"
	ProviderGatewayOneTime   SubscriptionProvider = "gateway_onetime"
	ProviderMobileStore      SubscriptionProvider = "mobile_store"
)

// SubscriptionStatus represents the lifecycle status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusHalted    SubscriptionStatus = "halted"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// GrantsAccess reports whether a subscription in this status should have an
// active entitlement. past_due grants because the grace period retains
// access until the grace deadline passes.
func (s SubscriptionStatus) GrantsAccess() bool {
	switch s {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// RevokesAccess reports whether a subscription in this status must have its
// entitlement revoked
func (s SubscriptionStatus) RevokesAccess() bool {
	switch s {
	case SubscriptionStatusCancelled, SubscriptionStatusHalted, SubscriptionStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the status can only be left by starting a new
// subscription
func (s SubscriptionStatus) IsTerminal() bool {
	switch s {
	case SubscriptionStatusCancelled, SubscriptionStatusHalted, SubscriptionStatusExpired:
		return true
	}
	return false
}

// Subscription tracks a user's billing relationship to a plan. One row per
// (user, plan): a re-subscribe reuses the row, so historical periods are not
// preserved here (the Payment ledger keeps the money trail).
type Subscription struct {
	Base
	UserID                uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:idx_user_plan" json:"user_id"`
	User                  User                 `gorm:"foreignKey:UserID" json:"-"`
	PlanID                uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:idx_user_plan" json:"plan_id"`
	Plan                  Plan                 `gorm:"foreignKey:PlanID" json:"-"`
	Provider              SubscriptionProvider `gorm:"type:varchar(30);not null" json:"provider"`
	GatewaySubscriptionID string               `gorm:"type:varchar(100);index" json:"gateway_subscription_id"`
	Status                SubscriptionStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	IsTrial               bool                 `gorm:"default:false" json:"is_trial"`
	CurrentPeriodStart    *time.Time           `json:"current_period_start"`
	CurrentPeriodEnd      *time.Time           `json:"current_period_end"`
	TrialEndsAt           *time.Time           `json:"trial_ends_at"`
	GraceUntil            *time.Time           `json:"grace_until"`
	NextBillingAt         *time.Time           `json:"next_billing_at"`
	CancelAtPeriodEnd     bool                 `gorm:"default:false;index" json:"cancel_at_period_end"`
	CancelledAt           *time.Time           `json:"cancelled_at"`
}
