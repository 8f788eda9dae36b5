package models

import (
	"github.com/google/uuid"
)

// PlanType represents what a plan grants access to
type PlanType string

const (
	PlanTypeWholeApp PlanType = "WHOLE_APP"
	PlanTypeCategory PlanType = "CATEGORY"
	PlanTypeCourse   PlanType = "COURSE"
)

// SubscriptionType represents the billing mode of a plan
type SubscriptionType string

const (
	SubscriptionTypeMonthly  SubscriptionType = "monthly"
	SubscriptionTypeYearly   SubscriptionType = "yearly"
	SubscriptionTypeLifetime SubscriptionType = "lifetime"
)

// Plan is an admin-defined pricing template. TargetID is nil iff PlanType is
// WHOLE_APP. Billing terms (type, target, subscription type, price, trial
// terms) are immutable once created; only display fields may change.
// All amounts are in minor currency units (paise).
type Plan struct {
	Base
	Name             string           `gorm:"type:varchar(255);not null" json:"name"`
	Description      string           `gorm:"type:text" json:"description"`
	PlanType         PlanType         `gorm:"type:varchar(20);not null;index" json:"plan_type"`
	TargetID         *uuid.UUID       `gorm:"type:uuid;index" json:"target_id"`
	SubscriptionType SubscriptionType `gorm:"type:varchar(20);not null" json:"subscription_type"`
	Price            int64            `gorm:"not null" json:"price"`
	TrialDays        int              `gorm:"default:0" json:"trial_days"`
	TrialFee         int64            `gorm:"default:0" json:"trial_fee"`
	GatewayPlanID    string           `gorm:"type:varchar(100)" json:"gateway_plan_id"`
	IsActive         bool             `gorm:"default:true;index" json:"is_active"`
}

// IsRecurring reports whether the plan bills on a cycle rather than once
func (p *Plan) IsRecurring() bool {
	return p.SubscriptionType == SubscriptionTypeMonthly || p.SubscriptionType == SubscriptionTypeYearly
}

// EntitlementType maps the plan type onto the entitlement it grants
func (p *Plan) EntitlementType() EntitlementType {
	switch p.PlanType {
	case PlanTypeCategory:
		return EntitlementTypeCategory
	case PlanTypeCourse:
		return EntitlementTypeCourse
	default:
		return EntitlementTypeWholeApp
	}
}
