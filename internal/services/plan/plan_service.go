package plan

import (
	"errors"
	"fmt"
	"log"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/catalog"
	"github.com/coursehub/backend/internal/services/payment"
	"github.com/coursehub/backend/internal/services/subscription"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrPlanNotFound is returned when a plan id does not exist
	ErrPlanNotFound = errors.New("plan not found")
	// ErrInvalidTarget is returned when plan type and target disagree
	ErrInvalidTarget = errors.New("target must be set for category and course plans, and empty for whole-app plans")
	// ErrInvalidPrice is returned for a non-positive price
	ErrInvalidPrice = errors.New("plan price must be positive")
	// ErrImmutableBillingTerms is returned for edits to price/trial/type fields
	ErrImmutableBillingTerms = errors.New("billing terms cannot change once a plan is created")
	// ErrPlanHasSubscribers is returned when deleting a plan with live subscribers
	ErrPlanHasSubscribers = errors.New("plan still has active subscribers")
)

// CreatePlanInput carries the admin-supplied plan definition
type CreatePlanInput struct {
	Name             string                  `json:"name" binding:"required"`
	Description      string                  `json:"description"`
	PlanType         models.PlanType         `json:"plan_type" binding:"required"`
	TargetID         *uuid.UUID              `json:"target_id"`
	SubscriptionType models.SubscriptionType `json:"subscription_type" binding:"required"`
	Price            int64                   `json:"price" binding:"required"`
	TrialDays        int                     `json:"trial_days"`
	TrialFee         int64                   `json:"trial_fee"`
}

// UpdatePlanInput carries the mutable display fields
type UpdatePlanInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// PlanService is the plan registry: admin-defined pricing templates and
// their gateway counterparts
type PlanService struct {
	db      *gorm.DB
	gateway payment.Gateway
	catalog *catalog.CatalogService
	subs    *subscription.SubscriptionService
}

// NewPlanService creates a new plan service
func NewPlanService(db *gorm.DB, gateway payment.Gateway, catalogSvc *catalog.CatalogService, subs *subscription.SubscriptionService) *PlanService {
	return &PlanService{db: db, gateway: gateway, catalog: catalogSvc, subs: subs}
}

// CreatePlan validates and creates a plan. Recurring plans register a
// billing template with the gateway; if that registration fails the local
// row is rolled back so no unpurchasable plan survives.
func (s *PlanService) CreatePlan(input CreatePlanInput) (*models.Plan, error) {
	if err := s.validateTarget(input.PlanType, input.TargetID); err != nil {
		return nil, err
	}
	if input.Price <= 0 {
		return nil, ErrInvalidPrice
	}

	plan := models.Plan{
		Name:             input.Name,
		Description:      input.Description,
		PlanType:         input.PlanType,
		TargetID:         input.TargetID,
		SubscriptionType: input.SubscriptionType,
		Price:            input.Price,
		TrialDays:        input.TrialDays,
		TrialFee:         input.TrialFee,
		IsActive:         true,
	}
	if plan.PlanType == models.PlanTypeWholeApp {
		plan.TargetID = nil
	}

	if err := s.db.Create(&plan).Error; err != nil {
		return nil, fmt.Errorf("error creating plan: %w", err)
	}

	if plan.IsRecurring() {
		gatewayPlanID, err := s.gateway.CreatePlan(payment.CreatePlanRequest{
			Name:     plan.Name,
			Period:   string(plan.SubscriptionType),
			Amount:   plan.Price,
			Currency: "INR",
			Notes:    map[string]string{"plan_id": plan.ID.String()},
		})
		if err != nil {
			if delErr := s.db.Unscoped().Delete(&plan).Error; delErr != nil {
				log.Printf("Failed to roll back plan %s after gateway error: %v", plan.ID, delErr)
			}
			return nil, err
		}
		if err := s.db.Model(&plan).Update("gateway_plan_id", gatewayPlanID).Error; err != nil {
			return nil, fmt.Errorf("error storing gateway plan id: %w", err)
		}
		plan.GatewayPlanID = gatewayPlanID
	}

	return &plan, nil
}

// UpdatePlan changes display fields only. Billing terms are immutable; a
// new price means a new plan.
func (s *PlanService) UpdatePlan(planID uuid.UUID, input UpdatePlanInput) (*models.Plan, error) {
	plan, err := s.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = *input.Name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if len(updates) == 0 {
		return plan, nil
	}
	if err := s.db.Model(plan).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("error updating plan: %w", err)
	}
	return plan, nil
}

// GetPlan loads a plan by id
func (s *PlanService) GetPlan(planID uuid.UUID) (*models.Plan, error) {
	var plan models.Plan
	if err := s.db.First(&plan, "id = ?", planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("error loading plan: %w", err)
	}
	return &plan, nil
}

// ListPlans returns plans, optionally only active ones
func (s *PlanService) ListPlans(activeOnly bool) ([]models.Plan, error) {
	var plans []models.Plan
	q := s.db.Order("created_at DESC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("error listing plans: %w", err)
	}
	return plans, nil
}

// DeletePlan soft-deactivates a plan with no live subscribers
func (s *PlanService) DeletePlan(planID uuid.UUID) error {
	plan, err := s.GetPlan(planID)
	if err != nil {
		return err
	}

	var count int64
	err = s.db.Model(&models.Subscription{}).
		Where("plan_id = ? AND status IN ?", planID,
			[]models.SubscriptionStatus{models.SubscriptionStatusTrial, models.SubscriptionStatusActive, models.SubscriptionStatusPastDue}).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("error counting subscribers: %w", err)
	}
	if count > 0 {
		return ErrPlanHasSubscribers
	}

	if err := s.db.Model(plan).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("error deactivating plan: %w", err)
	}
	return nil
}

// DeactivatePlansByTarget force-deactivates every plan selling a deleted
// course or category, then cancels each live subscription against those
// plans: gateway cancel, then local cancel plus entitlement revoke in one
// transaction per subscription. A failure on one subscription is logged and
// must not block cleanup of the rest.
func (s *PlanService) DeactivatePlansByTarget(targetID uuid.UUID, planType models.PlanType) error {
	var plans []models.Plan
	err := s.db.Where("target_id = ? AND plan_type = ?", targetID, planType).Find(&plans).Error
	if err != nil {
		return fmt.Errorf("error loading plans for target: %w", err)
	}
	if len(plans) == 0 {
		return nil
	}

	planIDs := make([]uuid.UUID, 0, len(plans))
	for _, p := range plans {
		planIDs = append(planIDs, p.ID)
	}

	err = s.db.Model(&models.Plan{}).Where("id IN ?", planIDs).Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("error deactivating plans: %w", err)
	}

	var subs []models.Subscription
	err = s.db.
		Where("plan_id IN ? AND status IN ?", planIDs,
			[]models.SubscriptionStatus{
				models.SubscriptionStatusPending, models.SubscriptionStatusTrial,
				models.SubscriptionStatusActive, models.SubscriptionStatusPastDue,
			}).
		Find(&subs).Error
	if err != nil {
		return fmt.Errorf("error loading subscriptions for deactivated plans: %w", err)
	}

	for i := range subs {
		sub := &subs[i]
		if sub.Provider != models.ProviderMobileStore && sub.GatewaySubscriptionID != "" {
			if err := s.gateway.CancelSubscription(sub.GatewaySubscriptionID, false); err != nil {
				log.Printf("Failed to cancel gateway subscription %s during plan deactivation: %v", sub.GatewaySubscriptionID, err)
				// fall through: local state still must not keep granting access
			}
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return s.subs.Transition(tx, sub, models.SubscriptionStatusCancelled, nil)
		})
		if err != nil {
			log.Printf("Failed to cancel subscription %s during plan deactivation: %v", sub.ID, err)
		}
	}
	return nil
}

func (s *PlanService) validateTarget(planType models.PlanType, targetID *uuid.UUID) error {
	switch planType {
	case models.PlanTypeWholeApp:
		if targetID != nil {
			return ErrInvalidTarget
		}
	case models.PlanTypeCategory:
		if targetID == nil {
			return ErrInvalidTarget
		}
		exists, err := s.catalog.CategoryExists(*targetID)
		if err != nil {
			return err
		}
		if !exists {
			return catalog.ErrCategoryNotFound
		}
	case models.PlanTypeCourse:
		if targetID == nil {
			return ErrInvalidTarget
		}
		exists, err := s.catalog.CourseExists(*targetID)
		if err != nil {
			return err
		}
		if !exists {
			return catalog.ErrCourseNotFound
		}
	default:
		return ErrInvalidTarget
	}
	return nil
}
