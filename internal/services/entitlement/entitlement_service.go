package entitlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/catalog"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrTargetRequired is returned when a CATEGORY/COURSE grant has no target
	ErrTargetRequired = errors.New("target id is required for category and course entitlements")
	// ErrTargetNotFound is returned when the grant target does not exist
	ErrTargetNotFound = errors.New("entitlement target not found")
)

// EntitlementService owns the entitlement table: the single source of truth
// for access decisions. Subscriptions feed it through SyncSubscription; the
// content layer reads it through HasAccess. Nothing else should decide
// access off the Subscription table directly.
type EntitlementService struct {
	db      *gorm.DB
	catalog *catalog.CatalogService
}

// NewEntitlementService creates a new entitlement service
func NewEntitlementService(db *gorm.DB, catalogSvc *catalog.CatalogService) *EntitlementService {
	return &EntitlementService{db: db, catalog: catalogSvc}
}

// GrantEntitlement upserts an active entitlement for (user, type, target).
// Granting an already-active entitlement only refreshes ValidUntil; a
// revoked row is reactivated in place so the unique key never collides.
func (s *EntitlementService) GrantEntitlement(userID uuid.UUID, entType models.EntitlementType, targetID *uuid.UUID, source string, validUntil *time.Time) error {
	return s.grantTx(s.db, userID, entType, targetID, source, validUntil)
}

func (s *EntitlementService) grantTx(tx *gorm.DB, userID uuid.UUID, entType models.EntitlementType, targetID *uuid.UUID, source string, validUntil *time.Time) error {
	if entType != models.EntitlementTypeWholeApp {
		if targetID == nil {
			return ErrTargetRequired
		}
		exists, err := s.targetExists(entType, *targetID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrTargetNotFound
		}
	} else {
		targetID = nil
	}

	var existing models.Entitlement
	err := scopeTarget(tx.Where("user_id = ? AND type = ?", userID, entType), targetID).
		First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error loading entitlement: %w", err)
		}
		ent := models.Entitlement{
			UserID:     userID,
			Type:       entType,
			TargetID:   targetID,
			Status:     models.EntitlementStatusActive,
			ValidUntil: validUntil,
			Source:     source,
		}
		if err := tx.Create(&ent).Error; err != nil {
			return fmt.Errorf("error creating entitlement: %w", err)
		}
		return nil
	}

	updates := map[string]interface{}{
		"status":      models.EntitlementStatusActive,
		"valid_until": validUntil,
		"source":      source,
	}
	if err := tx.Model(&existing).Updates(updates).Error; err != nil {
		return fmt.Errorf("error refreshing entitlement: %w", err)
	}
	return nil
}

// RevokeEntitlement flips matching rows to revoked. Revoking a missing or
// already-revoked entitlement is a no-op.
func (s *EntitlementService) RevokeEntitlement(userID uuid.UUID, entType models.EntitlementType, targetID *uuid.UUID) error {
	return s.revokeTx(s.db, userID, entType, targetID)
}

func (s *EntitlementService) revokeTx(tx *gorm.DB, userID uuid.UUID, entType models.EntitlementType, targetID *uuid.UUID) error {
	if entType == models.EntitlementTypeWholeApp {
		targetID = nil
	}
	err := scopeTarget(tx.Model(&models.Entitlement{}).Where("user_id = ? AND type = ?", userID, entType), targetID).
		Update("status", models.EntitlementStatusRevoked).Error
	if err != nil {
		return fmt.Errorf("error revoking entitlement: %w", err)
	}
	return nil
}

// SyncSubscription translates a subscription's current status into the
// matching entitlement action inside the caller's transaction. Statuses
// trial/active/past_due grant; cancelled/halted/expired revoke. Every code
// path that moves a subscription into one of those statuses goes through
// here.
func (s *EntitlementService) SyncSubscription(tx *gorm.DB, sub *models.Subscription) error {
	var plan models.Plan
	if err := tx.First(&plan, "id = ?", sub.PlanID).Error; err != nil {
		return fmt.Errorf("error loading plan for sync: %w", err)
	}

	entType := plan.EntitlementType()
	switch {
	case sub.Status.GrantsAccess():
		validUntil := entitlementExpiry(&plan, sub)
		source := fmt.Sprintf("subscription:%s", sub.ID)
		return s.grantTx(tx, sub.UserID, entType, plan.TargetID, source, validUntil)
	case sub.Status.RevokesAccess():
		return s.revokeTx(tx, sub.UserID, entType, plan.TargetID)
	}
	// pending grants nothing and revokes nothing
	return nil
}

// entitlementExpiry decides the grant expiry for a subscription status.
// Lifetime purchases are perpetual. Everything else lapses on its own:
// past_due at the grace boundary, trials at the trial boundary, paid
// periods at the period end. A missed cancellation or renewal event then
// degrades to denial at the boundary instead of granting forever; the next
// charge event refreshes the expiry along with the period.
func entitlementExpiry(plan *models.Plan, sub *models.Subscription) *time.Time {
	if plan.SubscriptionType == models.SubscriptionTypeLifetime {
		return nil
	}
	if sub.Status == models.SubscriptionStatusPastDue {
		return sub.GraceUntil
	}
	if sub.Status == models.SubscriptionStatusTrial && sub.TrialEndsAt != nil {
		return sub.TrialEndsAt
	}
	return sub.CurrentPeriodEnd
}

// ActiveEntitlements returns the user's live grants
func (s *EntitlementService) ActiveEntitlements(userID uuid.UUID) ([]models.Entitlement, error) {
	var rows []models.Entitlement
	err := s.db.
		Where("user_id = ? AND status = ?", userID, models.EntitlementStatusActive).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error loading entitlements: %w", err)
	}

	now := time.Now()
	live := rows[:0]
	for _, row := range rows {
		if row.IsLive(now) {
			live = append(live, row)
		}
	}
	return live, nil
}

// HasAccess answers whether a user may access a resource. Unpaid resources
// are open to everyone including anonymous callers; paid resources require
// an entitlement (or the admin role). userID may be nil for anonymous.
func (s *EntitlementService) HasAccess(userID *uuid.UUID, resourceType models.EntitlementType, resourceID *uuid.UUID) (bool, error) {
	paid, err := s.isPaidResource(resourceType, resourceID)
	if err != nil {
		return false, err
	}
	if !paid {
		return true, nil
	}
	if userID == nil {
		return false, nil
	}

	var user models.User
	if err := s.db.First(&user, "id = ?", *userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("error loading user: %w", err)
	}
	if user.IsAdmin() {
		return true, nil
	}

	now := time.Now()

	if ok, err := s.hasLiveEntitlement(*userID, models.EntitlementTypeWholeApp, nil, now); err != nil || ok {
		return ok, err
	}

	switch resourceType {
	case models.EntitlementTypeCourse:
		if resourceID == nil {
			return false, nil
		}
		if ok, err := s.hasLiveEntitlement(*userID, models.EntitlementTypeCourse, resourceID, now); err != nil || ok {
			return ok, err
		}
		ancestorIDs, err := s.catalog.CourseAncestorIDs(*resourceID)
		if err != nil {
			if errors.Is(err, catalog.ErrCourseNotFound) {
				return false, nil
			}
			return false, err
		}
		return s.hasLiveCategoryEntitlement(*userID, ancestorIDs, now)

	case models.EntitlementTypeCategory:
		if resourceID == nil {
			return false, nil
		}
		ancestorIDs, err := s.catalog.GetAncestorIDs(*resourceID)
		if err != nil {
			if errors.Is(err, catalog.ErrCategoryNotFound) {
				return false, nil
			}
			return false, err
		}
		return s.hasLiveCategoryEntitlement(*userID, ancestorIDs, now)
	}

	// WHOLE_APP resource: only the whole-app entitlement checked above grants
	return false, nil
}

// isPaidResource reports whether any active plan gates the resource. A
// resource is paid if a plan targets it directly, a plan targets an ancestor
// category, or any whole-app plan exists.
func (s *EntitlementService) isPaidResource(resourceType models.EntitlementType, resourceID *uuid.UUID) (bool, error) {
	var count int64
	err := s.db.Model(&models.Plan{}).
		Where("plan_type = ? AND is_active = ?", models.PlanTypeWholeApp, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking whole-app plans: %w", err)
	}
	if count > 0 {
		return true, nil
	}

	switch resourceType {
	case models.EntitlementTypeCourse:
		if resourceID == nil {
			return false, nil
		}
		err = s.db.Model(&models.Plan{}).
			Where("plan_type = ? AND target_id = ? AND is_active = ?", models.PlanTypeCourse, *resourceID, true).
			Count(&count).Error
		if err != nil {
			return false, fmt.Errorf("error checking course plans: %w", err)
		}
		if count > 0 {
			return true, nil
		}
		ancestorIDs, err := s.catalog.CourseAncestorIDs(*resourceID)
		if err != nil {
			if errors.Is(err, catalog.ErrCourseNotFound) {
				return false, nil
			}
			return false, err
		}
		return s.anyCategoryPlan(ancestorIDs)

	case models.EntitlementTypeCategory:
		if resourceID == nil {
			return false, nil
		}
		ancestorIDs, err := s.catalog.GetAncestorIDs(*resourceID)
		if err != nil {
			if errors.Is(err, catalog.ErrCategoryNotFound) {
				return false, nil
			}
			return false, err
		}
		return s.anyCategoryPlan(ancestorIDs)
	}

	return false, nil
}

func (s *EntitlementService) anyCategoryPlan(categoryIDs []uuid.UUID) (bool, error) {
	if len(categoryIDs) == 0 {
		return false, nil
	}
	var count int64
	err := s.db.Model(&models.Plan{}).
		Where("plan_type = ? AND target_id IN ? AND is_active = ?", models.PlanTypeCategory, categoryIDs, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking category plans: %w", err)
	}
	return count > 0, nil
}

func (s *EntitlementService) hasLiveEntitlement(userID uuid.UUID, entType models.EntitlementType, targetID *uuid.UUID, now time.Time) (bool, error) {
	var rows []models.Entitlement
	err := scopeTarget(s.db.Where("user_id = ? AND type = ? AND status = ?", userID, entType, models.EntitlementStatusActive), targetID).
		Find(&rows).Error
	if err != nil {
		return false, fmt.Errorf("error checking entitlement: %w", err)
	}
	for _, row := range rows {
		if row.IsLive(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *EntitlementService) hasLiveCategoryEntitlement(userID uuid.UUID, categoryIDs []uuid.UUID, now time.Time) (bool, error) {
	if len(categoryIDs) == 0 {
		return false, nil
	}
	var rows []models.Entitlement
	err := s.db.
		Where("user_id = ? AND type = ? AND status = ? AND target_id IN ?",
			userID, models.EntitlementTypeCategory, models.EntitlementStatusActive, categoryIDs).
		Find(&rows).Error
	if err != nil {
		return false, fmt.Errorf("error checking category entitlements: %w", err)
	}
	for _, row := range rows {
		if row.IsLive(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *EntitlementService) targetExists(entType models.EntitlementType, targetID uuid.UUID) (bool, error) {
	switch entType {
	case models.EntitlementTypeCategory:
		return s.catalog.CategoryExists(targetID)
	case models.EntitlementTypeCourse:
		return s.catalog.CourseExists(targetID)
	}
	return true, nil
}

// scopeTarget adds the target predicate, treating nil as SQL NULL
func scopeTarget(q *gorm.DB, targetID *uuid.UUID) *gorm.DB {
	if targetID == nil {
		return q.Where("target_id IS NULL")
	}
	return q.Where("target_id = ?", *targetID)
}
