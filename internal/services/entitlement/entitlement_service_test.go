package entitlement

import (
	"testing"
	"time"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/catalog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.User{}, &models.Category{}, &models.Course{},
		&models.Plan{}, &models.Subscription{}, &models.Entitlement{},
	)
	require.NoError(t, err)

	return db
}

func newService(t *testing.T) (*EntitlementService, *gorm.DB) {
	db := setupTestDB(t)
	return NewEntitlementService(db, catalog.NewCatalogService(db)), db
}

func createUser(t *testing.T, db *gorm.DB, role models.UserRole) *models.User {
	user := models.User{Email: uuid.NewString() + "@example.com", Role: role}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func createCategory(t *testing.T, db *gorm.DB, name string, parentID *uuid.UUID) *models.Category {
	cat := models.Category{Name: name, Slug: name, ParentID: parentID}
	require.NoError(t, db.Create(&cat).Error)
	return &cat
}

func createCourse(t *testing.T, db *gorm.DB, title string, categoryID *uuid.UUID) *models.Course {
	course := models.Course{Title: title, Slug: title, CategoryID: categoryID, IsPublished: true}
	require.NoError(t, db.Create(&course).Error)
	return &course
}

func createPlan(t *testing.T, db *gorm.DB, planType models.PlanType, targetID *uuid.UUID) *models.Plan {
	plan := models.Plan{
		Name:             uuid.NewString(),
		PlanType:         planType,
		TargetID:         targetID,
		SubscriptionType: models.SubscriptionTypeMonthly,
		Price:            49900,
		IsActive:         true,
	}
	require.NoError(t, db.Create(&plan).Error)
	return &plan
}

func TestGrantEntitlementIdempotent(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)

	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID, "test", nil))
	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID, "test", nil))

	var count int64
	require.NoError(t, db.Model(&models.Entitlement{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
}

func TestGrantRefreshesValidUntil(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)

	soon := time.Now().Add(time.Hour)
	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID, "test", &soon))

	later := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID, "test", &later))

	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	require.NotNil(t, ent.ValidUntil)
	assert.WithinDuration(t, later, *ent.ValidUntil, time.Second)
}

func TestGrantValidatesTarget(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)

	err := svc.GrantEntitlement(user.ID, models.EntitlementTypeCourse, nil, "test", nil)
	assert.ErrorIs(t, err, ErrTargetRequired)

	missing := uuid.New()
	err = svc.GrantEntitlement(user.ID, models.EntitlementTypeCourse, &missing, "test", nil)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestRevokeEntitlementIdempotent(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)

	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID, "test", nil))
	require.NoError(t, svc.RevokeEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID))
	// Revoking again, and revoking something that never existed, are no-ops
	require.NoError(t, svc.RevokeEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID))
	require.NoError(t, svc.RevokeEntitlement(user.ID, models.EntitlementTypeWholeApp, nil))

	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	assert.Equal(t, models.EntitlementStatusRevoked, ent.Status)
}

func TestRevokedRowReactivatesInPlace(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)

	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID, "first", nil))
	require.NoError(t, svc.RevokeEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID))
	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &cat.ID, "second", nil))

	var count int64
	require.NoError(t, db.Model(&models.Entitlement{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
	assert.Equal(t, "second", ent.Source)
}

func TestHasAccessFreeResource(t *testing.T) {
	svc, db := newService(t)
	cat := createCategory(t, db, "tech", nil)
	course := createCourse(t, db, "free-course", &cat.ID)

	// No plan targets the course or its ancestors: open to everyone,
	// including anonymous callers
	ok, err := svc.HasAccess(nil, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasAccessPaidResourceAnonymous(t *testing.T) {
	svc, db := newService(t)
	cat := createCategory(t, db, "tech", nil)
	course := createCourse(t, db, "paid-course", &cat.ID)
	createPlan(t, db, models.PlanTypeCourse, &course.ID)

	ok, err := svc.HasAccess(nil, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasAccessDirectCourseEntitlement(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)
	course := createCourse(t, db, "paid-course", &cat.ID)
	createPlan(t, db, models.PlanTypeCourse, &course.ID)

	ok, err := svc.HasAccess(&user.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCourse, &course.ID, "test", nil))

	ok, err = svc.HasAccess(&user.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasAccessCategoryAncestorWalk(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)

	// Tech -> Web Dev -> React, course sits at the deepest level
	tech := createCategory(t, db, "tech", nil)
	webDev := createCategory(t, db, "web-dev", &tech.ID)
	react := createCategory(t, db, "react", &webDev.ID)
	course := createCourse(t, db, "react-basics", &react.ID)
	createPlan(t, db, models.PlanTypeCategory, &tech.ID)

	ok, err := svc.HasAccess(&user.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// An entitlement on the top-level category reaches down any depth
	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCategory, &tech.ID, "test", nil))

	ok, err = svc.HasAccess(&user.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasAccess(&user.ID, models.EntitlementTypeCategory, &react.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasAccessWholeApp(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)
	course := createCourse(t, db, "any-course", &cat.ID)
	createPlan(t, db, models.PlanTypeWholeApp, nil)

	ok, err := svc.HasAccess(&user.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeWholeApp, nil, "test", nil))

	ok, err = svc.HasAccess(&user.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasAccessAdminBypass(t *testing.T) {
	svc, db := newService(t)
	admin := createUser(t, db, models.UserRoleAdmin)
	cat := createCategory(t, db, "tech", nil)
	course := createCourse(t, db, "paid-course", &cat.ID)
	createPlan(t, db, models.PlanTypeCourse, &course.ID)

	ok, err := svc.HasAccess(&admin.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasAccessExpiredEntitlement(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)
	course := createCourse(t, db, "paid-course", &cat.ID)
	createPlan(t, db, models.PlanTypeCourse, &course.ID)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, svc.GrantEntitlement(user.ID, models.EntitlementTypeCourse, &course.ID, "test", &past))

	ok, err := svc.HasAccess(&user.ID, models.EntitlementTypeCourse, &course.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncSubscriptionGrantAndRevoke(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)
	plan := createPlan(t, db, models.PlanTypeCategory, &cat.ID)

	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	sub := models.Subscription{
		UserID:           user.ID,
		PlanID:           plan.ID,
		Provider:         models.ProviderGatewayRecurring,
		Status:           models.SubscriptionStatusActive,
		CurrentPeriodEnd: &periodEnd,
	}
	require.NoError(t, db.Create(&sub).Error)

	require.NoError(t, svc.SyncSubscription(db, &sub))

	// the grant lapses at the period end so a missed cancellation event
	// degrades to denial instead of granting forever
	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
	assert.Equal(t, models.EntitlementTypeCategory, ent.Type)
	require.NotNil(t, ent.ValidUntil)
	assert.WithinDuration(t, periodEnd, *ent.ValidUntil, time.Second)

	sub.Status = models.SubscriptionStatusCancelled
	require.NoError(t, svc.SyncSubscription(db, &sub))

	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	assert.Equal(t, models.EntitlementStatusRevoked, ent.Status)
}

func TestSyncSubscriptionPastDueKeepsGraceExpiry(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)
	plan := createPlan(t, db, models.PlanTypeCategory, &cat.ID)

	graceUntil := time.Now().Add(7 * 24 * time.Hour)
	sub := models.Subscription{
		UserID:     user.ID,
		PlanID:     plan.ID,
		Provider:   models.ProviderGatewayRecurring,
		Status:     models.SubscriptionStatusPastDue,
		GraceUntil: &graceUntil,
	}
	require.NoError(t, db.Create(&sub).Error)

	require.NoError(t, svc.SyncSubscription(db, &sub))

	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
	require.NotNil(t, ent.ValidUntil)
	assert.WithinDuration(t, graceUntil, *ent.ValidUntil, time.Second)
}

func TestSyncSubscriptionTrialLapsesAtTrialEnd(t *testing.T) {
	svc, db := newService(t)
	user := createUser(t, db, models.UserRoleUser)
	cat := createCategory(t, db, "tech", nil)
	plan := createPlan(t, db, models.PlanTypeCategory, &cat.ID)

	trialEnd := time.Now().Add(7 * 24 * time.Hour)
	sub := models.Subscription{
		UserID:      user.ID,
		PlanID:      plan.ID,
		Provider:    models.ProviderGatewayRecurring,
		Status:      models.SubscriptionStatusTrial,
		IsTrial:     true,
		TrialEndsAt: &trialEnd,
	}
	require.NoError(t, db.Create(&sub).Error)

	require.NoError(t, svc.SyncSubscription(db, &sub))

	var ent models.Entitlement
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&ent).Error)
	assert.Equal(t, models.EntitlementStatusActive, ent.Status)
	require.NotNil(t, ent.ValidUntil)
	assert.WithinDuration(t, trialEnd, *ent.ValidUntil, time.Second)
}
