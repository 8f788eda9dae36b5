package handlers

import (
	"errors"
	"net/http"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/plan"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PlanHandler exposes the plan registry: public listing plus admin CRUD
type PlanHandler struct {
	plans *plan.PlanService
}

// NewPlanHandler creates a new plan handler
func NewPlanHandler(plans *plan.PlanService) *PlanHandler {
	return &PlanHandler{plans: plans}
}

// ListPlans returns purchasable plans. Admins can pass ?all=true to include
// deactivated ones.
func (h *PlanHandler) ListPlans(c *gin.Context) {
	activeOnly := true
	if c.Query("all") == "true" {
		if isAdmin, _ := c.Get("is_admin"); isAdmin == true {
			activeOnly = false
		}
	}

	plans, err := h.plans.ListPlans(activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GetPlan returns a single plan by id
func (h *PlanHandler) GetPlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid plan ID"})
		return
	}

	p, err := h.plans.GetPlan(planID)
	if err != nil {
		if errors.Is(err, plan.ErrPlanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Plan not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load plan"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": p})
}

// CreatePlan creates a plan (admin only)
func (h *PlanHandler) CreatePlan(c *gin.Context) {
	var input plan.CreatePlanInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	p, err := h.plans.CreatePlan(input)
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrInvalidTarget), errors.Is(err, plan.ErrInvalidPrice):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create plan"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": p})
}

// UpdatePlan updates a plan's display fields (admin only). Billing terms
// are immutable; a price change means a new plan.
func (h *PlanHandler) UpdatePlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid plan ID"})
		return
	}

	var input plan.UpdatePlanInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	p, err := h.plans.UpdatePlan(planID, input)
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrPlanNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Plan not found"})
		case errors.Is(err, plan.ErrImmutableBillingTerms):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update plan"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": p})
}

// DeletePlan retires a plan (admin only). Plans with live subscribers are
// deactivated, never removed.
func (h *PlanHandler) DeletePlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid plan ID"})
		return
	}

	if err := h.plans.DeletePlan(planID); err != nil {
		switch {
		case errors.Is(err, plan.ErrPlanNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Plan not found"})
		case errors.Is(err, plan.ErrPlanHasSubscribers):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete plan"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// DeactivatePlansByTarget deactivates every plan selling a removed course
// or category and cancels their live subscriptions (admin only). Called by
// the content layer when it unpublishes a target.
func (h *PlanHandler) DeactivatePlansByTarget(c *gin.Context) {
	var input struct {
		TargetID uuid.UUID       `json:"target_id" binding:"required"`
		PlanType models.PlanType `json:"plan_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if input.PlanType != models.PlanTypeCategory && input.PlanType != models.PlanTypeCourse {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan_type must be CATEGORY or COURSE"})
		return
	}

	if err := h.plans.DeactivatePlansByTarget(input.TargetID, input.PlanType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deactivate plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
