package handlers

import (
	"net/http"

	"github.com/coursehub/backend/internal/models"
	"github.com/coursehub/backend/internal/services/entitlement"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AccessHandler answers access-control queries for the content layer
type AccessHandler struct {
	entitlements *entitlement.EntitlementService
}

// NewAccessHandler creates a new access handler
func NewAccessHandler(entitlements *entitlement.EntitlementService) *AccessHandler {
	return &AccessHandler{entitlements: entitlements}
}

// CheckAccess reports whether the caller may view a resource. Works for
// anonymous callers too: free resources are open to everyone.
//
// GET /access?resource_type=COURSE&resource_id=<uuid>
func (h *AccessHandler) CheckAccess(c *gin.Context) {
	resourceType := models.EntitlementType(c.Query("resource_type"))
	switch resourceType {
	case models.EntitlementTypeCourse, models.EntitlementTypeCategory, models.EntitlementTypeWholeApp:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource_type must be COURSE, CATEGORY or WHOLE_APP"})
		return
	}

	var resourceID *uuid.UUID
	if raw := c.Query("resource_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid resource ID"})
			return
		}
		resourceID = &id
	}
	if resourceType != models.EntitlementTypeWholeApp && resourceID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource_id is required"})
		return
	}

	var userID *uuid.UUID
	if raw, exists := c.Get("user_id"); exists {
		id := raw.(uuid.UUID)
		userID = &id
	}

	allowed, err := h.entitlements.HasAccess(userID, resourceType, resourceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check access"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"has_access": allowed})
}

// MyEntitlements returns the caller's live entitlements
func (h *AccessHandler) MyEntitlements(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)

	ents, err := h.entitlements.ActiveEntitlements(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load entitlements"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlements": ents})
}
