package models

import (
	"time"

	"github.com/google/uuid"
)

// EntitlementType represents the scope of an access grant
type EntitlementType string

const (
	EntitlementTypeWholeApp EntitlementType = "WHOLE_APP"
	EntitlementTypeCategory EntitlementType = "CATEGORY"
	EntitlementTypeCourse   EntitlementType = "COURSE"
)

// EntitlementStatus represents whether a grant is live
type EntitlementStatus string

const (
	EntitlementStatusActive  EntitlementStatus = "active"
	EntitlementStatusRevoked EntitlementStatus = "revoked"
)

// Entitlement is the authoritative access grant. Access checks read this
// table and never the Subscription table. Rows are never deleted; revocation
// flips the status so the audit history survives.
//
// TargetID is nil only for WHOLE_APP grants. A nil ValidUntil means the
// grant is perpetual (lifetime purchases).
type Entitlement struct {
	Base
	UserID     uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_user_type_target" json:"user_id"`
	User       User              `gorm:"foreignKey:UserID" json:"-"`
	Type       EntitlementType   `gorm:"type:varchar(20);not null;uniqueIndex:idx_user_type_target" json:"type"`
	TargetID   *uuid.UUID        `gorm:"type:uuid;uniqueIndex:idx_user_type_target" json:"target_id"`
	Status     EntitlementStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ValidUntil *time.Time        `json:"valid_until"`
	Source     string            `gorm:"type:varchar(100)" json:"source"`
}

// IsLive reports whether the entitlement grants access at the given time
func (e *Entitlement) IsLive(now time.Time) bool {
	if e.Status != EntitlementStatusActive {
		return false
	}
	return e.ValidUntil == nil || e.ValidUntil.After(now)
}
