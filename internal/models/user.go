package models

// UserRole represents the role of a user
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// User represents an account that can hold subscriptions and entitlements.
// Profile management lives in another service; this model carries only what
// the billing and access layers need.
type User struct {
	Base
	Email        string   `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name         string   `gorm:"type:varchar(255)" json:"name"`
	Role         UserRole `gorm:"type:varchar(20);default:'user'" json:"role"`
	HasUsedTrial bool     `gorm:"default:false" json:"has_used_trial"`
}

// IsAdmin reports whether the user bypasses entitlement checks
func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}
