package models

import (
	"github.com/google/uuid"
)

// Category is a node in the content category tree. A nil ParentID marks a
// root category. The tree is assumed cycle-free; the admin API that edits
// categories is responsible for keeping it that way.
type Category struct {
	Base
	Name     string     `gorm:"type:varchar(255);not null" json:"name"`
	Slug     string     `gorm:"type:varchar(255);uniqueIndex" json:"slug"`
	ParentID *uuid.UUID `gorm:"type:uuid;index" json:"parent_id"`
	Parent   *Category  `gorm:"foreignKey:ParentID" json:"-"`
}

// Course represents a purchasable course. Lesson content itself is managed
// by the content service; the entitlement engine only needs the course's
// position in the category tree.
type Course struct {
	Base
	Title       string     `gorm:"type:varchar(255);not null" json:"title"`
	Slug        string     `gorm:"type:varchar(255);uniqueIndex" json:"slug"`
	CategoryID  *uuid.UUID `gorm:"type:uuid;index" json:"category_id"`
	Category    *Category  `gorm:"foreignKey:CategoryID" json:"-"`
	IsPublished bool       `gorm:"default:false" json:"is_published"`
}
