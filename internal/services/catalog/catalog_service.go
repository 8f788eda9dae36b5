package catalog

import (
	"errors"
	"fmt"

	"github.com/coursehub/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrCategoryNotFound is returned when a category id does not exist
	ErrCategoryNotFound = errors.New("category not found")
	// ErrCourseNotFound is returned when a course id does not exist
	ErrCourseNotFound = errors.New("course not found")
)

// CatalogService resolves the category hierarchy. It is a pure read layer:
// both the plan overlap checker and the access checker walk ancestor chains
// through it.
type CatalogService struct {
	db *gorm.DB
}

// NewCatalogService creates a new catalog service
func NewCatalogService(db *gorm.DB) *CatalogService {
	return &CatalogService{db: db}
}

// GetAncestors returns the chain [self, parent, ..., root] for a category.
// Depth is unbounded. The admin API keeps the tree cycle-free, but a
// corrupted parent chain must not loop forever, so the walk stops at the
// first repeated id.
func (s *CatalogService) GetAncestors(categoryID uuid.UUID) ([]models.Category, error) {
	var chain []models.Category
	visited := make(map[uuid.UUID]bool)

	currentID := &categoryID
	for currentID != nil && !visited[*currentID] {
		visited[*currentID] = true
		var category models.Category
		if err := s.db.First(&category, "id = ?", *currentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if len(chain) == 0 {
					return nil, ErrCategoryNotFound
				}
				// Dangling parent pointer; treat the last resolved node as root
				return chain, nil
			}
			return nil, fmt.Errorf("error loading category: %w", err)
		}
		chain = append(chain, category)
		currentID = category.ParentID
	}

	return chain, nil
}

// GetAncestorIDs returns the ancestor chain as ids, self first
func (s *CatalogService) GetAncestorIDs(categoryID uuid.UUID) ([]uuid.UUID, error) {
	chain, err := s.GetAncestors(categoryID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(chain))
	for _, category := range chain {
		ids = append(ids, category.ID)
	}
	return ids, nil
}

// GetCourse loads a course by id
func (s *CatalogService) GetCourse(courseID uuid.UUID) (*models.Course, error) {
	var course models.Course
	if err := s.db.First(&course, "id = ?", courseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("error loading course: %w", err)
	}
	return &course, nil
}

// CourseAncestorIDs returns the ancestor category ids for a course, from the
// course's own category up to the root. A course with no category has no
// ancestors.
func (s *CatalogService) CourseAncestorIDs(courseID uuid.UUID) ([]uuid.UUID, error) {
	course, err := s.GetCourse(courseID)
	if err != nil {
		return nil, err
	}
	if course.CategoryID == nil {
		return nil, nil
	}
	return s.GetAncestorIDs(*course.CategoryID)
}

// CategoryExists reports whether a category id exists
func (s *CatalogService) CategoryExists(categoryID uuid.UUID) (bool, error) {
	var count int64
	if err := s.db.Model(&models.Category{}).Where("id = ?", categoryID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("error checking category: %w", err)
	}
	return count > 0, nil
}

// CourseExists reports whether a course id exists
func (s *CatalogService) CourseExists(courseID uuid.UUID) (bool, error) {
	var count int64
	if err := s.db.Model(&models.Course{}).Where("id = ?", courseID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("error checking course: %w", err)
	}
	return count > 0, nil
}
