// Package plan enforces per-household plan limits on entity creation.
package plan

import (
	"gorm.io/gorm"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
)

// Policy decides whether a household may create another entity.
type Policy interface {
	// CheckCreate runs inside the creating transaction and returns a
	// PLAN_LIMIT_REACHED error when the household is at its limit.
	CheckCreate(tx *gorm.DB, householdID models.UUID, entityType models.EntityType) error
}

// Unlimited allows every create.
type Unlimited struct{}

// CheckCreate implements Policy.
func (Unlimited) CheckCreate(*gorm.DB, models.UUID, models.EntityType) error { return nil }

// FreeTier caps inventory and grocery items per household. A zero limit
// disables that cap.
type FreeTier struct {
	InventoryLimit int
	GroceryLimit   int
}

// CheckCreate implements Policy.
func (p FreeTier) CheckCreate(tx *gorm.DB, householdID models.UUID, entityType models.EntityType) error {
	var (
		limit int
		model interface{}
	)
	switch entityType {
	case models.EntityInventoryItem:
		limit, model = p.InventoryLimit, &models.InventoryItem{}
	case models.EntityGroceryItem:
		limit, model = p.GroceryLimit, &models.GroceryItem{}
	default:
		return nil
	}
	if limit <= 0 {
		return nil
	}

	var count int64
	if err := tx.Model(model).Where("household_id = ?", householdID).Count(&count).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to count household items", err)
	}
	if count >= int64(limit) {
		return apperrors.Newf(apperrors.ErrPlanLimitReached, "free plan allows %d %s entries", limit, entityType)
	}
	return nil
}
