package inventory

import (
	"context"

	"gorm.io/gorm"

	"github.com/kimhsiao/homestock/backend/internal/models"
)

// LocationInput carries the writable fields of a location.
type LocationInput struct {
	ID   models.UUID `json:"id"`
	Name string      `json:"name"`
}

// CreateLocation creates a location, or returns the stored one on replay.
func (s *Store) CreateLocation(ctx context.Context, householdID models.UUID, in LocationInput) (location *models.Location, created bool, err error) {
	err = s.transact(ctx, func(tx *gorm.DB) error {
		existing, err := replayedCreate[models.Location](tx, householdID, &in.ID, models.EntityLocation)
		if err != nil || existing != nil {
			location = existing
			return err
		}
		name, err := requireName(in.Name, models.EntityLocation)
		if err != nil {
			return err
		}

		location = &models.Location{
			ID:          in.ID,
			HouseholdID: householdID,
			Name:        name,
			UpdatedAt:   s.timestamp(),
		}
		if err := tx.Create(location).Error; err != nil {
			return wrapDB(err, "failed to create location")
		}
		created = true
		return s.record(tx, householdID, models.EntityLocation, location.ID, models.ActionCreate, location)
	})
	return location, created, err
}

// UpdateLocation renames a location.
func (s *Store) UpdateLocation(ctx context.Context, householdID, id models.UUID, in LocationInput) (*models.Location, error) {
	var location *models.Location
	err := s.transact(ctx, func(tx *gorm.DB) error {
		var err error
		location, err = findOwned[models.Location](tx, householdID, id, models.EntityLocation)
		if err != nil {
			return err
		}
		name, err := requireName(in.Name, models.EntityLocation)
		if err != nil {
			return err
		}

		location.Name = name
		location.UpdatedAt = s.timestamp()
		if err := tx.Save(location).Error; err != nil {
			return wrapDB(err, "failed to update location")
		}
		return s.record(tx, householdID, models.EntityLocation, location.ID, models.ActionUpdate, location)
	})
	return location, err
}

// DeleteLocation deletes a location. Inventory items stored there keep
// their quantity and lose the location.
func (s *Store) DeleteLocation(ctx context.Context, householdID, id models.UUID) error {
	return s.transact(ctx, func(tx *gorm.DB) error {
		location, err := findOwned[models.Location](tx, householdID, id, models.EntityLocation)
		if err != nil {
			return err
		}

		var items []models.InventoryItem
		if err := tx.Where("household_id = ? AND location_id = ?", householdID, location.ID).Order("id").Find(&items).Error; err != nil {
			return wrapDB(err, "failed to load location inventory")
		}
		for i := range items {
			item := &items[i]
			item.LocationID = nil
			item.UpdatedAt = s.timestamp()
			if err := tx.Save(item).Error; err != nil {
				return wrapDB(err, "failed to unlink inventory item")
			}
			if err := s.record(tx, householdID, models.EntityInventoryItem, item.ID, models.ActionUpdate, item); err != nil {
				return err
			}
		}

		if err := tx.Delete(location).Error; err != nil {
			return wrapDB(err, "failed to delete location")
		}
		return s.record(tx, householdID, models.EntityLocation, location.ID, models.ActionDelete, nil)
	})
}
