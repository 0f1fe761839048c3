package inventory

import (
	"context"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
)

// InventoryInput carries the writable fields of an inventory item.
type InventoryInput struct {
	ID         models.UUID  `json:"id"`
	ProductID  models.UUID  `json:"productId"`
	LocationID *models.UUID `json:"locationId"`
	Quantity   float64      `json:"quantity"`
	Unit       string       `json:"unit"`
	ExpiresAt  *time.Time   `json:"expiresAt"`
}

// QuickAddInput adds stock of a product at a location. ID names the item to
// create when the household has none for that product and location yet.
type QuickAddInput struct {
	ID         models.UUID  `json:"id"`
	ProductID  models.UUID  `json:"productId"`
	LocationID *models.UUID `json:"locationId"`
	Quantity   float64      `json:"quantity"`
}

// CreateInventoryItem creates an inventory item, or returns the stored one
// on replay. The product must exist in the household, and so must the
// location when given.
func (s *Store) CreateInventoryItem(ctx context.Context, householdID models.UUID, in InventoryInput) (item *models.InventoryItem, created bool, err error) {
	err = s.transact(ctx, func(tx *gorm.DB) error {
		existing, err := replayedCreate[models.InventoryItem](tx, householdID, &in.ID, models.EntityInventoryItem)
		if err != nil || existing != nil {
			item = existing
			return err
		}
		if err := s.checkLinks(tx, householdID, in.ProductID, in.LocationID); err != nil {
			return err
		}
		if err := requireQuantity(in.Quantity); err != nil {
			return err
		}
		if err := s.policy.CheckCreate(tx, householdID, models.EntityInventoryItem); err != nil {
			return err
		}

		item = &models.InventoryItem{
			ID:          in.ID,
			HouseholdID: householdID,
			ProductID:   in.ProductID,
			LocationID:  in.LocationID,
			Quantity:    in.Quantity,
			Unit:        in.Unit,
			ExpiresAt:   in.ExpiresAt,
			UpdatedAt:   s.timestamp(),
		}
		if err := tx.Create(item).Error; err != nil {
			return wrapDB(err, "failed to create inventory item")
		}
		created = true
		return s.record(tx, householdID, models.EntityInventoryItem, item.ID, models.ActionCreate, item)
	})
	return item, created, err
}

// UpdateInventoryItem replaces the writable fields of an inventory item.
func (s *Store) UpdateInventoryItem(ctx context.Context, householdID, id models.UUID, in InventoryInput) (*models.InventoryItem, error) {
	var item *models.InventoryItem
	err := s.transact(ctx, func(tx *gorm.DB) error {
		var err error
		item, err = findOwned[models.InventoryItem](tx, householdID, id, models.EntityInventoryItem)
		if err != nil {
			return err
		}
		if err := s.checkLinks(tx, householdID, in.ProductID, in.LocationID); err != nil {
			return err
		}
		if err := requireQuantity(in.Quantity); err != nil {
			return err
		}

		item.ProductID = in.ProductID
		item.LocationID = in.LocationID
		item.Quantity = in.Quantity
		item.Unit = in.Unit
		item.ExpiresAt = in.ExpiresAt
		item.UpdatedAt = s.timestamp()
		if err := tx.Save(item).Error; err != nil {
			return wrapDB(err, "failed to update inventory item")
		}
		return s.record(tx, householdID, models.EntityInventoryItem, item.ID, models.ActionUpdate, item)
	})
	return item, err
}

// DeleteInventoryItem deletes an inventory item.
func (s *Store) DeleteInventoryItem(ctx context.Context, householdID, id models.UUID) error {
	return s.transact(ctx, func(tx *gorm.DB) error {
		item, err := findOwned[models.InventoryItem](tx, householdID, id, models.EntityInventoryItem)
		if err != nil {
			return err
		}
		if err := tx.Delete(item).Error; err != nil {
			return wrapDB(err, "failed to delete inventory item")
		}
		return s.record(tx, householdID, models.EntityInventoryItem, item.ID, models.ActionDelete, nil)
	})
}

// QuickAdd increments the household's inventory item for the product and
// location, creating it when there is none.
func (s *Store) QuickAdd(ctx context.Context, householdID models.UUID, in QuickAddInput) (*models.InventoryItem, error) {
	if in.Quantity <= 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "quick-add quantity must be positive")
	}
	var item *models.InventoryItem
	err := s.transact(ctx, func(tx *gorm.DB) error {
		if err := s.checkLinks(tx, householdID, in.ProductID, in.LocationID); err != nil {
			return err
		}
		var err error
		item, err = s.addStock(tx, householdID, in.ID, in.ProductID, in.LocationID, in.Quantity)
		return err
	})
	return item, err
}

// addStock adds quantity to the item matching product and location, or
// creates one with newID. It records the single resulting change.
func (s *Store) addStock(tx *gorm.DB, householdID, newID, productID models.UUID, locationID *models.UUID, quantity float64) (*models.InventoryItem, error) {
	query := tx.Where("household_id = ? AND product_id = ?", householdID, productID)
	if locationID == nil {
		query = query.Where("location_id IS NULL")
	} else {
		query = query.Where("location_id = ?", *locationID)
	}

	var items []models.InventoryItem
	if err := query.Order("id").Limit(1).Find(&items).Error; err != nil {
		return nil, wrapDB(err, "failed to look up inventory item")
	}
	if len(items) == 1 {
		return s.bumpStock(tx, householdID, &items[0], quantity)
	}

	existing, err := replayedCreate[models.InventoryItem](tx, householdID, &newID, models.EntityInventoryItem)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.bumpStock(tx, householdID, existing, quantity)
	}
	if err := s.policy.CheckCreate(tx, householdID, models.EntityInventoryItem); err != nil {
		return nil, err
	}

	item := &models.InventoryItem{
		ID:          newID,
		HouseholdID: householdID,
		ProductID:   productID,
		LocationID:  locationID,
		Quantity:    quantity,
		UpdatedAt:   s.timestamp(),
	}
	if err := tx.Create(item).Error; err != nil {
		return nil, wrapDB(err, "failed to create inventory item")
	}
	return item, s.record(tx, householdID, models.EntityInventoryItem, item.ID, models.ActionCreate, item)
}

func (s *Store) bumpStock(tx *gorm.DB, householdID models.UUID, item *models.InventoryItem, quantity float64) (*models.InventoryItem, error) {
	item.Quantity += quantity
	item.UpdatedAt = s.timestamp()
	if err := tx.Save(item).Error; err != nil {
		return nil, wrapDB(err, "failed to update inventory item")
	}
	return item, s.record(tx, householdID, models.EntityInventoryItem, item.ID, models.ActionUpdate, item)
}

// checkLinks verifies an inventory item's references.
func (s *Store) checkLinks(tx *gorm.DB, householdID, productID models.UUID, locationID *models.UUID) error {
	if productID == "" {
		return apperrors.New(apperrors.ErrValidation, "productId is required")
	}
	if _, err := findOwned[models.Product](tx, householdID, productID, models.EntityProduct); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Newf(apperrors.ErrValidation, "product %s does not exist", productID)
		}
		return err
	}
	if locationID != nil {
		if _, err := findOwned[models.Location](tx, householdID, *locationID, models.EntityLocation); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return apperrors.Newf(apperrors.ErrValidation, "location %s does not exist", *locationID)
			}
			return err
		}
	}
	return nil
}
