package inventory

import (
	"context"

	"gorm.io/gorm"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
)

// GroceryInput carries the writable fields of a grocery item.
type GroceryInput struct {
	ID        models.UUID  `json:"id"`
	ProductID *models.UUID `json:"productId"`
	Name      string       `json:"name"`
	Quantity  float64      `json:"quantity"`
	Checked   bool         `json:"checked"`
}

// CheckoutInput moves a grocery item into inventory. Quantity defaults to
// the grocery item's quantity, or 1 when that is unset. InventoryID names
// the inventory item to create when none matches.
type CheckoutInput struct {
	InventoryID models.UUID  `json:"inventoryId"`
	LocationID  *models.UUID `json:"locationId"`
	Quantity    *float64     `json:"quantity"`
}

// CreateGroceryItem adds an item to the shopping list, or returns the
// stored one on replay.
func (s *Store) CreateGroceryItem(ctx context.Context, householdID models.UUID, in GroceryInput) (item *models.GroceryItem, created bool, err error) {
	err = s.transact(ctx, func(tx *gorm.DB) error {
		existing, err := replayedCreate[models.GroceryItem](tx, householdID, &in.ID, models.EntityGroceryItem)
		if err != nil || existing != nil {
			item = existing
			return err
		}
		name, err := requireName(in.Name, models.EntityGroceryItem)
		if err != nil {
			return err
		}
		if err := requireQuantity(in.Quantity); err != nil {
			return err
		}
		if err := s.checkProduct(tx, householdID, in.ProductID); err != nil {
			return err
		}
		if err := s.policy.CheckCreate(tx, householdID, models.EntityGroceryItem); err != nil {
			return err
		}

		item = &models.GroceryItem{
			ID:          in.ID,
			HouseholdID: householdID,
			ProductID:   in.ProductID,
			Name:        name,
			Quantity:    in.Quantity,
			Checked:     in.Checked,
			UpdatedAt:   s.timestamp(),
		}
		if err := tx.Create(item).Error; err != nil {
			return wrapDB(err, "failed to create grocery item")
		}
		created = true
		return s.record(tx, householdID, models.EntityGroceryItem, item.ID, models.ActionCreate, item)
	})
	return item, created, err
}

// UpdateGroceryItem replaces the writable fields of a grocery item.
func (s *Store) UpdateGroceryItem(ctx context.Context, householdID, id models.UUID, in GroceryInput) (*models.GroceryItem, error) {
	var item *models.GroceryItem
	err := s.transact(ctx, func(tx *gorm.DB) error {
		var err error
		item, err = findOwned[models.GroceryItem](tx, householdID, id, models.EntityGroceryItem)
		if err != nil {
			return err
		}
		name, err := requireName(in.Name, models.EntityGroceryItem)
		if err != nil {
			return err
		}
		if err := requireQuantity(in.Quantity); err != nil {
			return err
		}
		if err := s.checkProduct(tx, householdID, in.ProductID); err != nil {
			return err
		}

		item.ProductID = in.ProductID
		item.Name = name
		item.Quantity = in.Quantity
		item.Checked = in.Checked
		item.UpdatedAt = s.timestamp()
		if err := tx.Save(item).Error; err != nil {
			return wrapDB(err, "failed to update grocery item")
		}
		return s.record(tx, householdID, models.EntityGroceryItem, item.ID, models.ActionUpdate, item)
	})
	return item, err
}

// DeleteGroceryItem removes an item from the shopping list.
func (s *Store) DeleteGroceryItem(ctx context.Context, householdID, id models.UUID) error {
	return s.transact(ctx, func(tx *gorm.DB) error {
		item, err := findOwned[models.GroceryItem](tx, householdID, id, models.EntityGroceryItem)
		if err != nil {
			return err
		}
		if err := tx.Delete(item).Error; err != nil {
			return wrapDB(err, "failed to delete grocery item")
		}
		return s.record(tx, householdID, models.EntityGroceryItem, item.ID, models.ActionDelete, nil)
	})
}

// Checkout stocks a bought grocery item: its quantity is added to the
// matching inventory item (created if needed) and the grocery item is
// deleted, in one transaction.
func (s *Store) Checkout(ctx context.Context, householdID, groceryID models.UUID, in CheckoutInput) (*models.InventoryItem, error) {
	var stocked *models.InventoryItem
	err := s.transact(ctx, func(tx *gorm.DB) error {
		item, err := findOwned[models.GroceryItem](tx, householdID, groceryID, models.EntityGroceryItem)
		if err != nil {
			return err
		}
		if item.ProductID == nil {
			return apperrors.Newf(apperrors.ErrValidation, "grocery item %s has no product to stock", item.ID)
		}
		if err := s.checkLinks(tx, householdID, *item.ProductID, in.LocationID); err != nil {
			return err
		}

		quantity := item.Quantity
		if in.Quantity != nil {
			quantity = *in.Quantity
		}
		if quantity <= 0 {
			quantity = 1
		}

		stocked, err = s.addStock(tx, householdID, in.InventoryID, *item.ProductID, in.LocationID, quantity)
		if err != nil {
			return err
		}

		if err := tx.Delete(item).Error; err != nil {
			return wrapDB(err, "failed to delete grocery item")
		}
		return s.record(tx, householdID, models.EntityGroceryItem, item.ID, models.ActionDelete, nil)
	})
	return stocked, err
}

func (s *Store) checkProduct(tx *gorm.DB, householdID models.UUID, productID *models.UUID) error {
	if productID == nil {
		return nil
	}
	if _, err := findOwned[models.Product](tx, householdID, *productID, models.EntityProduct); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Newf(apperrors.ErrValidation, "product %s does not exist", *productID)
		}
		return err
	}
	return nil
}
