package inventory

import (
	"context"

	"gorm.io/gorm"

	"github.com/kimhsiao/homestock/backend/internal/models"
)

// ProductInput carries the writable fields of a product.
type ProductInput struct {
	ID       models.UUID `json:"id"`
	Name     string      `json:"name"`
	Barcode  string      `json:"barcode"`
	Category string      `json:"category"`
}

// CreateProduct creates a product. created is false when the id already
// existed and the stored product is returned unchanged.
func (s *Store) CreateProduct(ctx context.Context, householdID models.UUID, in ProductInput) (product *models.Product, created bool, err error) {
	err = s.transact(ctx, func(tx *gorm.DB) error {
		existing, err := replayedCreate[models.Product](tx, householdID, &in.ID, models.EntityProduct)
		if err != nil || existing != nil {
			product = existing
			return err
		}
		name, err := requireName(in.Name, models.EntityProduct)
		if err != nil {
			return err
		}

		product = &models.Product{
			ID:          in.ID,
			HouseholdID: householdID,
			Name:        name,
			Barcode:     in.Barcode,
			Category:    in.Category,
			UpdatedAt:   s.timestamp(),
		}
		if err := tx.Create(product).Error; err != nil {
			return wrapDB(err, "failed to create product")
		}
		created = true
		return s.record(tx, householdID, models.EntityProduct, product.ID, models.ActionCreate, product)
	})
	return product, created, err
}

// UpdateProduct replaces the writable fields of a product.
func (s *Store) UpdateProduct(ctx context.Context, householdID, id models.UUID, in ProductInput) (*models.Product, error) {
	var product *models.Product
	err := s.transact(ctx, func(tx *gorm.DB) error {
		var err error
		product, err = findOwned[models.Product](tx, householdID, id, models.EntityProduct)
		if err != nil {
			return err
		}
		name, err := requireName(in.Name, models.EntityProduct)
		if err != nil {
			return err
		}

		product.Name = name
		product.Barcode = in.Barcode
		product.Category = in.Category
		product.UpdatedAt = s.timestamp()
		if err := tx.Save(product).Error; err != nil {
			return wrapDB(err, "failed to update product")
		}
		return s.record(tx, householdID, models.EntityProduct, product.ID, models.ActionUpdate, product)
	})
	return product, err
}

// DeleteProduct deletes a product together with its inventory items, and
// unlinks grocery items that referenced it.
func (s *Store) DeleteProduct(ctx context.Context, householdID, id models.UUID) error {
	return s.transact(ctx, func(tx *gorm.DB) error {
		product, err := findOwned[models.Product](tx, householdID, id, models.EntityProduct)
		if err != nil {
			return err
		}

		var items []models.InventoryItem
		if err := tx.Where("household_id = ? AND product_id = ?", householdID, product.ID).Order("id").Find(&items).Error; err != nil {
			return wrapDB(err, "failed to load product inventory")
		}
		for i := range items {
			if err := tx.Delete(&items[i]).Error; err != nil {
				return wrapDB(err, "failed to delete inventory item")
			}
			if err := s.record(tx, householdID, models.EntityInventoryItem, items[i].ID, models.ActionDelete, nil); err != nil {
				return err
			}
		}

		var groceries []models.GroceryItem
		if err := tx.Where("household_id = ? AND product_id = ?", householdID, product.ID).Order("id").Find(&groceries).Error; err != nil {
			return wrapDB(err, "failed to load product grocery items")
		}
		for i := range groceries {
			g := &groceries[i]
			g.ProductID = nil
			g.UpdatedAt = s.timestamp()
			if err := tx.Save(g).Error; err != nil {
				return wrapDB(err, "failed to unlink grocery item")
			}
			if err := s.record(tx, householdID, models.EntityGroceryItem, g.ID, models.ActionUpdate, g); err != nil {
				return err
			}
		}

		if err := tx.Delete(product).Error; err != nil {
			return wrapDB(err, "failed to delete product")
		}
		return s.record(tx, householdID, models.EntityProduct, product.ID, models.ActionDelete, nil)
	})
}
