package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/homestock/backend/internal/db"
	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

// ProductInput is the body of a product create.
type ProductInput struct {
	ID       models.UUID `json:"id"`
	Name     string      `json:"name"`
	Barcode  string      `json:"barcode,omitempty"`
	Category string      `json:"category,omitempty"`
}

// LocationInput is the body of a location create.
type LocationInput struct {
	ID   models.UUID `json:"id"`
	Name string      `json:"name"`
}

// InventoryInput is the body of an inventory item create or update.
type InventoryInput struct {
	ID         models.UUID  `json:"id,omitempty"`
	ProductID  models.UUID  `json:"productId"`
	LocationID *models.UUID `json:"locationId,omitempty"`
	Quantity   float64      `json:"quantity"`
	Unit       string       `json:"unit,omitempty"`
	ExpiresAt  *time.Time   `json:"expiresAt,omitempty"`
}

// GroceryInput is the body of a grocery item create or update.
type GroceryInput struct {
	ID        models.UUID  `json:"id,omitempty"`
	ProductID *models.UUID `json:"productId,omitempty"`
	Name      string       `json:"name"`
	Quantity  float64      `json:"quantity"`
	Checked   bool         `json:"checked"`
}

// CheckoutInput is the body of a grocery checkout. InventoryID names the
// item created when no stock of the product exists at the location yet.
type CheckoutInput struct {
	InventoryID models.UUID  `json:"inventoryId"`
	LocationID  *models.UUID `json:"locationId,omitempty"`
	Quantity    *float64     `json:"quantity,omitempty"`
}

// QuickAddInput is the body of a quick-add.
type QuickAddInput struct {
	ID         models.UUID  `json:"id"`
	ProductID  models.UUID  `json:"productId"`
	LocationID *models.UUID `json:"locationId,omitempty"`
	Quantity   float64      `json:"quantity"`
}

// optimistic applies fn to the cache and queues its replay in the same
// transaction, then wakes the dispatcher. fn calls capture for every entity
// before changing it so a dropped replay can be rolled back.
func (s *Session) optimistic(ctx context.Context, m *models.PendingMutation, body interface{}, fn func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error) error {
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", m.Kind, err)
		}
		m.Payload = models.JSON(payload)
	}

	err := s.cache.Update(ctx, func(tx *db.Tx) error {
		var images []models.EntityImage
		seen := make(map[models.UUID]bool)
		capture := func(et models.EntityType, id models.UUID) error {
			if seen[id] {
				return nil
			}
			img, err := tx.Image(et, id)
			if err != nil {
				return err
			}
			seen[id] = true
			images = append(images, img)
			return nil
		}

		if err := fn(tx, capture); err != nil {
			return err
		}

		if len(images) > 0 {
			pre, err := json.Marshal(images)
			if err != nil {
				return fmt.Errorf("failed to encode pre-image: %w", err)
			}
			m.HasPreImage = true
			m.PreImage = models.JSON(pre)
		}
		return s.queue.Enqueue(tx, m)
	})
	if err != nil {
		return err
	}

	s.dispatcher.Trigger()
	return nil
}

func (s *Session) timestamp() time.Time {
	return s.now().UTC()
}

func ensureID(id *models.UUID) error {
	if *id == "" {
		*id = uuid.NewID()
		return nil
	}
	if err := uuid.ValidateID(*id); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid id", err)
	}
	return nil
}

func requireName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.New(apperrors.ErrValidation, "name is required")
	}
	return name, nil
}

func requireQuantity(q float64) error {
	if q < 0 {
		return apperrors.New(apperrors.ErrValidation, "quantity must not be negative")
	}
	return nil
}

func validation(err error, format string, args ...interface{}) error {
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Newf(apperrors.ErrValidation, format, args...)
	}
	return err
}

// checkLinks verifies an inventory item's references exist in the cache.
func checkLinks(tx *db.Tx, productID models.UUID, locationID *models.UUID) error {
	if productID == "" {
		return apperrors.New(apperrors.ErrValidation, "productId is required")
	}
	if _, err := tx.GetProduct(productID); err != nil {
		return validation(err, "product %s does not exist", productID)
	}
	if locationID != nil {
		if _, err := tx.GetLocation(*locationID); err != nil {
			return validation(err, "location %s does not exist", *locationID)
		}
	}
	return nil
}

// =====================================================
// Products and locations
// =====================================================

// CreateProduct adds a product.
func (s *Session) CreateProduct(ctx context.Context, in ProductInput) (*models.Product, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := ensureID(&in.ID); err != nil {
		return nil, err
	}
	in.Name = name

	p := &models.Product{ID: in.ID, HouseholdID: s.householdID, Name: in.Name, Barcode: in.Barcode, Category: in.Category, UpdatedAt: s.timestamp()}
	m := &models.PendingMutation{Kind: models.MutationCreate, EntityType: models.EntityProduct, EntityID: p.ID, Method: http.MethodPost, Endpoint: "/api/products"}
	err = s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if err := capture(models.EntityProduct, p.ID); err != nil {
			return err
		}
		return tx.UpsertProduct(p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateLocation adds a location.
func (s *Session) CreateLocation(ctx context.Context, in LocationInput) (*models.Location, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := ensureID(&in.ID); err != nil {
		return nil, err
	}
	in.Name = name

	l := &models.Location{ID: in.ID, HouseholdID: s.householdID, Name: in.Name, UpdatedAt: s.timestamp()}
	m := &models.PendingMutation{Kind: models.MutationCreate, EntityType: models.EntityLocation, EntityID: l.ID, Method: http.MethodPost, Endpoint: "/api/locations"}
	err = s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if err := capture(models.EntityLocation, l.ID); err != nil {
			return err
		}
		return tx.UpsertLocation(l)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// =====================================================
// Inventory
// =====================================================

// CreateInventoryItem adds an inventory item.
func (s *Session) CreateInventoryItem(ctx context.Context, in InventoryInput) (*models.InventoryItem, error) {
	if err := requireQuantity(in.Quantity); err != nil {
		return nil, err
	}
	if err := ensureID(&in.ID); err != nil {
		return nil, err
	}

	item := s.inventoryItem(in.ID, in)
	m := &models.PendingMutation{Kind: models.MutationCreate, EntityType: models.EntityInventoryItem, EntityID: item.ID, Method: http.MethodPost, Endpoint: "/api/inventory"}
	err := s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if err := checkLinks(tx, in.ProductID, in.LocationID); err != nil {
			return err
		}
		if err := capture(models.EntityInventoryItem, item.ID); err != nil {
			return err
		}
		return tx.UpsertInventoryItem(item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateInventoryItem replaces an inventory item's fields.
func (s *Session) UpdateInventoryItem(ctx context.Context, id models.UUID, in InventoryInput) (*models.InventoryItem, error) {
	if err := requireQuantity(in.Quantity); err != nil {
		return nil, err
	}
	in.ID = ""

	item := s.inventoryItem(id, in)
	m := &models.PendingMutation{Kind: models.MutationUpdate, EntityType: models.EntityInventoryItem, EntityID: id, Method: http.MethodPut, Endpoint: "/api/inventory/" + string(id)}
	err := s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if _, err := tx.GetInventoryItem(id); err != nil {
			return err
		}
		if err := checkLinks(tx, in.ProductID, in.LocationID); err != nil {
			return err
		}
		if err := capture(models.EntityInventoryItem, id); err != nil {
			return err
		}
		return tx.UpsertInventoryItem(item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteInventoryItem removes an inventory item.
func (s *Session) DeleteInventoryItem(ctx context.Context, id models.UUID) error {
	m := &models.PendingMutation{Kind: models.MutationDelete, EntityType: models.EntityInventoryItem, EntityID: id, Method: http.MethodDelete, Endpoint: "/api/inventory/" + string(id)}
	return s.optimistic(ctx, m, nil, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if _, err := tx.GetInventoryItem(id); err != nil {
			return err
		}
		if err := capture(models.EntityInventoryItem, id); err != nil {
			return err
		}
		return tx.Delete(models.EntityInventoryItem, id)
	})
}

func (s *Session) inventoryItem(id models.UUID, in InventoryInput) *models.InventoryItem {
	return &models.InventoryItem{
		ID:          id,
		HouseholdID: s.householdID,
		ProductID:   in.ProductID,
		LocationID:  in.LocationID,
		Quantity:    in.Quantity,
		Unit:        in.Unit,
		ExpiresAt:   in.ExpiresAt,
		UpdatedAt:   s.timestamp(),
	}
}

// QuickAdd adds stock of a product at a location, bumping the existing item
// when there is one.
func (s *Session) QuickAdd(ctx context.Context, in QuickAddInput) (*models.InventoryItem, error) {
	if in.Quantity <= 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "quick-add quantity must be positive")
	}
	if err := ensureID(&in.ID); err != nil {
		return nil, err
	}

	var stocked *models.InventoryItem
	m := &models.PendingMutation{Kind: models.MutationQuickAdd, EntityType: models.EntityInventoryItem, EntityID: in.ID, Method: http.MethodPost, Endpoint: "/api/inventory/quick-add"}
	err := s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if err := checkLinks(tx, in.ProductID, in.LocationID); err != nil {
			return err
		}
		var err error
		stocked, err = s.addStock(tx, capture, in.ID, in.ProductID, in.LocationID, in.Quantity)
		if err != nil {
			return err
		}
		m.EntityID = stocked.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stocked, nil
}

// addStock mirrors the server: bump the item for product and location, or
// the item named newID, or create it.
func (s *Session) addStock(tx *db.Tx, capture func(models.EntityType, models.UUID) error, newID, productID models.UUID, locationID *models.UUID, quantity float64) (*models.InventoryItem, error) {
	item, err := tx.FindInventoryItem(productID, locationID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		item, err = tx.GetInventoryItem(newID)
	}
	switch {
	case err == nil:
		item.Quantity += quantity
	case apperrors.Is(err, apperrors.ErrNotFound):
		item = &models.InventoryItem{ID: newID, HouseholdID: s.householdID, ProductID: productID, LocationID: locationID, Quantity: quantity}
	default:
		return nil, err
	}
	item.Product, item.Location = nil, nil
	item.UpdatedAt = s.timestamp()

	if err := capture(models.EntityInventoryItem, item.ID); err != nil {
		return nil, err
	}
	if err := tx.UpsertInventoryItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

// =====================================================
// Grocery
// =====================================================

// CreateGroceryItem adds an item to the shopping list.
func (s *Session) CreateGroceryItem(ctx context.Context, in GroceryInput) (*models.GroceryItem, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := requireQuantity(in.Quantity); err != nil {
		return nil, err
	}
	if err := ensureID(&in.ID); err != nil {
		return nil, err
	}
	in.Name = name

	g := s.groceryItem(in.ID, in)
	m := &models.PendingMutation{Kind: models.MutationCreate, EntityType: models.EntityGroceryItem, EntityID: g.ID, Method: http.MethodPost, Endpoint: "/api/grocery"}
	err = s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if err := checkProduct(tx, in.ProductID); err != nil {
			return err
		}
		if err := capture(models.EntityGroceryItem, g.ID); err != nil {
			return err
		}
		return tx.UpsertGroceryItem(g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateGroceryItem replaces a grocery item's fields.
func (s *Session) UpdateGroceryItem(ctx context.Context, id models.UUID, in GroceryInput) (*models.GroceryItem, error) {
	name, err := requireName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := requireQuantity(in.Quantity); err != nil {
		return nil, err
	}
	in.ID = ""
	in.Name = name

	g := s.groceryItem(id, in)
	m := &models.PendingMutation{Kind: models.MutationUpdate, EntityType: models.EntityGroceryItem, EntityID: id, Method: http.MethodPut, Endpoint: "/api/grocery/" + string(id)}
	err = s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if _, err := tx.GetGroceryItem(id); err != nil {
			return err
		}
		if err := checkProduct(tx, in.ProductID); err != nil {
			return err
		}
		if err := capture(models.EntityGroceryItem, id); err != nil {
			return err
		}
		return tx.UpsertGroceryItem(g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGroceryItem removes a grocery item.
func (s *Session) DeleteGroceryItem(ctx context.Context, id models.UUID) error {
	m := &models.PendingMutation{Kind: models.MutationDelete, EntityType: models.EntityGroceryItem, EntityID: id, Method: http.MethodDelete, Endpoint: "/api/grocery/" + string(id)}
	return s.optimistic(ctx, m, nil, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		if _, err := tx.GetGroceryItem(id); err != nil {
			return err
		}
		if err := capture(models.EntityGroceryItem, id); err != nil {
			return err
		}
		return tx.Delete(models.EntityGroceryItem, id)
	})
}

// CheckoutGroceryItem moves a grocery item into inventory and removes it
// from the list.
func (s *Session) CheckoutGroceryItem(ctx context.Context, groceryID models.UUID, in CheckoutInput) (*models.InventoryItem, error) {
	if in.Quantity != nil {
		if err := requireQuantity(*in.Quantity); err != nil {
			return nil, err
		}
	}
	if err := ensureID(&in.InventoryID); err != nil {
		return nil, err
	}

	var stocked *models.InventoryItem
	m := &models.PendingMutation{Kind: models.MutationCheckout, EntityType: models.EntityGroceryItem, EntityID: groceryID, Method: http.MethodPost, Endpoint: "/api/grocery/" + string(groceryID) + "/checkout"}
	err := s.optimistic(ctx, m, in, func(tx *db.Tx, capture func(models.EntityType, models.UUID) error) error {
		g, err := tx.GetGroceryItem(groceryID)
		if err != nil {
			return err
		}
		if g.ProductID == nil {
			return apperrors.Newf(apperrors.ErrValidation, "grocery item %s has no product to stock", g.ID)
		}
		if err := checkLinks(tx, *g.ProductID, in.LocationID); err != nil {
			return err
		}

		quantity := g.Quantity
		if in.Quantity != nil {
			quantity = *in.Quantity
		}
		if quantity <= 0 {
			quantity = 1
		}

		stocked, err = s.addStock(tx, capture, in.InventoryID, *g.ProductID, in.LocationID, quantity)
		if err != nil {
			return err
		}
		if err := capture(models.EntityGroceryItem, g.ID); err != nil {
			return err
		}
		return tx.Delete(models.EntityGroceryItem, g.ID)
	})
	if err != nil {
		return nil, err
	}
	return stocked, nil
}

func (s *Session) groceryItem(id models.UUID, in GroceryInput) *models.GroceryItem {
	return &models.GroceryItem{
		ID:          id,
		HouseholdID: s.householdID,
		ProductID:   in.ProductID,
		Name:        in.Name,
		Quantity:    in.Quantity,
		Checked:     in.Checked,
		UpdatedAt:   s.timestamp(),
	}
}

func checkProduct(tx *db.Tx, productID *models.UUID) error {
	if productID == nil {
		return nil
	}
	if _, err := tx.GetProduct(*productID); err != nil {
		return validation(err, "product %s does not exist", *productID)
	}
	return nil
}
