package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

// =====================================================
// Helpers
// =====================================================

func openCache(t testing.TB) *Cache {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCache(db)
}

func mustUpdate(t testing.TB, c *Cache, fn func(*Tx) error) {
	t.Helper()
	if err := c.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

var ignoreLinks = cmpopts.IgnoreFields(models.InventoryItem{}, "Product", "Location")

func seedProduct(t *testing.T, c *Cache, hh models.UUID, name string) *models.Product {
	t.Helper()
	p := &models.Product{ID: uuid.NewID(), HouseholdID: hh, Name: name, UpdatedAt: time.Unix(1700000000, 0).UTC()}
	mustUpdate(t, c, func(tx *Tx) error { return tx.UpsertProduct(p) })
	return p
}

// =====================================================
// Update
// =====================================================

func TestUpdate_CommitsOnSuccess(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	hh := uuid.NewID()
	p := seedProduct(t, c, hh, "Milk")

	got, err := c.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProduct() failed: %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("product mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	hh := uuid.NewID()
	boom := errors.New("boom")

	err := c.Update(ctx, func(tx *Tx) error {
		if err := tx.UpsertProduct(&models.Product{ID: uuid.NewID(), HouseholdID: hh, Name: "Milk"}); err != nil {
			return err
		}
		if err := tx.SetCursor(hh, 42); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	ids, err := c.ListIDs(ctx, models.EntityProduct)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("product written by failed batch is visible: %v", ids)
	}
	cursor, err := c.Cursor(ctx, hh)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != nil {
		t.Errorf("cursor = %d after failed batch, want nil", *cursor)
	}
}

// =====================================================
// Entities
// =====================================================

func TestInventoryItem_RequiresCachedProduct(t *testing.T) {
	c := openCache(t)
	err := c.Update(context.Background(), func(tx *Tx) error {
		return tx.UpsertInventoryItem(&models.InventoryItem{
			ID:          uuid.NewID(),
			HouseholdID: uuid.NewID(),
			ProductID:   uuid.NewID(),
			Quantity:    1,
		})
	})
	if err == nil {
		t.Fatal("inventory item with unknown product should violate the foreign key")
	}
}

func TestGetInventoryItem_ResolvesLinks(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	hh := uuid.NewID()
	p := seedProduct(t, c, hh, "Rice")
	l := &models.Location{ID: uuid.NewID(), HouseholdID: hh, Name: "Pantry"}
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	item := &models.InventoryItem{
		ID:          uuid.NewID(),
		HouseholdID: hh,
		ProductID:   p.ID,
		LocationID:  &l.ID,
		Quantity:    2.5,
		Unit:        "kg",
		ExpiresAt:   &expires,
		UpdatedAt:   time.Unix(1700000001, 0).UTC(),
	}
	mustUpdate(t, c, func(tx *Tx) error {
		if err := tx.UpsertLocation(l); err != nil {
			return err
		}
		return tx.UpsertInventoryItem(item)
	})

	got, err := c.GetInventoryItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetInventoryItem() failed: %v", err)
	}
	if diff := cmp.Diff(item, got, ignoreLinks); diff != "" {
		t.Errorf("item mismatch (-want +got):\n%s", diff)
	}
	if got.Product == nil || got.Product.Name != "Rice" {
		t.Errorf("Product link = %+v, want Rice", got.Product)
	}
	if got.Location == nil || got.Location.Name != "Pantry" {
		t.Errorf("Location link = %+v, want Pantry", got.Location)
	}

	list, err := c.ListInventoryItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Product == nil || list[0].Location == nil {
		t.Errorf("ListInventoryItems() = %+v, want one item with links", list)
	}
}

func TestGet_NotFound(t *testing.T) {
	c := openCache(t)
	_, err := c.GetProduct(context.Background(), uuid.NewID())
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetProduct() error = %v, want NOT_FOUND", err)
	}
}

func TestUpsert_DoesNotCascade(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	hh := uuid.NewID()
	p := seedProduct(t, c, hh, "Milk")
	item := &models.InventoryItem{ID: uuid.NewID(), HouseholdID: hh, ProductID: p.ID, Quantity: 1}
	mustUpdate(t, c, func(tx *Tx) error { return tx.UpsertInventoryItem(item) })

	// Updating the product must keep the item that references it.
	p.Name = "Oat milk"
	mustUpdate(t, c, func(tx *Tx) error { return tx.UpsertProduct(p) })

	if _, err := c.GetInventoryItem(ctx, item.ID); err != nil {
		t.Errorf("inventory item lost after product upsert: %v", err)
	}
}

func TestDelete_ProductCascadesAndIsIdempotent(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	hh := uuid.NewID()
	p := seedProduct(t, c, hh, "Milk")
	item := &models.InventoryItem{ID: uuid.NewID(), HouseholdID: hh, ProductID: p.ID, Quantity: 1}
	grocery := &models.GroceryItem{ID: uuid.NewID(), HouseholdID: hh, ProductID: &p.ID, Name: "Milk"}
	mustUpdate(t, c, func(tx *Tx) error {
		if err := tx.UpsertInventoryItem(item); err != nil {
			return err
		}
		return tx.UpsertGroceryItem(grocery)
	})

	mustUpdate(t, c, func(tx *Tx) error { return tx.Delete(models.EntityProduct, p.ID) })
	mustUpdate(t, c, func(tx *Tx) error { return tx.Delete(models.EntityProduct, p.ID) })

	if _, err := c.GetInventoryItem(ctx, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("inventory item survived product delete: %v", err)
	}
	g, err := c.GetGroceryItem(ctx, grocery.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g.ProductID != nil {
		t.Errorf("grocery ProductID = %v, want nil", *g.ProductID)
	}
}

func TestUpsertPayload(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	id := uuid.NewID()

	payload := models.JSON(`{"id":"` + string(id) + `","householdId":"h","name":"Eggs","quantity":12,"checked":true,"updatedAt":"2024-05-01T10:00:00Z"}`)
	mustUpdate(t, c, func(tx *Tx) error { return tx.UpsertPayload(models.EntityGroceryItem, id, payload) })

	g, err := c.GetGroceryItem(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	want := &models.GroceryItem{
		ID:          id,
		HouseholdID: "h",
		Name:        "Eggs",
		Quantity:    12,
		Checked:     true,
		UpdatedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Errorf("grocery mismatch (-want +got):\n%s", diff)
	}

	err = c.Update(ctx, func(tx *Tx) error {
		return tx.UpsertPayload(models.EntityGroceryItem, uuid.NewID(), payload)
	})
	if err == nil {
		t.Error("payload id that differs from the entry id should fail")
	}
	err = c.Update(ctx, func(tx *Tx) error {
		return tx.UpsertPayload(models.EntityGroceryItem, id, nil)
	})
	if err == nil {
		t.Error("upsert without payload should fail")
	}
}

func TestImageAndRestore(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	hh := uuid.NewID()
	p := seedProduct(t, c, hh, "Milk")
	missing := uuid.NewID()

	var existing, absent models.EntityImage
	mustUpdate(t, c, func(tx *Tx) error {
		var err error
		if existing, err = tx.Image(models.EntityProduct, p.ID); err != nil {
			return err
		}
		if absent, err = tx.Image(models.EntityLocation, missing); err != nil {
			return err
		}
		// Optimistic writes that will be undone.
		if err := tx.UpsertProduct(&models.Product{ID: p.ID, HouseholdID: hh, Name: "Changed"}); err != nil {
			return err
		}
		return tx.UpsertLocation(&models.Location{ID: missing, HouseholdID: hh, Name: "New"})
	})
	if len(absent.Before) != 0 {
		t.Errorf("image of absent entity has Before = %s", absent.Before)
	}

	mustUpdate(t, c, func(tx *Tx) error {
		if err := tx.Restore(existing); err != nil {
			return err
		}
		return tx.Restore(absent)
	})

	got, err := c.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("restored product mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.GetLocation(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("location created optimistically should be removed, got %v", err)
	}
}

func TestFindInventoryItem(t *testing.T) {
	c := openCache(t)
	hh := uuid.NewID()
	p := seedProduct(t, c, hh, "Tea")
	l := &models.Location{ID: uuid.NewID(), HouseholdID: hh, Name: "Shelf"}
	atShelf := &models.InventoryItem{ID: uuid.NewID(), HouseholdID: hh, ProductID: p.ID, LocationID: &l.ID, Quantity: 1}
	nowhere := &models.InventoryItem{ID: uuid.NewID(), HouseholdID: hh, ProductID: p.ID, Quantity: 2}
	mustUpdate(t, c, func(tx *Tx) error {
		if err := tx.UpsertLocation(l); err != nil {
			return err
		}
		if err := tx.UpsertInventoryItem(atShelf); err != nil {
			return err
		}
		return tx.UpsertInventoryItem(nowhere)
	})

	mustUpdate(t, c, func(tx *Tx) error {
		got, err := tx.FindInventoryItem(p.ID, &l.ID)
		if err != nil || got.ID != atShelf.ID {
			t.Errorf("FindInventoryItem(shelf) = %v, %v", got, err)
		}
		got, err = tx.FindInventoryItem(p.ID, nil)
		if err != nil || got.ID != nowhere.ID {
			t.Errorf("FindInventoryItem(nil) = %v, %v", got, err)
		}
		if _, err := tx.FindInventoryItem(uuid.NewID(), nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindInventoryItem(unknown) error = %v", err)
		}
		return nil
	})
}

// =====================================================
// Sync state
// =====================================================

func TestCursor(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()
	hh := uuid.NewID()

	cursor, err := c.Cursor(ctx, hh)
	if err != nil || cursor != nil {
		t.Fatalf("Cursor() before sync = %v, %v", cursor, err)
	}

	mustUpdate(t, c, func(tx *Tx) error { return tx.SetCursor(hh, 100) })
	mustUpdate(t, c, func(tx *Tx) error { return tx.SetCursor(hh, 200) })

	cursor, err = c.Cursor(ctx, hh)
	if err != nil || cursor == nil || *cursor != 200 {
		t.Fatalf("Cursor() = %v, %v; want 200", cursor, err)
	}
	at, err := c.LastSyncAt(ctx, hh)
	if err != nil || at == nil {
		t.Errorf("LastSyncAt() = %v, %v", at, err)
	}

	mustUpdate(t, c, func(tx *Tx) error { return tx.ClearCursor(hh) })
	cursor, err = c.Cursor(ctx, hh)
	if err != nil || cursor != nil {
		t.Errorf("Cursor() after clear = %v, %v", cursor, err)
	}

	// Cursors are per household.
	other, err := c.Cursor(ctx, uuid.NewID())
	if err != nil || other != nil {
		t.Errorf("Cursor(other) = %v, %v", other, err)
	}
}
