package inventory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kimhsiao/homestock/backend/internal/changelog"
	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/plan"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

// =====================================================
// Helpers
// =====================================================

type fixture struct {
	db     *gorm.DB
	store  *Store
	reader *changelog.Reader
	hh     models.UUID
}

func newFixture(t *testing.T, policy plan.Policy) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return &fixture{
		db:     db,
		store:  NewStore(db, changelog.NewWriter(), policy),
		reader: changelog.NewReader(db, 0),
		hh:     uuid.NewID(),
	}
}

// changes returns the household's entries newer than cursor.
func (f *fixture) changes(t *testing.T, cursor int64) []models.ChangeLogEntry {
	t.Helper()
	feed, err := f.reader.GetChanges(context.Background(), f.hh, &cursor)
	require.NoError(t, err)
	return feed.Changes
}

func (f *fixture) cursor(t *testing.T) int64 {
	t.Helper()
	feed, err := f.reader.GetChanges(context.Background(), f.hh, nil)
	require.NoError(t, err)
	return feed.ServerTime
}

func (f *fixture) product(t *testing.T, name string) *models.Product {
	t.Helper()
	p, created, err := f.store.CreateProduct(context.Background(), f.hh, ProductInput{Name: name})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func (f *fixture) location(t *testing.T, name string) *models.Location {
	t.Helper()
	l, _, err := f.store.CreateLocation(context.Background(), f.hh, LocationInput{Name: name})
	require.NoError(t, err)
	return l
}

func actions(entries []models.ChangeLogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.EntityType.String() + ":" + e.Action.String()
	}
	return out
}

// =====================================================
// Products and locations
// =====================================================

func TestCreateProduct_RecordsOneEntry(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, "  Milk ")

	assert.Equal(t, "Milk", p.Name)
	assert.True(t, uuid.IsValid(string(p.ID)))

	entries := f.changes(t, 0)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID, entries[0].EntityID)
	assert.Equal(t, models.ActionCreate, entries[0].Action)
	assert.Contains(t, string(entries[0].Payload), `"name":"Milk"`)
}

func TestCreateProduct_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.NewID()

	first, created, err := f.store.CreateProduct(ctx, f.hh, ProductInput{ID: id, Name: "Bread"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.store.CreateProduct(ctx, f.hh, ProductInput{ID: id, Name: "Bread"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	assert.Len(t, f.changes(t, 0), 1)
}

func TestCreateProduct_IDOwnedByAnotherHousehold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.NewID()

	_, _, err := f.store.CreateProduct(ctx, uuid.NewID(), ProductInput{ID: id, Name: "Tea"})
	require.NoError(t, err)

	_, _, err = f.store.CreateProduct(ctx, f.hh, ProductInput{ID: id, Name: "Tea"})
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicate))
}

func TestCreateProduct_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.store.CreateProduct(ctx, f.hh, ProductInput{Name: "   "})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, _, err = f.store.CreateProduct(ctx, f.hh, ProductInput{ID: "delete", Name: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	assert.Empty(t, f.changes(t, 0))
}

func TestUpdateProduct(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, "Milk")
	cursor := f.cursor(t)

	updated, err := f.store.UpdateProduct(context.Background(), f.hh, p.ID, ProductInput{Name: "Oat milk", Category: "dairy"})
	require.NoError(t, err)
	assert.Equal(t, "Oat milk", updated.Name)

	entries := f.changes(t, cursor)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionUpdate, entries[0].Action)
}

func TestUpdateProduct_OtherHouseholdNotFound(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, "Milk")

	_, err := f.store.UpdateProduct(context.Background(), uuid.NewID(), p.ID, ProductInput{Name: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestDeleteProduct_CascadesWithOneEntryPerEntity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.product(t, "Flour")

	for i := 0; i < 2; i++ {
		_, _, err := f.store.CreateInventoryItem(ctx, f.hh, InventoryInput{ProductID: p.ID, Quantity: 1, LocationID: models.UUIDPtr(f.location(t, "Shelf").ID)})
		require.NoError(t, err)
	}
	g, _, err := f.store.CreateGroceryItem(ctx, f.hh, GroceryInput{Name: "Flour", ProductID: &p.ID, Quantity: 1})
	require.NoError(t, err)
	cursor := f.cursor(t)

	require.NoError(t, f.store.DeleteProduct(ctx, f.hh, p.ID))

	entries := f.changes(t, cursor)
	assert.Equal(t, []string{
		"inventoryItem:delete",
		"inventoryItem:delete",
		"groceryItem:update",
		"product:delete",
	}, actions(entries))

	var stored models.GroceryItem
	require.NoError(t, f.db.First(&stored, "id = ?", g.ID).Error)
	assert.Nil(t, stored.ProductID)

	var remaining int64
	require.NoError(t, f.db.Model(&models.InventoryItem{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestDeleteProduct_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.True(t, apperrors.Is(f.store.DeleteProduct(ctx, f.hh, uuid.NewID()), apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(f.store.DeleteProduct(ctx, f.hh, "create"), apperrors.ErrNotFound))
	assert.Empty(t, f.changes(t, 0))
}

func TestDeleteLocation_UnlinksInventory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.product(t, "Jam")
	l := f.location(t, "Fridge")
	item, _, err := f.store.CreateInventoryItem(ctx, f.hh, InventoryInput{ProductID: p.ID, LocationID: &l.ID, Quantity: 3})
	require.NoError(t, err)
	cursor := f.cursor(t)

	require.NoError(t, f.store.DeleteLocation(ctx, f.hh, l.ID))
	assert.Equal(t, []string{"inventoryItem:update", "location:delete"}, actions(f.changes(t, cursor)))

	var stored models.InventoryItem
	require.NoError(t, f.db.First(&stored, "id = ?", item.ID).Error)
	assert.Nil(t, stored.LocationID)
	assert.Equal(t, 3.0, stored.Quantity)
}

// =====================================================
// Inventory
// =====================================================

func TestCreateInventoryItem_RequiresProduct(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.store.CreateInventoryItem(ctx, f.hh, InventoryInput{ProductID: uuid.NewID(), Quantity: 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, _, err = f.store.CreateInventoryItem(ctx, f.hh, InventoryInput{Quantity: 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	p := f.product(t, "Salt")
	missing := uuid.NewID()
	_, _, err = f.store.CreateInventoryItem(ctx, f.hh, InventoryInput{ProductID: p.ID, LocationID: &missing, Quantity: 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, _, err = f.store.CreateInventoryItem(ctx, f.hh, InventoryInput{ProductID: p.ID, Quantity: -1})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestInventoryItem_UpdateAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.product(t, "Pasta")
	item, created, err := f.store.CreateInventoryItem(ctx, f.hh, InventoryInput{ProductID: p.ID, Quantity: 1, Unit: "box"})
	require.NoError(t, err)
	require.True(t, created)
	cursor := f.cursor(t)

	updated, err := f.store.UpdateInventoryItem(ctx, f.hh, item.ID, InventoryInput{ProductID: p.ID, Quantity: 4, Unit: "box"})
	require.NoError(t, err)
	assert.Equal(t, 4.0, updated.Quantity)

	require.NoError(t, f.store.DeleteInventoryItem(ctx, f.hh, item.ID))
	assert.Equal(t, []string{"inventoryItem:update", "inventoryItem:delete"}, actions(f.changes(t, cursor)))

	err = f.store.DeleteInventoryItem(ctx, f.hh, item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestQuickAdd_CreatesThenIncrements(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.product(t, "Eggs")
	cursor := f.cursor(t)
	newID := uuid.NewID()

	first, err := f.store.QuickAdd(ctx, f.hh, QuickAddInput{ID: newID, ProductID: p.ID, Quantity: 6})
	require.NoError(t, err)
	assert.Equal(t, newID, first.ID)

	second, err := f.store.QuickAdd(ctx, f.hh, QuickAddInput{ID: uuid.NewID(), ProductID: p.ID, Quantity: 6})
	require.NoError(t, err)
	assert.Equal(t, newID, second.ID)
	assert.Equal(t, 12.0, second.Quantity)

	assert.Equal(t, []string{"inventoryItem:create", "inventoryItem:update"}, actions(f.changes(t, cursor)))

	_, err = f.store.QuickAdd(ctx, f.hh, QuickAddInput{ProductID: p.ID, Quantity: 0})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestQuickAdd_SeparatesLocations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.product(t, "Butter")
	l := f.location(t, "Fridge")

	a, err := f.store.QuickAdd(ctx, f.hh, QuickAddInput{ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)
	b, err := f.store.QuickAdd(ctx, f.hh, QuickAddInput{ProductID: p.ID, LocationID: &l.ID, Quantity: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

// =====================================================
// Grocery
// =====================================================

func TestCheckout_MovesIntoInventory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.product(t, "Apples")
	l := f.location(t, "Pantry")
	g, _, err := f.store.CreateGroceryItem(ctx, f.hh, GroceryInput{Name: "Apples", ProductID: &p.ID, Quantity: 5})
	require.NoError(t, err)
	cursor := f.cursor(t)

	stocked, err := f.store.Checkout(ctx, f.hh, g.ID, CheckoutInput{LocationID: &l.ID})
	require.NoError(t, err)
	assert.Equal(t, 5.0, stocked.Quantity)
	assert.Equal(t, p.ID, stocked.ProductID)

	assert.Equal(t, []string{"inventoryItem:create", "groceryItem:delete"}, actions(f.changes(t, cursor)))

	_, err = f.store.Checkout(ctx, f.hh, g.ID, CheckoutInput{})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestCheckout_WithoutProduct(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, _, err := f.store.CreateGroceryItem(ctx, f.hh, GroceryInput{Name: "Something"})
	require.NoError(t, err)
	cursor := f.cursor(t)

	_, err = f.store.Checkout(ctx, f.hh, g.ID, CheckoutInput{})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Empty(t, f.changes(t, cursor))
}

func TestGroceryItem_UpdateAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, _, err := f.store.CreateGroceryItem(ctx, f.hh, GroceryInput{Name: "Soap", Quantity: 1})
	require.NoError(t, err)

	updated, err := f.store.UpdateGroceryItem(ctx, f.hh, g.ID, GroceryInput{Name: "Soap", Quantity: 2, Checked: true})
	require.NoError(t, err)
	assert.True(t, updated.Checked)

	require.NoError(t, f.store.DeleteGroceryItem(ctx, f.hh, g.ID))
	assert.Equal(t, []string{"groceryItem:create", "groceryItem:update", "groceryItem:delete"}, actions(f.changes(t, 0)))
}

func TestPlanLimit_BlocksCreateWithoutLogging(t *testing.T) {
	f := newFixture(t, plan.FreeTier{GroceryLimit: 1})
	ctx := context.Background()

	_, _, err := f.store.CreateGroceryItem(ctx, f.hh, GroceryInput{Name: "Milk"})
	require.NoError(t, err)
	cursor := f.cursor(t)

	_, _, err = f.store.CreateGroceryItem(ctx, f.hh, GroceryInput{Name: "Bread"})
	assert.True(t, apperrors.Is(err, apperrors.ErrPlanLimitReached))
	assert.Empty(t, f.changes(t, cursor))
}

func TestFailedAppend_RollsBackMutation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	kept := f.product(t, "Flour")

	require.NoError(t, f.db.Migrator().DropTable(&models.ChangeLogEntry{}))

	_, _, err := f.store.CreateProduct(ctx, f.hh, ProductInput{Name: "Sugar"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))

	_, err = f.store.UpdateProduct(ctx, f.hh, kept.ID, ProductInput{Name: "Rye flour"})
	require.Error(t, err)

	err = f.store.DeleteProduct(ctx, f.hh, kept.ID)
	require.Error(t, err)

	var products []models.Product
	require.NoError(t, f.db.Where("household_id = ?", f.hh).Find(&products).Error)
	require.Len(t, products, 1)
	assert.Equal(t, kept.ID, products[0].ID)
	assert.Equal(t, "Flour", products[0].Name)
}
