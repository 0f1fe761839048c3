package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
)

// ErrNotFound is returned by cache lookups for absent entities.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "entity not found in cache")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Cache is the local household cache. All writes go through Update, which
// serializes writers and commits each batch atomically; reads may run at
// any time and observe only committed batches.
type Cache struct {
	db *DB
	mu sync.Mutex
}

// NewCache creates a Cache over an opened database.
func NewCache(db *DB) *Cache {
	return &Cache{db: db}
}

// DB returns the underlying database.
func (c *Cache) DB() *DB {
	return c.db
}

// Update runs fn in one transaction. The transaction commits only when fn
// returns nil; otherwise nothing fn wrote is visible.
func (c *Cache) Update(ctx context.Context, fn func(*Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin cache transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit cache transaction", err)
	}
	committed = true
	return nil
}

// Tx is an open cache transaction handed to Update callbacks.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// =====================================================
// Transactional writes
// =====================================================

// UpsertProduct inserts or replaces a product.
func (t *Tx) UpsertProduct(p *models.Product) error {
	return upsertProduct(t.ctx, t.tx, p)
}

// UpsertLocation inserts or replaces a location.
func (t *Tx) UpsertLocation(l *models.Location) error {
	return upsertLocation(t.ctx, t.tx, l)
}

// UpsertInventoryItem inserts or replaces an inventory item. Its product
// must already be cached.
func (t *Tx) UpsertInventoryItem(i *models.InventoryItem) error {
	return upsertInventoryItem(t.ctx, t.tx, i)
}

// UpsertGroceryItem inserts or replaces a grocery item.
func (t *Tx) UpsertGroceryItem(g *models.GroceryItem) error {
	return upsertGroceryItem(t.ctx, t.tx, g)
}

// UpsertPayload decodes a change log payload of entityType and upserts it.
func (t *Tx) UpsertPayload(entityType models.EntityType, entityID models.UUID, payload models.JSON) error {
	return upsertPayload(t.ctx, t.tx, entityType, entityID, payload)
}

// Delete removes an entity by id. Deleting an absent entity is a no-op.
func (t *Tx) Delete(entityType models.EntityType, id models.UUID) error {
	return deleteEntity(t.ctx, t.tx, entityType, id)
}

// ListIDs returns the ids of every cached entity of entityType.
func (t *Tx) ListIDs(entityType models.EntityType) ([]models.UUID, error) {
	return listIDs(t.ctx, t.tx, entityType)
}

// Image captures the current cached state of an entity for later Restore.
func (t *Tx) Image(entityType models.EntityType, id models.UUID) (models.EntityImage, error) {
	before, err := entityJSON(t.ctx, t.tx, entityType, id)
	if err != nil {
		return models.EntityImage{}, err
	}
	return models.EntityImage{EntityType: entityType, EntityID: id, Before: before}, nil
}

// Restore puts an entity back to a captured image.
func (t *Tx) Restore(img models.EntityImage) error {
	if len(img.Before) == 0 {
		return deleteEntity(t.ctx, t.tx, img.EntityType, img.EntityID)
	}
	return upsertPayload(t.ctx, t.tx, img.EntityType, img.EntityID, img.Before)
}

// GetProduct returns a cached product.
func (t *Tx) GetProduct(id models.UUID) (*models.Product, error) {
	return getProduct(t.ctx, t.tx, id)
}

// GetLocation returns a cached location.
func (t *Tx) GetLocation(id models.UUID) (*models.Location, error) {
	return getLocation(t.ctx, t.tx, id)
}

// GetInventoryItem returns a cached inventory item without resolved links.
func (t *Tx) GetInventoryItem(id models.UUID) (*models.InventoryItem, error) {
	return getInventoryItem(t.ctx, t.tx, id)
}

// GetGroceryItem returns a cached grocery item.
func (t *Tx) GetGroceryItem(id models.UUID) (*models.GroceryItem, error) {
	return getGroceryItem(t.ctx, t.tx, id)
}

// FindInventoryItem returns the first cached item for the product at the
// location (nil for no location), or ErrNotFound.
func (t *Tx) FindInventoryItem(productID models.UUID, locationID *models.UUID) (*models.InventoryItem, error) {
	return findInventoryItem(t.ctx, t.tx, productID, locationID)
}

// Cursor returns the stored sync cursor of the household, or nil.
func (t *Tx) Cursor(householdID models.UUID) (*int64, error) {
	return readCursor(t.ctx, t.tx, householdID)
}

// SetCursor stores the household's sync cursor and the sync time.
func (t *Tx) SetCursor(householdID models.UUID, cursor int64) error {
	return writeCursor(t.ctx, t.tx, householdID, cursor)
}

// ClearCursor forgets the household's cursor so the next sync is full.
func (t *Tx) ClearCursor(householdID models.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, "UPDATE sync_state SET cursor = NULL WHERE household_id = ?", householdID)
	if err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// =====================================================
// Reads
// =====================================================

// GetProduct returns a cached product.
func (c *Cache) GetProduct(ctx context.Context, id models.UUID) (*models.Product, error) {
	return getProduct(ctx, c.db, id)
}

// GetLocation returns a cached location.
func (c *Cache) GetLocation(ctx context.Context, id models.UUID) (*models.Location, error) {
	return getLocation(ctx, c.db, id)
}

// GetInventoryItem returns a cached inventory item with its Product and
// Location links resolved.
func (c *Cache) GetInventoryItem(ctx context.Context, id models.UUID) (*models.InventoryItem, error) {
	item, err := getInventoryItem(ctx, c.db, id)
	if err != nil {
		return nil, err
	}
	if err := resolveLinks(ctx, c.db, item); err != nil {
		return nil, err
	}
	return item, nil
}

// GetGroceryItem returns a cached grocery item.
func (c *Cache) GetGroceryItem(ctx context.Context, id models.UUID) (*models.GroceryItem, error) {
	return getGroceryItem(ctx, c.db, id)
}

// ListProducts returns every cached product ordered by name.
func (c *Cache) ListProducts(ctx context.Context) ([]*models.Product, error) {
	return listProducts(ctx, c.db)
}

// ListLocations returns every cached location ordered by name.
func (c *Cache) ListLocations(ctx context.Context) ([]*models.Location, error) {
	return listLocations(ctx, c.db)
}

// ListInventoryItems returns every cached inventory item with resolved links.
func (c *Cache) ListInventoryItems(ctx context.Context) ([]*models.InventoryItem, error) {
	items, err := listInventoryItems(ctx, c.db)
	if err != nil {
		return nil, err
	}

	products, err := listProducts(ctx, c.db)
	if err != nil {
		return nil, err
	}
	locations, err := listLocations(ctx, c.db)
	if err != nil {
		return nil, err
	}
	productByID := make(map[models.UUID]*models.Product, len(products))
	for _, p := range products {
		productByID[p.ID] = p
	}
	locationByID := make(map[models.UUID]*models.Location, len(locations))
	for _, l := range locations {
		locationByID[l.ID] = l
	}

	for _, item := range items {
		item.Product = productByID[item.ProductID]
		if item.LocationID != nil {
			item.Location = locationByID[*item.LocationID]
		}
	}
	return items, nil
}

// ListGroceryItems returns every cached grocery item ordered by name.
func (c *Cache) ListGroceryItems(ctx context.Context) ([]*models.GroceryItem, error) {
	return listGroceryItems(ctx, c.db)
}

// ListIDs returns the ids of every cached entity of entityType.
func (c *Cache) ListIDs(ctx context.Context, entityType models.EntityType) ([]models.UUID, error) {
	return listIDs(ctx, c.db, entityType)
}

// Cursor returns the stored sync cursor of the household, or nil before
// the first successful sync.
func (c *Cache) Cursor(ctx context.Context, householdID models.UUID) (*int64, error) {
	return readCursor(ctx, c.db, householdID)
}

// LastSyncAt returns when the household's cursor was last stored.
func (c *Cache) LastSyncAt(ctx context.Context, householdID models.UUID) (*int64, error) {
	var at sql.NullInt64
	err := c.db.QueryRowContext(ctx, "SELECT last_sync_at FROM sync_state WHERE household_id = ?", householdID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if !at.Valid {
		return nil, nil
	}
	return &at.Int64, nil
}
