package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/homestock/backend/internal/models"
)

var tableNames = map[models.EntityType]string{
	models.EntityProduct:       "products",
	models.EntityLocation:      "locations",
	models.EntityInventoryItem: "inventory_items",
	models.EntityGroceryItem:   "grocery_items",
}

func tableFor(entityType models.EntityType) (string, error) {
	table, ok := tableNames[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type %d", uint8(entityType))
	}
	return table, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullUUID(id *models.UUID) interface{} {
	if id == nil {
		return nil
	}
	return string(*id)
}

func uuidFromNull(s sql.NullString) *models.UUID {
	if !s.Valid {
		return nil
	}
	id := models.UUID(s.String)
	return &id
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =====================================================
// Products
// =====================================================

const productColumns = "id, household_id, name, barcode, category, updated_at"

func upsertProduct(ctx context.Context, q querier, p *models.Product) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO products (`+productColumns+`)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		household_id = excluded.household_id,
		name = excluded.name,
		barcode = excluded.barcode,
		category = excluded.category,
		updated_at = excluded.updated_at`,
		p.ID, p.HouseholdID, p.Name, p.Barcode, p.Category, unixNano(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}
	return nil
}

func scanProduct(r rowScanner) (*models.Product, error) {
	var p models.Product
	var updatedAt int64
	if err := r.Scan(&p.ID, &p.HouseholdID, &p.Name, &p.Barcode, &p.Category, &updatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = fromUnixNano(updatedAt)
	return &p, nil
}

func getProduct(ctx context.Context, q querier, id models.UUID) (*models.Product, error) {
	row := q.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = ?", id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, noRows(err)
	}
	return p, nil
}

func listProducts(ctx context.Context, q querier) ([]*models.Product, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+productColumns+" FROM products ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =====================================================
// Locations
// =====================================================

const locationColumns = "id, household_id, name, updated_at"

func upsertLocation(ctx context.Context, q querier, l *models.Location) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO locations (`+locationColumns+`)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		household_id = excluded.household_id,
		name = excluded.name,
		updated_at = excluded.updated_at`,
		l.ID, l.HouseholdID, l.Name, unixNano(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert location %s: %w", l.ID, err)
	}
	return nil
}

func scanLocation(r rowScanner) (*models.Location, error) {
	var l models.Location
	var updatedAt int64
	if err := r.Scan(&l.ID, &l.HouseholdID, &l.Name, &updatedAt); err != nil {
		return nil, err
	}
	l.UpdatedAt = fromUnixNano(updatedAt)
	return &l, nil
}

func getLocation(ctx context.Context, q querier, id models.UUID) (*models.Location, error) {
	row := q.QueryRowContext(ctx, "SELECT "+locationColumns+" FROM locations WHERE id = ?", id)
	l, err := scanLocation(row)
	if err != nil {
		return nil, noRows(err)
	}
	return l, nil
}

func listLocations(ctx context.Context, q querier) ([]*models.Location, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+locationColumns+" FROM locations ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var out []*models.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =====================================================
// Inventory items
// =====================================================

const inventoryColumns = "id, household_id, product_id, location_id, quantity, unit, expires_at, updated_at"

func upsertInventoryItem(ctx context.Context, q querier, i *models.InventoryItem) error {
	var expiresAt interface{}
	if i.ExpiresAt != nil {
		expiresAt = unixNano(*i.ExpiresAt)
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO inventory_items (`+inventoryColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		household_id = excluded.household_id,
		product_id = excluded.product_id,
		location_id = excluded.location_id,
		quantity = excluded.quantity,
		unit = excluded.unit,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`,
		i.ID, i.HouseholdID, i.ProductID, nullUUID(i.LocationID), i.Quantity, i.Unit, expiresAt, unixNano(i.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert inventory item %s: %w", i.ID, err)
	}
	return nil
}

func scanInventoryItem(r rowScanner) (*models.InventoryItem, error) {
	var (
		i          models.InventoryItem
		locationID sql.NullString
		expiresAt  sql.NullInt64
		updatedAt  int64
	)
	if err := r.Scan(&i.ID, &i.HouseholdID, &i.ProductID, &locationID, &i.Quantity, &i.Unit, &expiresAt, &updatedAt); err != nil {
		return nil, err
	}
	i.LocationID = uuidFromNull(locationID)
	if expiresAt.Valid {
		t := fromUnixNano(expiresAt.Int64)
		i.ExpiresAt = &t
	}
	i.UpdatedAt = fromUnixNano(updatedAt)
	return &i, nil
}

func getInventoryItem(ctx context.Context, q querier, id models.UUID) (*models.InventoryItem, error) {
	row := q.QueryRowContext(ctx, "SELECT "+inventoryColumns+" FROM inventory_items WHERE id = ?", id)
	i, err := scanInventoryItem(row)
	if err != nil {
		return nil, noRows(err)
	}
	return i, nil
}

func findInventoryItem(ctx context.Context, q querier, productID models.UUID, locationID *models.UUID) (*models.InventoryItem, error) {
	query := "SELECT " + inventoryColumns + " FROM inventory_items WHERE product_id = ? AND location_id IS NULL ORDER BY id LIMIT 1"
	args := []interface{}{productID}
	if locationID != nil {
		query = "SELECT " + inventoryColumns + " FROM inventory_items WHERE product_id = ? AND location_id = ? ORDER BY id LIMIT 1"
		args = append(args, *locationID)
	}
	i, err := scanInventoryItem(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, noRows(err)
	}
	return i, nil
}

func listInventoryItems(ctx context.Context, q querier) ([]*models.InventoryItem, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+inventoryColumns+" FROM inventory_items ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory items: %w", err)
	}
	defer rows.Close()

	var out []*models.InventoryItem
	for rows.Next() {
		i, err := scanInventoryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// resolveLinks populates item.Product and item.Location.
func resolveLinks(ctx context.Context, q querier, item *models.InventoryItem) error {
	product, err := getProduct(ctx, q, item.ProductID)
	if err != nil {
		return fmt.Errorf("failed to resolve product of inventory item %s: %w", item.ID, err)
	}
	item.Product = product

	if item.LocationID != nil {
		location, err := getLocation(ctx, q, *item.LocationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		item.Location = location
	}
	return nil
}

// =====================================================
// Grocery items
// =====================================================

const groceryColumns = "id, household_id, product_id, name, quantity, checked, updated_at"

func upsertGroceryItem(ctx context.Context, q querier, g *models.GroceryItem) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO grocery_items (`+groceryColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		household_id = excluded.household_id,
		product_id = excluded.product_id,
		name = excluded.name,
		quantity = excluded.quantity,
		checked = excluded.checked,
		updated_at = excluded.updated_at`,
		g.ID, g.HouseholdID, nullUUID(g.ProductID), g.Name, g.Quantity, g.Checked, unixNano(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert grocery item %s: %w", g.ID, err)
	}
	return nil
}

func scanGroceryItem(r rowScanner) (*models.GroceryItem, error) {
	var (
		g         models.GroceryItem
		productID sql.NullString
		updatedAt int64
	)
	if err := r.Scan(&g.ID, &g.HouseholdID, &productID, &g.Name, &g.Quantity, &g.Checked, &updatedAt); err != nil {
		return nil, err
	}
	g.ProductID = uuidFromNull(productID)
	g.UpdatedAt = fromUnixNano(updatedAt)
	return &g, nil
}

func getGroceryItem(ctx context.Context, q querier, id models.UUID) (*models.GroceryItem, error) {
	row := q.QueryRowContext(ctx, "SELECT "+groceryColumns+" FROM grocery_items WHERE id = ?", id)
	g, err := scanGroceryItem(row)
	if err != nil {
		return nil, noRows(err)
	}
	return g, nil
}

func listGroceryItems(ctx context.Context, q querier) ([]*models.GroceryItem, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+groceryColumns+" FROM grocery_items ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list grocery items: %w", err)
	}
	defer rows.Close()

	var out []*models.GroceryItem
	for rows.Next() {
		g, err := scanGroceryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// =====================================================
// Generic operations
// =====================================================

// upsertPayload decodes a JSON entity snapshot and upserts it. The payload
// id, when present, must match entityID.
func upsertPayload(ctx context.Context, q querier, entityType models.EntityType, entityID models.UUID, payload models.JSON) error {
	if len(payload) == 0 {
		return fmt.Errorf("%s %s: upsert without payload", entityType, entityID)
	}

	decode := func(v interface{}, id *models.UUID) error {
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", entityType, err)
		}
		if *id == "" {
			*id = entityID
		}
		if *id != entityID {
			return fmt.Errorf("%s payload id %s does not match entry id %s", entityType, *id, entityID)
		}
		return nil
	}

	switch entityType {
	case models.EntityProduct:
		var p models.Product
		if err := decode(&p, &p.ID); err != nil {
			return err
		}
		return upsertProduct(ctx, q, &p)
	case models.EntityLocation:
		var l models.Location
		if err := decode(&l, &l.ID); err != nil {
			return err
		}
		return upsertLocation(ctx, q, &l)
	case models.EntityInventoryItem:
		var i models.InventoryItem
		if err := decode(&i, &i.ID); err != nil {
			return err
		}
		return upsertInventoryItem(ctx, q, &i)
	case models.EntityGroceryItem:
		var g models.GroceryItem
		if err := decode(&g, &g.ID); err != nil {
			return err
		}
		return upsertGroceryItem(ctx, q, &g)
	default:
		return fmt.Errorf("unknown entity type %d", uint8(entityType))
	}
}

// entityJSON returns the cached entity encoded as JSON, or nil when absent.
func entityJSON(ctx context.Context, q querier, entityType models.EntityType, id models.UUID) (models.JSON, error) {
	var (
		v   interface{}
		err error
	)
	switch entityType {
	case models.EntityProduct:
		v, err = getProduct(ctx, q, id)
	case models.EntityLocation:
		v, err = getLocation(ctx, q, id)
	case models.EntityInventoryItem:
		v, err = getInventoryItem(ctx, q, id)
	case models.EntityGroceryItem:
		v, err = getGroceryItem(ctx, q, id)
	default:
		return nil, fmt.Errorf("unknown entity type %d", uint8(entityType))
	}
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", entityType, id, err)
	}
	return models.JSON(data), nil
}

func deleteEntity(ctx context.Context, q querier, entityType models.EntityType, id models.UUID) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, id, err)
	}
	return nil
}

func listIDs(ctx context.Context, q querier, entityType models.EntityType) ([]models.UUID, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, "SELECT id FROM "+table+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ids: %w", entityType, err)
	}
	defer rows.Close()

	var ids []models.UUID
	for rows.Next() {
		var id models.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =====================================================
// Sync state
// =====================================================

func readCursor(ctx context.Context, q querier, householdID models.UUID) (*int64, error) {
	var cursor sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT cursor FROM sync_state WHERE household_id = ?", householdID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	if !cursor.Valid {
		return nil, nil
	}
	return &cursor.Int64, nil
}

func writeCursor(ctx context.Context, q querier, householdID models.UUID, cursor int64) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_state (household_id, cursor, last_sync_at)
	VALUES (?, ?, ?)
	ON CONFLICT(household_id) DO UPDATE SET
		cursor = excluded.cursor,
		last_sync_at = excluded.last_sync_at`,
		householdID, cursor, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	return nil
}
