package models

import "time"

// Product is a catalog entry for something a household stocks.
type Product struct {
	ID          UUID      `gorm:"primaryKey;type:varchar(36)" db:"id" json:"id"`
	HouseholdID UUID      `gorm:"not null;index;type:varchar(36)" db:"household_id" json:"householdId"`
	Name        string    `gorm:"not null" db:"name" json:"name"`
	Barcode     string    `db:"barcode" json:"barcode,omitempty"`
	Category    string    `db:"category" json:"category,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for Product.
func (Product) TableName() string {
	return "products"
}

// Location is a place inside a household where items are stored.
type Location struct {
	ID          UUID      `gorm:"primaryKey;type:varchar(36)" db:"id" json:"id"`
	HouseholdID UUID      `gorm:"not null;index;type:varchar(36)" db:"household_id" json:"householdId"`
	Name        string    `gorm:"not null" db:"name" json:"name"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for Location.
func (Location) TableName() string {
	return "locations"
}

// InventoryItem is a quantity of a product held at an optional location.
// ProductID is a required foreign key.
type InventoryItem struct {
	ID          UUID       `gorm:"primaryKey;type:varchar(36)" db:"id" json:"id"`
	HouseholdID UUID       `gorm:"not null;index;type:varchar(36)" db:"household_id" json:"householdId"`
	ProductID   UUID       `gorm:"not null;index;type:varchar(36)" db:"product_id" json:"productId"`
	LocationID  *UUID      `gorm:"index;type:varchar(36)" db:"location_id" json:"locationId,omitempty"`
	Quantity    float64    `gorm:"not null" db:"quantity" json:"quantity"`
	Unit        string     `db:"unit" json:"unit,omitempty"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`

	// Resolved links, populated by the client cache on read.
	Product  *Product  `gorm:"-" db:"-" json:"-"`
	Location *Location `gorm:"-" db:"-" json:"-"`
}

// TableName returns the table name for InventoryItem.
func (InventoryItem) TableName() string {
	return "inventory_items"
}

// GroceryItem is an entry on the household shopping list.
type GroceryItem struct {
	ID          UUID      `gorm:"primaryKey;type:varchar(36)" db:"id" json:"id"`
	HouseholdID UUID      `gorm:"not null;index;type:varchar(36)" db:"household_id" json:"householdId"`
	ProductID   *UUID     `gorm:"index;type:varchar(36)" db:"product_id" json:"productId,omitempty"`
	Name        string    `gorm:"not null" db:"name" json:"name"`
	Quantity    float64   `db:"quantity" json:"quantity"`
	Checked     bool      `db:"checked" json:"checked"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for GroceryItem.
func (GroceryItem) TableName() string {
	return "grocery_items"
}

// UUIDPtr returns a pointer to u, or nil when u is empty.
func UUIDPtr(u UUID) *UUID {
	if u == "" {
		return nil
	}
	return &u
}
