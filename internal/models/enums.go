package models

import (
	"database/sql/driver"
	"fmt"
)

// EntityType identifies a tracked household entity.
type EntityType uint8

const (
	EntityProduct EntityType = iota + 1
	EntityLocation
	EntityInventoryItem
	EntityGroceryItem
)

var entityTypeNames = map[EntityType]string{
	EntityProduct:       "product",
	EntityLocation:      "location",
	EntityInventoryItem: "inventoryItem",
	EntityGroceryItem:   "groceryItem",
}

// EntityTypes lists every tracked entity type in foreign-key dependency order:
// products and locations come before the inventory items that reference them.
var EntityTypes = []EntityType{
	EntityProduct,
	EntityLocation,
	EntityInventoryItem,
	EntityGroceryItem,
}

// ParseEntityType parses the wire name of an entity type.
func ParseEntityType(s string) (EntityType, error) {
	for t, name := range entityTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", s)
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := entityTypeNames[t]
	return ok
}

func (t EntityType) String() string {
	if name, ok := entityTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EntityType(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t EntityType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid entity type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EntityType) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value implements driver.Valuer; entity types are stored by name.
func (t EntityType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid entity type %d", uint8(t))
	}
	return t.String(), nil
}

// Scan implements sql.Scanner.
func (t *EntityType) Scan(value interface{}) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// Action is the kind of mutation recorded in the change log. It is a
// distinct integer type so it can never be stored into an identifier field.
type Action uint8

const (
	ActionCreate Action = iota + 1
	ActionUpdate
	ActionDelete
)

var actionNames = map[Action]string{
	ActionCreate: "create",
	ActionUpdate: "update",
	ActionDelete: "delete",
}

// ParseAction parses the wire name of an action.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid action %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer.
func (a Action) Value() (driver.Value, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid action %d", uint8(a))
	}
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Action) Scan(value interface{}) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}

// MutationKind describes the intent of a pending client write.
type MutationKind string

const (
	MutationCreate   MutationKind = "create"
	MutationUpdate   MutationKind = "update"
	MutationDelete   MutationKind = "delete"
	MutationCheckout MutationKind = "checkout"
	MutationQuickAdd MutationKind = "quickAdd"
)

// Valid reports whether k is a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete, MutationCheckout, MutationQuickAdd:
		return true
	}
	return false
}

func scanString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("cannot scan %T as text", value)
	}
}
