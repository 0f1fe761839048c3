// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// =====================================================
// UUID Type Tests
// =====================================================

// TestUUID_Value verifies the Value() method returns correct string.
func TestUUID_Value(t *testing.T) {
	uuid := UUID("123e4567-e89b-42d3-a456-426614174000")

	val, err := uuid.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	if val != "123e4567-e89b-42d3-a456-426614174000" {
		t.Errorf("Value() = %v, want '123e4567-e89b-42d3-a456-426614174000'", val)
	}
}

// TestUUID_Scan verifies nil, []byte and string handling.
func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  UUID
	}{
		{"nil", nil, ""},
		{"bytes", []byte("abc"), "abc"},
		{"string", "def", "def"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			if err := u.Scan(tt.input); err != nil {
				t.Fatalf("Scan(%v) error = %v", tt.input, err)
			}
			if u != tt.want {
				t.Errorf("Scan(%v) = %q, want %q", tt.input, u, tt.want)
			}
		})
	}
}

// TestUUID_Scan_invalidType verifies error for invalid types.
func TestUUID_Scan_invalidType(t *testing.T) {
	var uuid UUID
	if err := uuid.Scan(12345); err == nil {
		t.Error("Scan(int) should return error")
	}
}

// TestUUIDPtr verifies empty ids map to nil.
func TestUUIDPtr(t *testing.T) {
	if UUIDPtr("") != nil {
		t.Error("UUIDPtr(\"\") should be nil")
	}
	if p := UUIDPtr("x"); p == nil || *p != "x" {
		t.Errorf("UUIDPtr(\"x\") = %v, want pointer to x", p)
	}
}

// =====================================================
// Enum Tests
// =====================================================

// TestEntityType_roundTrip verifies wire names parse back to the same type.
func TestEntityType_roundTrip(t *testing.T) {
	for _, et := range EntityTypes {
		text, err := et.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) error = %v", et, err)
		}
		var parsed EntityType
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s) error = %v", text, err)
		}
		if parsed != et {
			t.Errorf("round trip = %v, want %v", parsed, et)
		}
	}
}

// TestEntityType_names verifies the wire names.
func TestEntityType_names(t *testing.T) {
	want := map[EntityType]string{
		EntityProduct:       "product",
		EntityLocation:      "location",
		EntityInventoryItem: "inventoryItem",
		EntityGroceryItem:   "groceryItem",
	}
	for et, name := range want {
		if et.String() != name {
			t.Errorf("String() = %q, want %q", et.String(), name)
		}
	}
}

// TestEntityType_invalid verifies unknown values are rejected.
func TestEntityType_invalid(t *testing.T) {
	if _, err := ParseEntityType("widget"); err == nil {
		t.Error("ParseEntityType(widget) should return error")
	}
	if _, err := EntityType(0).Value(); err == nil {
		t.Error("Value() of zero EntityType should return error")
	}
}

// TestAction_scan verifies actions stored as text scan back.
func TestAction_scan(t *testing.T) {
	for _, input := range []interface{}{"update", []byte("update")} {
		var a Action
		if err := a.Scan(input); err != nil {
			t.Fatalf("Scan(%v) error = %v", input, err)
		}
		if a != ActionUpdate {
			t.Errorf("Scan(%v) = %v, want ActionUpdate", input, a)
		}
	}
}

// TestAction_rejectsIdentifiers verifies an entity id is never accepted as an action.
func TestAction_rejectsIdentifiers(t *testing.T) {
	var a Action
	if err := a.Scan("123e4567-e89b-42d3-a456-426614174000"); err == nil {
		t.Error("Scan(uuid) should return error")
	}
	if _, err := ParseAction(""); err == nil {
		t.Error("ParseAction(\"\") should return error")
	}
}

// TestMutationKind_Valid verifies the known kinds.
func TestMutationKind_Valid(t *testing.T) {
	for _, k := range []MutationKind{MutationCreate, MutationUpdate, MutationDelete, MutationCheckout, MutationQuickAdd} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if MutationKind("upload").Valid() {
		t.Error("upload should not be a valid mutation kind")
	}
}

// =====================================================
// ChangeLogEntry Tests
// =====================================================

// TestChangeLogEntry_TableName verifies table name.
func TestChangeLogEntry_TableName(t *testing.T) {
	c := ChangeLogEntry{}
	if c.TableName() != "change_log" {
		t.Errorf("TableName() = %q, want 'change_log'", c.TableName())
	}
}

// TestChangeLogEntry_JSON verifies the wire shape of a change entry.
func TestChangeLogEntry_JSON(t *testing.T) {
	entry := ChangeLogEntry{
		ID:              7,
		HouseholdID:     "hh",
		EntityType:      EntityInventoryItem,
		EntityID:        "item-1",
		Action:          ActionDelete,
		ServerTimestamp: 1700000000000000,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}

	if decoded["entityType"] != "inventoryItem" {
		t.Errorf("entityType = %v, want inventoryItem", decoded["entityType"])
	}
	if decoded["action"] != "delete" {
		t.Errorf("action = %v, want delete", decoded["action"])
	}
	if decoded["entityId"] != "item-1" {
		t.Errorf("entityId = %v, want item-1", decoded["entityId"])
	}
	if decoded["payload"] != nil {
		t.Errorf("payload = %v, want null", decoded["payload"])
	}
	if _, ok := decoded["householdId"]; ok {
		t.Error("householdId should not be serialized")
	}

	var back ChangeLogEntry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal entry error = %v", err)
	}
	if back.Action != ActionDelete || back.EntityType != EntityInventoryItem {
		t.Errorf("decoded entry = %+v", back)
	}
}

// TestChangeLogEntry_Time verifies microsecond conversion.
func TestChangeLogEntry_Time(t *testing.T) {
	c := ChangeLogEntry{ServerTimestamp: 1609459200000000}
	if !c.Time().Equal(time.Unix(1609459200, 0)) {
		t.Errorf("Time() = %v, want 2021-01-01", c.Time())
	}
}

// TestJSON_Value verifies empty documents are stored as NULL.
func TestJSON_Value(t *testing.T) {
	v, err := JSON(nil).Value()
	if err != nil || v != nil {
		t.Errorf("Value() = %v, %v; want nil, nil", v, err)
	}

	v, err = JSON(`{"a":1}`).Value()
	if err != nil || v != `{"a":1}` {
		t.Errorf("Value() = %v, %v; want document", v, err)
	}
}

// =====================================================
// PendingMutation Tests
// =====================================================

// TestPendingMutation_CreatedAtTime verifies nanosecond conversion.
func TestPendingMutation_CreatedAtTime(t *testing.T) {
	m := PendingMutation{CreatedAt: 1609459200000000000}
	if !m.CreatedAtTime().Equal(time.Unix(1609459200, 0)) {
		t.Errorf("CreatedAtTime() = %v", m.CreatedAtTime())
	}
}
