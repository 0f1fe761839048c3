package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSON is a raw JSON document stored in a json/jsonb column.
type JSON json.RawMessage

// Value implements driver.Valuer. Empty documents are stored as NULL.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSON) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*j = nil
		return nil
	}
	*j = append((*j)[:0], data...)
	return nil
}

// ChangeLogEntry is one immutable record of a mutation to a tracked entity.
// Entries are ordered within a household by (ServerTimestamp, ID).
type ChangeLogEntry struct {
	ID              uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	HouseholdID     UUID       `gorm:"not null;index:idx_change_log_household_ts,priority:1;type:varchar(36)" json:"-"`
	EntityType      EntityType `gorm:"not null;type:varchar(32)" json:"entityType"`
	EntityID        UUID       `gorm:"not null;type:varchar(36)" json:"entityId"`
	Action          Action     `gorm:"not null;type:varchar(16)" json:"action"`
	Payload         JSON       `gorm:"type:jsonb" json:"payload"`
	ServerTimestamp int64      `gorm:"not null;index:idx_change_log_household_ts,priority:2" json:"serverTimestamp"`
}

// TableName returns the table name for ChangeLogEntry.
func (ChangeLogEntry) TableName() string {
	return "change_log"
}

// Time returns the ServerTimestamp as time.Time.
func (c *ChangeLogEntry) Time() time.Time {
	return time.UnixMicro(c.ServerTimestamp)
}

// HouseholdSyncState tracks the change log position of one household.
// LastTimestamp is the most recently assigned entry timestamp;
// HorizonTimestamp is the oldest cursor still answerable after pruning.
type HouseholdSyncState struct {
	HouseholdID      UUID  `gorm:"primaryKey;type:varchar(36)"`
	LastTimestamp    int64 `gorm:"not null;default:0"`
	HorizonTimestamp int64 `gorm:"not null;default:0"`
}

// TableName returns the table name for HouseholdSyncState.
func (HouseholdSyncState) TableName() string {
	return "household_sync_states"
}
