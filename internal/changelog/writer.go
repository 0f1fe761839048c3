package changelog

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/telemetry"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

// Writer appends change log entries inside caller-owned transactions.
type Writer struct {
	now func() time.Time
}

// NewWriter creates a Writer using the wall clock.
func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// Append records one mutation of a tracked entity. tx must be the
// transaction applying the mutation; a returned error must abort it.
// snapshot is serialized as the payload for create and update and ignored
// for delete.
func (w *Writer) Append(tx *gorm.DB, householdID models.UUID, entityType models.EntityType, entityID models.UUID, action models.Action, snapshot interface{}) (*models.ChangeLogEntry, error) {
	if err := uuid.ValidateID(householdID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid household id", err)
	}
	if !entityType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid entity type %d", uint8(entityType))
	}
	if !action.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid action %d", uint8(action))
	}
	if err := uuid.ValidateID(entityID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid entity id", err)
	}

	var payload models.JSON
	if action != models.ActionDelete && snapshot != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s snapshot: %w", entityType, err)
		}
		payload = models.JSON(data)
	}

	state, err := lockState(tx, householdID)
	if err != nil {
		return nil, err
	}

	ts := w.now().UnixMicro()
	if ts <= state.LastTimestamp {
		ts = state.LastTimestamp + 1
	}

	if err := tx.Model(&models.HouseholdSyncState{}).
		Where("household_id = ?", householdID).
		Update("last_timestamp", ts).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to advance household timestamp", err)
	}

	entry := &models.ChangeLogEntry{
		HouseholdID:     householdID,
		EntityType:      entityType,
		EntityID:        entityID,
		Action:          action,
		Payload:         payload,
		ServerTimestamp: ts,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to append change log entry", err)
	}

	telemetry.ChangeLogAppends.WithLabelValues(entityType.String(), action.String()).Inc()
	return entry, nil
}

// lockState returns the household's sync state row, creating it on first
// use, locked for update until tx ends.
func lockState(tx *gorm.DB, householdID models.UUID) (*models.HouseholdSyncState, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.HouseholdSyncState{HouseholdID: householdID}).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to initialize household sync state", err)
	}

	query := tx
	// SQLite serializes writers on its own and has no row locks.
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var state models.HouseholdSyncState
	if err := query.Where("household_id = ?", householdID).First(&state).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to lock household sync state", err)
	}
	return &state, nil
}
