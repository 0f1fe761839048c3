// Package inventory is the server-side household store. Every mutation runs
// in one database transaction and records exactly one change log entry per
// entity it touches.
package inventory

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kimhsiao/homestock/backend/internal/changelog"
	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/plan"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

// Store applies household mutations.
type Store struct {
	db     *gorm.DB
	log    *changelog.Writer
	policy plan.Policy
	now    func() time.Time
}

// NewStore creates a Store. A nil policy allows every create.
func NewStore(db *gorm.DB, log *changelog.Writer, policy plan.Policy) *Store {
	if policy == nil {
		policy = plan.Unlimited{}
	}
	return &Store{db: db, log: log, policy: policy, now: time.Now}
}

// AutoMigrate creates the household entity and change log tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Product{}, &models.Location{}, &models.InventoryItem{}, &models.GroceryItem{}); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to migrate household tables", err)
	}
	if err := changelog.AutoMigrate(db); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to migrate change log tables", err)
	}
	return nil
}

func (s *Store) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// record appends the change log entry for one touched entity.
func (s *Store) record(tx *gorm.DB, householdID models.UUID, entityType models.EntityType, entityID models.UUID, action models.Action, snapshot interface{}) error {
	_, err := s.log.Append(tx, householdID, entityType, entityID, action, snapshot)
	return err
}

// findOwned loads the entity with id in the household.
func findOwned[T any](tx *gorm.DB, householdID, id models.UUID, entityType models.EntityType) (*T, error) {
	if !uuid.IsValid(string(id)) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", entityType, id)
	}
	var v T
	err := tx.Where("id = ? AND household_id = ?", id, householdID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", entityType, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load "+entityType.String(), err)
	}
	return &v, nil
}

// replayedCreate resolves the id of a create. An empty id is generated. An
// id already stored in the household returns that entity so a replayed
// create is a no-op; an id owned by another household is a conflict.
func replayedCreate[T any](tx *gorm.DB, householdID models.UUID, id *models.UUID, entityType models.EntityType) (*T, error) {
	if *id == "" {
		*id = uuid.NewID()
		return nil, nil
	}
	if err := uuid.ValidateID(*id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid "+entityType.String()+" id", err)
	}

	existing, err := findOwned[T](tx, householdID, *id, entityType)
	if err == nil {
		return existing, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	var count int64
	if err := tx.Model(new(T)).Where("id = ?", *id).Count(&count).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to check "+entityType.String()+" id", err)
	}
	if count > 0 {
		return nil, apperrors.Newf(apperrors.ErrDuplicate, "%s id %s is already in use", entityType, *id)
	}
	return nil, nil
}

func requireName(name string, entityType models.EntityType) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.Newf(apperrors.ErrValidation, "%s name is required", entityType)
	}
	return name, nil
}

func requireQuantity(q float64) error {
	if q < 0 {
		return apperrors.New(apperrors.ErrValidation, "quantity must not be negative")
	}
	return nil
}

func wrapDB(err error, message string) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, message, err)
}
