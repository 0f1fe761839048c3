package changelog

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/telemetry"
)

// ErrCursorExpired is returned when entries newer than the cursor have been
// pruned; the client must bootstrap from a snapshot.
var ErrCursorExpired = apperrors.New(apperrors.ErrCursorExpired, "cursor is older than the retained change log")

// Feed is the response to a change feed request.
type Feed struct {
	Changes    []models.ChangeLogEntry `json:"changes"`
	ServerTime int64                   `json:"serverTime"`
	HasMore    bool                    `json:"hasMore"`
}

// Snapshot is the full current entity state of a household.
type Snapshot struct {
	Products       []models.Product       `json:"products"`
	Locations      []models.Location      `json:"locations"`
	InventoryItems []models.InventoryItem `json:"inventoryItems"`
	GroceryItems   []models.GroceryItem   `json:"groceryItems"`
	ServerTime     int64                  `json:"serverTime"`
}

// Reader serves change feeds and snapshots.
type Reader struct {
	db        *gorm.DB
	pageLimit int
}

// NewReader creates a Reader. A pageLimit of zero returns all pending
// entries in one response.
func NewReader(db *gorm.DB, pageLimit int) *Reader {
	return &Reader{db: db, pageLimit: pageLimit}
}

// GetChanges returns the household's entries newer than cursor in commit
// order. A nil cursor requests the whole retained log.
func (r *Reader) GetChanges(ctx context.Context, householdID models.UUID, cursor *int64) (*Feed, error) {
	feed, err := r.getChanges(ctx, householdID, cursor)
	switch {
	case errors.Is(err, ErrCursorExpired):
		telemetry.FeedRequests.WithLabelValues("expired").Inc()
	case err != nil:
		telemetry.FeedRequests.WithLabelValues("error").Inc()
	default:
		telemetry.FeedRequests.WithLabelValues("ok").Inc()
		telemetry.FeedEntriesServed.Add(float64(len(feed.Changes)))
	}
	return feed, err
}

func (r *Reader) getChanges(ctx context.Context, householdID models.UUID, cursor *int64) (*Feed, error) {
	db := r.db.WithContext(ctx)

	state, err := loadState(db, householdID)
	if err != nil {
		return nil, err
	}

	after := int64(-1)
	if cursor != nil {
		after = *cursor
	}
	if state.HorizonTimestamp > 0 && after < state.HorizonTimestamp {
		return nil, ErrCursorExpired
	}

	feed := &Feed{Changes: []models.ChangeLogEntry{}, ServerTime: state.LastTimestamp}
	if after >= state.LastTimestamp {
		if after > feed.ServerTime {
			feed.ServerTime = after
		}
		return feed, nil
	}

	query := db.Where("household_id = ? AND server_timestamp > ? AND server_timestamp <= ?",
		householdID, after, state.LastTimestamp).
		Order("server_timestamp ASC").
		Order("id ASC")
	if r.pageLimit > 0 {
		query = query.Limit(r.pageLimit + 1)
	}

	var entries []models.ChangeLogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read change log", err)
	}

	if r.pageLimit > 0 && len(entries) > r.pageLimit {
		page := cutPage(entries, r.pageLimit)
		if len(page) == len(entries) {
			// A single timestamp group fills the page; return all of it.
			page = nil
			if err := db.Where("household_id = ? AND server_timestamp = ?", householdID, entries[0].ServerTimestamp).
				Order("id ASC").
				Find(&page).Error; err != nil {
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read change log", err)
			}
		}
		entries = page
		feed.HasMore = true
		feed.ServerTime = entries[len(entries)-1].ServerTimestamp
	}
	feed.Changes = entries
	return feed, nil
}

// cutPage trims entries to at most limit, never splitting entries that
// share a timestamp, since the cursor cannot point between them. When the
// first timestamp alone exceeds the limit, that whole group is returned.
func cutPage(entries []models.ChangeLogEntry, limit int) []models.ChangeLogEntry {
	boundary := entries[limit].ServerTimestamp
	end := limit
	for end > 0 && entries[end-1].ServerTimestamp == boundary {
		end--
	}
	if end == 0 {
		end = limit
		for end < len(entries) && entries[end].ServerTimestamp == boundary {
			end++
		}
	}
	return entries[:end]
}

// Snapshot returns every entity of the household together with the cursor
// they correspond to. The state row and the four sets are read from one
// repeatable-read transaction, so every item's product is part of the same
// snapshot and nothing committed after ServerTime is included.
func (r *Reader) Snapshot(ctx context.Context, householdID models.UUID) (*Snapshot, error) {
	db := r.db.WithContext(ctx)

	snap := &Snapshot{
		Products:       []models.Product{},
		Locations:      []models.Location{},
		InventoryItems: []models.InventoryItem{},
		GroceryItems:   []models.GroceryItem{},
	}
	read := func(tx *gorm.DB) error {
		state, err := loadState(tx, householdID)
		if err != nil {
			return err
		}
		snap.ServerTime = state.LastTimestamp

		if err := tx.Where("household_id = ?", householdID).Order("id").Find(&snap.Products).Error; err != nil {
			return err
		}
		if err := tx.Where("household_id = ?", householdID).Order("id").Find(&snap.Locations).Error; err != nil {
			return err
		}
		if err := tx.Where("household_id = ?", householdID).Order("id").Find(&snap.GroceryItems).Error; err != nil {
			return err
		}
		return tx.Where("household_id = ?", householdID).Order("id").Find(&snap.InventoryItems).Error
	}

	var err error
	// SQLite transactions already read from one snapshot and its driver
	// rejects explicit isolation levels.
	if db.Dialector.Name() == "sqlite" {
		err = db.Transaction(read)
	} else {
		err = db.Transaction(read, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read snapshot", err)
	}
	return snap, nil
}

// Prune deletes the household's entries older than before and raises the
// horizon so cursors that relied on them are reported as expired. No
// retention schedule calls this automatically.
func (r *Reader) Prune(ctx context.Context, householdID models.UUID, before int64) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := lockState(tx, householdID)
		if err != nil {
			return err
		}

		var maxPruned int64
		if err := tx.Model(&models.ChangeLogEntry{}).
			Where("household_id = ? AND server_timestamp < ?", householdID, before).
			Select("COALESCE(MAX(server_timestamp), 0)").
			Scan(&maxPruned).Error; err != nil {
			return err
		}
		if maxPruned == 0 {
			return nil
		}

		result := tx.Where("household_id = ? AND server_timestamp < ?", householdID, before).
			Delete(&models.ChangeLogEntry{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected

		if maxPruned > state.HorizonTimestamp {
			return tx.Model(&models.HouseholdSyncState{}).
				Where("household_id = ?", householdID).
				Update("horizon_timestamp", maxPruned).Error
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to prune change log", err)
	}
	return deleted, nil
}

func loadState(db *gorm.DB, householdID models.UUID) (*models.HouseholdSyncState, error) {
	var state models.HouseholdSyncState
	err := db.Where("household_id = ?", householdID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.HouseholdSyncState{HouseholdID: householdID}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read household sync state", err)
	}
	return &state, nil
}

// AutoMigrate creates the change log tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.HouseholdSyncState{}, &models.ChangeLogEntry{})
}
