package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/db"
	"github.com/kimhsiao/homestock/backend/internal/logging"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/sync/api"
	"github.com/kimhsiao/homestock/backend/internal/telemetry"
)

// ErrSyncInProgress is returned when a sync is requested while one is running.
var ErrSyncInProgress = apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncMode is the reconciliation strategy used by a run.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "started"
	SyncEventCompleted SyncEventType = "completed"
	SyncEventFailed    SyncEventType = "failed"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType
	Mode      SyncMode
	Message   string
	Timestamp time.Time
	Result    *SyncResult
}

// SyncEventHandler receives sync notifications.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	Mode      SyncMode
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Upserted  int
	Deleted   int
	Batches   int
	Cursor    int64
	Error     string
}

// Remote is the server side of reconciliation.
type Remote interface {
	GetChanges(ctx context.Context, cursor *int64) (*api.Feed, error)
	GetSnapshot(ctx context.Context) (*api.Snapshot, error)
}

// Reconciler brings the local cache in line with the server for one household.
// A run either applies a whole batch together with its cursor or nothing.
type Reconciler struct {
	cache       *db.Cache
	remote      Remote
	householdID models.UUID
	log         *logging.Logger

	mu       stdsync.RWMutex
	running  bool
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	handler  SyncEventHandler
}

// NewReconciler creates a new Reconciler.
func NewReconciler(cache *db.Cache, remote Remote, householdID models.UUID) *Reconciler {
	return &Reconciler{
		cache:       cache,
		remote:      remote,
		householdID: householdID,
		log:         logging.Get().With(map[string]interface{}{"component": "reconciler", "household_id": string(householdID)}),
		status:      SyncStatusIdle,
	}
}

// SetEventHandler sets the event handler. A nil handler disables events.
func (r *Reconciler) SetEventHandler(handler SyncEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Status returns the current sync status.
func (r *Reconciler) Status() SyncStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// LastSync returns the timestamp of the last successful sync.
func (r *Reconciler) LastSync() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync
}

// LastError returns the last sync error.
func (r *Reconciler) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Sync runs an incremental sync from the stored cursor, or a full sync when
// there is none or the server no longer holds the entries after it.
func (r *Reconciler) Sync(ctx context.Context) (*SyncResult, error) {
	cursor, err := r.cache.Cursor(ctx, r.householdID)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return r.run(ctx, SyncModeFull, r.fullSync)
	}

	result, err := r.run(ctx, SyncModeIncremental, r.incrementalSync)
	if apperrors.Is(err, apperrors.ErrCursorExpired) {
		r.log.Warn("cursor expired, falling back to full sync", map[string]interface{}{"cursor": *cursor})
		return r.run(ctx, SyncModeFull, r.fullSync)
	}
	return result, err
}

// FullSync replaces the cache contents with the server snapshot.
func (r *Reconciler) FullSync(ctx context.Context) (*SyncResult, error) {
	return r.run(ctx, SyncModeFull, r.fullSync)
}

// IncrementalSync applies the change feed from the stored cursor. It returns
// an error matching ErrCursorExpired when the server pruned past the cursor.
func (r *Reconciler) IncrementalSync(ctx context.Context) (*SyncResult, error) {
	return r.run(ctx, SyncModeIncremental, r.incrementalSync)
}

func (r *Reconciler) run(ctx context.Context, mode SyncMode, fn func(context.Context, *SyncResult) error) (*SyncResult, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	r.running = true
	r.status = SyncStatusSyncing
	r.mu.Unlock()

	result := &SyncResult{Mode: mode, StartTime: time.Now()}
	r.emitEvent(SyncEvent{Type: SyncEventStarted, Mode: mode, Timestamp: result.StartTime})

	err := fn(ctx, result)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	telemetry.ReconcileDuration.WithLabelValues(string(mode)).Observe(result.Duration.Seconds())

	r.mu.Lock()
	r.running = false
	if err != nil {
		result.Error = err.Error()
		r.status = SyncStatusFailed
		r.lastErr = err
	} else {
		r.status = SyncStatusIdle
		r.lastErr = nil
		end := result.EndTime
		r.lastSync = &end
	}
	r.mu.Unlock()

	fields := map[string]interface{}{
		"mode":        string(mode),
		"upserted":    result.Upserted,
		"deleted":     result.Deleted,
		"batches":     result.Batches,
		"cursor":      result.Cursor,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if err != nil {
		outcome := "error"
		if apperrors.Is(err, apperrors.ErrCursorExpired) {
			outcome = "expired"
		}
		telemetry.ReconcileRuns.WithLabelValues(string(mode), outcome).Inc()
		r.log.Error("sync failed", err, fields)
		r.emitEvent(SyncEvent{Type: SyncEventFailed, Mode: mode, Message: err.Error(), Timestamp: result.EndTime, Result: result})
		return result, err
	}

	telemetry.ReconcileRuns.WithLabelValues(string(mode), "ok").Inc()
	r.log.Info("sync completed", fields)
	r.emitEvent(SyncEvent{Type: SyncEventCompleted, Mode: mode, Timestamp: result.EndTime, Result: result})
	return result, nil
}

func (r *Reconciler) emitEvent(event SyncEvent) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()
	if handler != nil {
		handler.OnSyncEvent(event)
	}
}

// fullSync fetches the snapshot and, in one cache transaction, upserts every
// entity in foreign-key order, deletes local ids the server no longer has,
// and stores the snapshot time as the cursor.
func (r *Reconciler) fullSync(ctx context.Context, result *SyncResult) error {
	snap, err := r.remote.GetSnapshot(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to fetch snapshot", err)
	}
	if err := checkSnapshot(snap); err != nil {
		return err
	}

	var upserted, deleted int
	err = r.cache.Update(ctx, func(tx *db.Tx) error {
		upserted, deleted = 0, 0
		remote := make(map[models.EntityType]map[models.UUID]struct{}, len(models.EntityTypes))
		mark := func(et models.EntityType, id models.UUID) {
			if remote[et] == nil {
				remote[et] = make(map[models.UUID]struct{})
			}
			remote[et][id] = struct{}{}
			upserted++
		}

		for i := range snap.Products {
			if err := tx.UpsertProduct(&snap.Products[i]); err != nil {
				return err
			}
			mark(models.EntityProduct, snap.Products[i].ID)
		}
		for i := range snap.Locations {
			if err := tx.UpsertLocation(&snap.Locations[i]); err != nil {
				return err
			}
			mark(models.EntityLocation, snap.Locations[i].ID)
		}
		for i := range snap.InventoryItems {
			if err := tx.UpsertInventoryItem(&snap.InventoryItems[i]); err != nil {
				return err
			}
			mark(models.EntityInventoryItem, snap.InventoryItems[i].ID)
		}
		for i := range snap.GroceryItems {
			if err := tx.UpsertGroceryItem(&snap.GroceryItems[i]); err != nil {
				return err
			}
			mark(models.EntityGroceryItem, snap.GroceryItems[i].ID)
		}

		// Dependents first so no delete trips a foreign key action.
		for i := len(models.EntityTypes) - 1; i >= 0; i-- {
			et := models.EntityTypes[i]
			local, err := tx.ListIDs(et)
			if err != nil {
				return err
			}
			for _, id := range local {
				if _, ok := remote[et][id]; ok {
					continue
				}
				if err := tx.Delete(et, id); err != nil {
					return err
				}
				deleted++
			}
		}

		return tx.SetCursor(r.householdID, snap.ServerTime)
	})
	if err != nil {
		return err
	}

	result.Upserted += upserted
	result.Deleted += deleted
	result.Batches++
	result.Cursor = snap.ServerTime
	return nil
}

// checkSnapshot rejects a snapshot whose items reference a product or
// location it does not contain. Such a snapshot was not read atomically;
// applying it would fail on the cache's foreign keys or lose the link.
func checkSnapshot(snap *api.Snapshot) error {
	products := make(map[models.UUID]struct{}, len(snap.Products))
	for _, p := range snap.Products {
		products[p.ID] = struct{}{}
	}
	locations := make(map[models.UUID]struct{}, len(snap.Locations))
	for _, l := range snap.Locations {
		locations[l.ID] = struct{}{}
	}
	for _, item := range snap.InventoryItems {
		if _, ok := products[item.ProductID]; !ok {
			return apperrors.Newf(apperrors.ErrSyncFailed, "inconsistent snapshot: inventory item %s references missing product %s", item.ID, item.ProductID)
		}
		if item.LocationID != nil {
			if _, ok := locations[*item.LocationID]; !ok {
				return apperrors.Newf(apperrors.ErrSyncFailed, "inconsistent snapshot: inventory item %s references missing location %s", item.ID, *item.LocationID)
			}
		}
	}
	for _, g := range snap.GroceryItems {
		if g.ProductID == nil {
			continue
		}
		if _, ok := products[*g.ProductID]; !ok {
			return apperrors.Newf(apperrors.ErrSyncFailed, "inconsistent snapshot: grocery item %s references missing product %s", g.ID, *g.ProductID)
		}
	}
	return nil
}

// incrementalSync applies feed pages until the server reports no more.
// Each page and its cursor commit together.
func (r *Reconciler) incrementalSync(ctx context.Context, result *SyncResult) error {
	for {
		cursor, err := r.cache.Cursor(ctx, r.householdID)
		if err != nil {
			return err
		}

		feed, err := r.remote.GetChanges(ctx, cursor)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrCursorExpired) {
				return err
			}
			return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to fetch changes", err)
		}

		var upserted, deleted int
		err = r.cache.Update(ctx, func(tx *db.Tx) error {
			upserted, deleted = 0, 0
			for i := range feed.Changes {
				entry := &feed.Changes[i]
				if err := applyEntry(tx, entry); err != nil {
					return fmt.Errorf("entry %d (%s %s %s): %w", entry.ID, entry.Action, entry.EntityType, entry.EntityID, err)
				}
				if entry.Action == models.ActionDelete {
					deleted++
				} else {
					upserted++
				}
			}
			return tx.SetCursor(r.householdID, feed.ServerTime)
		})
		if err != nil {
			return err
		}

		result.Upserted += upserted
		result.Deleted += deleted
		result.Batches++
		result.Cursor = feed.ServerTime

		if !feed.HasMore {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func applyEntry(tx *db.Tx, entry *models.ChangeLogEntry) error {
	switch entry.Action {
	case models.ActionCreate, models.ActionUpdate:
		return tx.UpsertPayload(entry.EntityType, entry.EntityID, entry.Payload)
	case models.ActionDelete:
		return tx.Delete(entry.EntityType, entry.EntityID)
	default:
		return fmt.Errorf("unknown action %d", uint8(entry.Action))
	}
}
