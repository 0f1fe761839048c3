// Package session runs one household on a client: the local cache, the
// pending mutation queue and its dispatcher, and the reconciler.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/homestock/backend/internal/config"
	"github.com/kimhsiao/homestock/backend/internal/db"
	"github.com/kimhsiao/homestock/backend/internal/logging"
	"github.com/kimhsiao/homestock/backend/internal/models"
	syncpkg "github.com/kimhsiao/homestock/backend/internal/sync"
	"github.com/kimhsiao/homestock/backend/internal/sync/api"
	"github.com/kimhsiao/homestock/backend/internal/sync/dispatcher"
	"github.com/kimhsiao/homestock/backend/internal/sync/queue"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

// Remote is the server as seen by a session.
type Remote interface {
	syncpkg.Remote
	dispatcher.Replayer
}

// RefreshResult reports what a refresh did. Sync is nil when the queue could
// not be emptied and reconciliation was skipped.
type RefreshResult struct {
	Drain *dispatcher.DrainResult
	Sync  *syncpkg.SyncResult
}

// Session is the client side of one household.
type Session struct {
	householdID models.UUID
	cache       *db.Cache
	queue       *queue.Queue
	dispatcher  *dispatcher.Dispatcher
	reconciler  *syncpkg.Reconciler
	log         *logging.Logger
	now         func() time.Time

	closer func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Session over an opened cache.
func New(cache *db.Cache, remote Remote, householdID models.UUID, maxQueueSize int) *Session {
	q := queue.NewQueue(cache, maxQueueSize)
	return &Session{
		householdID: householdID,
		cache:       cache,
		queue:       q,
		dispatcher:  dispatcher.NewDispatcher(q, cache, remote),
		reconciler:  syncpkg.NewReconciler(cache, remote, householdID),
		log:         logging.Get().With(map[string]interface{}{"component": "session", "household_id": string(householdID)}),
		now:         time.Now,
	}
}

// Open opens the cache in cfg.DataDir and connects to cfg.ServerURL.
// Close releases the cache.
func Open(cfg *config.ClientConfig) (*Session, error) {
	householdID := models.UUID(cfg.HouseholdID)
	if err := uuid.ValidateID(householdID); err != nil {
		return nil, fmt.Errorf("household_id: %w", err)
	}

	client, err := api.NewClient(api.Config{BaseURL: cfg.ServerURL, Token: cfg.Token, Timeout: cfg.RequestTimeout})
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := New(db.NewCache(database), client, householdID, cfg.MaxQueueSize)
	s.closer = database.Close
	return s, nil
}

// HouseholdID returns the household this session serves.
func (s *Session) HouseholdID() models.UUID { return s.householdID }

// Cache returns the local cache for reads.
func (s *Session) Cache() *db.Cache { return s.cache }

// Queue returns the pending mutation queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Dispatcher returns the queue dispatcher.
func (s *Session) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }

// Reconciler returns the reconciler.
func (s *Session) Reconciler() *syncpkg.Reconciler { return s.reconciler }

// Start empties the queue left by a previous run before the first
// reconciliation, then replays new writes in the background as they are
// queued or as events arrive. Call Stop to end the background work.
func (s *Session) Start(ctx context.Context, events ...<-chan dispatcher.Event) (*RefreshResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("session already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	result, err := s.Refresh(ctx)

	for _, ch := range events {
		s.dispatcher.Subscribe(runCtx, ch)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(runCtx)
	}()

	s.log.Info("session started", nil)
	return result, err
}

// Stop ends the background work started by Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("session stopped", nil)
}

// Close stops the session and closes the cache it opened.
func (s *Session) Close() error {
	s.Stop()
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// Refresh drains the queue and reconciles only when nothing is left pending,
// so the cache never reflects a server state missing this client's writes.
func (s *Session) Refresh(ctx context.Context) (*RefreshResult, error) {
	drain, err := s.dispatcher.Drain(ctx)
	result := &RefreshResult{Drain: drain}
	if err != nil {
		return result, err
	}
	if drain.Remaining > 0 {
		s.log.Info("skipping reconciliation while writes are pending", map[string]interface{}{"pending": drain.Remaining})
		return result, nil
	}

	result.Sync, err = s.reconciler.Sync(ctx)
	return result, err
}
