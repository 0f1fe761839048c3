// Package dispatcher replays the pending mutation queue against the server.
// Replay is strictly sequential in queue order and stops at the first
// transient failure; it runs on enqueue and on lifecycle events, never on a
// timer.
package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/homestock/backend/internal/db"
	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/logging"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/sync/api"
	"github.com/kimhsiao/homestock/backend/internal/sync/queue"
	"github.com/kimhsiao/homestock/backend/internal/telemetry"
)

// Replayer sends one queued mutation to the server.
type Replayer interface {
	Replay(ctx context.Context, m *models.PendingMutation) error
}

// Event is an application lifecycle event that should trigger a drain.
type Event int

const (
	EventForeground Event = iota + 1
	EventConnectivityRestored
)

func (e Event) String() string {
	switch e {
	case EventForeground:
		return "foreground"
	case EventConnectivityRestored:
		return "connectivity_restored"
	default:
		return "unknown"
	}
}

// SignalKind identifies a signal raised to the application.
type SignalKind string

const (
	// SignalLimitReached: the household plan refused a queued write.
	SignalLimitReached SignalKind = "limit_reached"
	// SignalRejected: the server refused a queued write as invalid.
	SignalRejected SignalKind = "rejected"
)

// Signal tells the application that a queued write was dropped.
type Signal struct {
	Kind     SignalKind
	Mutation *models.PendingMutation
	Status   int
	Code     string
	Message  string
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Replayed  int
	Dropped   int
	Remaining int
	Halted    bool
	// LastError is the transient failure that halted the drain, if any.
	LastError error
}

// Dispatcher drives the pending mutation queue.
type Dispatcher struct {
	queue  *queue.Queue
	cache  *db.Cache
	remote Replayer
	log    *logging.Logger

	drainMu sync.Mutex
	trigger chan struct{}

	mu       sync.RWMutex
	onSignal func(Signal)
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(q *queue.Queue, cache *db.Cache, remote Replayer) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		cache:   cache,
		remote:  remote,
		log:     logging.Get().With(map[string]interface{}{"component": "dispatcher"}),
		trigger: make(chan struct{}, 1),
	}
}

// SetSignalHandler sets the handler for dropped-write signals.
func (d *Dispatcher) SetSignalHandler(handler func(Signal)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSignal = handler
}

// Trigger requests a drain from the Run loop. Requests made while one is
// already pending coalesce into it.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Subscribe triggers a drain for every event received from events until ctx
// is done or events is closed.
func (d *Dispatcher) Subscribe(ctx context.Context, events <-chan Event) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				d.log.Debug("lifecycle event", map[string]interface{}{"event": ev.String()})
				d.Trigger()
			}
		}
	}()
}

// Run drains the queue whenever triggered until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", nil)
	defer d.log.Info("dispatcher stopped", nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.trigger:
			if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				d.log.ErrorWithCode("drain failed", string(apperrors.CodeOf(err)), err)
			}
		}
	}
}

// Drain replays queued mutations in order until the queue is empty or a
// transient failure halts it. Concurrent calls run one after another. The
// returned error reports local failures only; a halted drain is not an error.
func (d *Dispatcher) Drain(ctx context.Context) (*DrainResult, error) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	// Queue bookkeeping for an attempt already made must survive cancellation.
	local := context.WithoutCancel(ctx)
	result := &DrainResult{}

	for {
		if err := ctx.Err(); err != nil {
			return d.finish(local, result, err)
		}

		m, err := d.queue.Head(ctx)
		if err != nil {
			return d.finish(local, result, err)
		}
		if m == nil {
			return d.finish(local, result, nil)
		}

		replayErr := d.remote.Replay(ctx, m)
		outcome := Classify(m, replayErr)
		telemetry.DispatcherOutcomes.WithLabelValues(string(outcome)).Inc()

		fields := map[string]interface{}{
			"mutation_id": string(m.ID),
			"kind":        string(m.Kind),
			"method":      m.Method,
			"endpoint":    m.Endpoint,
			"outcome":     string(outcome),
			"retry_count": m.RetryCount,
		}

		switch {
		case outcome == OutcomeTransient:
			if err := d.cache.Update(local, func(tx *db.Tx) error {
				return d.queue.MarkFailed(tx, m.ID, replayErr)
			}); err != nil {
				return d.finish(local, result, err)
			}
			d.log.Warn("replay failed, halting drain", mergeErr(fields, replayErr))
			result.Halted = true
			result.LastError = replayErr
			return d.finish(local, result, nil)

		case outcome.Permanent():
			if err := d.drop(local, m, replayErr); err != nil {
				return d.finish(local, result, err)
			}
			result.Dropped++
			d.log.Warn("mutation dropped", mergeErr(fields, replayErr))
			d.emit(signalFor(m, outcome, replayErr))

		default:
			if err := d.cache.Update(local, func(tx *db.Tx) error {
				return d.queue.Remove(tx, m.ID)
			}); err != nil {
				return d.finish(local, result, err)
			}
			result.Replayed++
			d.log.Debug("mutation replayed", fields)
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, result *DrainResult, err error) (*DrainResult, error) {
	if n, lenErr := d.queue.Len(ctx); lenErr == nil {
		result.Remaining = n
	}
	if result.Replayed+result.Dropped > 0 || result.Halted {
		d.log.Info("drain finished", map[string]interface{}{
			"replayed":  result.Replayed,
			"dropped":   result.Dropped,
			"remaining": result.Remaining,
			"halted":    result.Halted,
		})
	}
	return result, err
}

// drop removes a permanently failed mutation and rolls the cache back to the
// images captured before its optimistic write. A mutation refused with 404
// targets an entity the server does not have, so that entity is removed
// rather than restored.
func (d *Dispatcher) drop(ctx context.Context, m *models.PendingMutation, cause error) error {
	var images []models.EntityImage
	if m.HasPreImage && len(m.PreImage) > 0 {
		if err := json.Unmarshal(m.PreImage, &images); err != nil {
			d.log.Error("unreadable pre-image", err, map[string]interface{}{"mutation_id": string(m.ID)})
			images = nil
		}
	}

	var httpErr *api.HTTPError
	gone := errors.As(cause, &httpErr) && httpErr.Status == http.StatusNotFound

	err := d.cache.Update(ctx, func(tx *db.Tx) error {
		for i := len(images) - 1; i >= 0; i-- {
			img := images[i]
			if gone && img.EntityType == m.EntityType && img.EntityID == m.EntityID {
				continue
			}
			if err := tx.Restore(img); err != nil {
				return err
			}
		}
		if gone {
			if err := tx.Delete(m.EntityType, m.EntityID); err != nil {
				return err
			}
		}
		return d.queue.Remove(tx, m.ID)
	})
	if err == nil {
		return nil
	}

	d.log.Error("rollback failed, dropping without it", err, map[string]interface{}{"mutation_id": string(m.ID)})
	return d.cache.Update(ctx, func(tx *db.Tx) error {
		return d.queue.Remove(tx, m.ID)
	})
}

func (d *Dispatcher) emit(sig Signal) {
	d.mu.RLock()
	handler := d.onSignal
	d.mu.RUnlock()
	if handler != nil {
		handler(sig)
	}
}

func signalFor(m *models.PendingMutation, outcome Outcome, err error) Signal {
	sig := Signal{Kind: SignalRejected, Mutation: m, Message: err.Error()}
	if outcome == OutcomeLimitReached {
		sig.Kind = SignalLimitReached
	}
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		sig.Status = httpErr.Status
		sig.Code = httpErr.Code
		sig.Message = httpErr.Message
	}
	return sig
}

func mergeErr(fields map[string]interface{}, err error) map[string]interface{} {
	if err != nil {
		fields["error"] = err.Error()
	}
	return fields
}
