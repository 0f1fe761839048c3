// Package sync reconciles the local household cache with the server.
package sync

import (
	"context"
	"time"
)

// Engine defines the reconciliation operations used by a session.
// This interface allows for mocking in tests and alternative implementations.
type Engine interface {
	// Sync brings the cache up to date, bootstrapping when no cursor is stored.
	Sync(ctx context.Context) (*SyncResult, error)

	// FullSync replaces the cache contents with a server snapshot.
	FullSync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the handler notified of sync progress.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the time of the last successful sync.
	LastSync() *time.Time

	// LastError returns the error of the last failed sync.
	LastError() error
}
