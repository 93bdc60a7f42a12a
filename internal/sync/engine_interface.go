// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/queue"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retention"
)

// LocalStore is the local persistence collaborator. Fetch returns nil for
// an absent record; daily logs are returned with their children.
type LocalStore interface {
	Fetch(ctx context.Context, kind models.Kind, id string) (models.Record, error)
	FetchAll(ctx context.Context, kind models.Kind) ([]models.Record, error)
	FetchLogsByDate(ctx context.Context, date time.Time) ([]*models.DailyLog, error)
	Save(ctx context.Context, r models.Record) error
	Delete(ctx context.Context, kind models.Kind, id string) error
}

// SyncEngineInterface defines the interface the background scheduler and
// the desktop server drive. It allows for mocking in tests.
type SyncEngineInterface interface {
	// Reconcile drains the operation queue and then downloads remote state.
	Reconcile(ctx context.Context, userID string) (*SyncResult, error)

	// DrainQueue replays queued operations.
	DrainQueue(ctx context.Context) queue.DrainResult

	// RunRetentionIfDue applies the retention policy at most once per interval.
	RunRetentionIfDue(ctx context.Context, userID string) (*retention.Result, bool, error)

	// IsOnline reports the connectivity signal.
	IsOnline() bool

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns a snapshot of the engine.
	Status() Status

	// LastSync returns the timestamp of the last successful reconcile.
	LastSync() *time.Time

	// PendingChanges returns the number of queued operations.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// Ensure *SyncEngine implements the interface at compile time.
var _ SyncEngineInterface = (*SyncEngine)(nil)
