// Package sync provides the offline-first synchronization engine.
package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/nutrilog/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/kvstore"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/conflict"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/migration"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/queue"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/remote"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retention"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retry"
)

// EngineState represents the current reconcile state.
type EngineState string

const (
	EngineStateIdle    EngineState = "idle"
	EngineStateSyncing EngineState = "syncing"
	EngineStateFailed  EngineState = "failed"
)

// ErrSyncInProgress is returned when Reconcile is already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Options tunes the engine and the components it owns. Zero values take
// the component defaults.
type Options struct {
	Retry         retry.Config
	QueueCapacity int
	Migration     migration.Config
	Retention     retention.Config
	Clock         func() time.Time
	Sleep         retry.SleepFunc
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Retry:         retry.DefaultConfig(),
		QueueCapacity: queue.DefaultCapacity,
		Migration:     migration.DefaultConfig(),
		Retention:     retention.DefaultConfig(),
	}
}

// SyncResult represents the result of a reconcile pass.
type SyncResult struct {
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"duration"`
	Uploaded     int           `json:"uploaded"`
	UploadFailed int           `json:"uploadFailed"`
	Remaining    int           `json:"remaining"`
	Downloaded   int           `json:"downloaded"`
	Conflicts    int           `json:"conflicts"`
	Error        string        `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State             EngineState `json:"state"`
	Online            bool        `json:"online"`
	Listening         bool        `json:"listening"`
	UserID            string      `json:"userId,omitempty"`
	PendingOperations int         `json:"pendingOperations"`
	QueueCapacity     int         `json:"queueCapacity"`
	LastSync          *time.Time  `json:"lastSync,omitempty"`
	LastError         string      `json:"lastError,omitempty"`
}

// SyncEngine writes every mutation locally first, then to the remote
// store, queuing whatever cannot reach the remote side.
type SyncEngine struct {
	local  LocalStore
	remote remote.Store
	conn   connectivity.Monitor
	kv     kvstore.Store

	retrier   *retry.Controller
	queue     *queue.SyncQueue
	resolver  *conflict.Resolver
	migrator  *migration.Coordinator
	retention *retention.Enforcer

	now func() time.Time
	log *logging.Logger

	// applyMu serializes every read-modify-write of the local store.
	applyMu   stdsync.Mutex
	removed   map[models.OperationKey]time.Time
	lastPrune time.Time
	fetches   singleflight.Group

	listenMu stdsync.Mutex
	session  *listenSession

	stateMu  stdsync.RWMutex
	state    EngineState
	userID   string
	lastSync *time.Time
	lastErr  error
	handler  SyncEventHandler
}

// NewSyncEngine creates a SyncEngine and restores its operation queue from
// kv. A nil conn means always online.
func NewSyncEngine(ctx context.Context, local LocalStore, remoteStore remote.Store, conn connectivity.Monitor, kv kvstore.Store, opts Options) (*SyncEngine, error) {
	if local == nil || remoteStore == nil || kv == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "local store, remote store and kv store are required")
	}
	if conn == nil {
		conn = connectivity.NewFlag(true)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}

	e := &SyncEngine{
		local:   local,
		remote:  remoteStore,
		conn:    conn,
		kv:      kv,
		now:     opts.Clock,
		log:     logging.Get().Component("sync"),
		removed: make(map[models.OperationKey]time.Time),
		state:   EngineStateIdle,
	}
	e.retrier = retry.New(opts.Retry, retry.WithSleep(opts.Sleep), retry.WithClock(opts.Clock))

	q, err := queue.Open(ctx, kv, e.retrier, opts.QueueCapacity)
	if err != nil {
		return nil, err
	}
	e.queue = q
	e.resolver = conflict.NewResolver(opts.Clock)
	e.migrator = migration.NewCoordinator(local, e, kv, opts.Migration,
		migration.WithClock(opts.Clock),
		migration.WithSleep(opts.Sleep),
		migration.WithProgress(e.migrationProgress),
	)
	e.retention = retention.NewEnforcer(local, e, kv, opts.Retention, opts.Clock)
	return e, nil
}

// Queue exposes the operation queue for inspection.
func (e *SyncEngine) Queue() *queue.SyncQueue {
	return e.queue
}

// IsOnline reports the connectivity signal.
func (e *SyncEngine) IsOnline() bool {
	return e.conn.IsConnected()
}

// Status returns a snapshot of the engine.
func (e *SyncEngine) Status() Status {
	listening := e.IsListening()

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	st := Status{
		State:             e.state,
		Online:            e.IsOnline(),
		Listening:         listening,
		UserID:            e.userID,
		PendingOperations: e.queue.Count(),
		QueueCapacity:     e.queue.Capacity(),
		LastSync:          e.lastSync,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// LastSync returns the timestamp of the last successful reconcile.
func (e *SyncEngine) LastSync() *time.Time {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the number of queued operations.
func (e *SyncEngine) PendingChanges() int {
	return e.queue.Count()
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.lastErr
}

func (e *SyncEngine) setLastError(err error) {
	e.stateMu.Lock()
	e.lastErr = err
	e.stateMu.Unlock()
}

func offlineError(op models.SyncOperation) error {
	return apperrors.Newf(apperrors.ErrNetworkUnavailable,
		"offline: %s of %s %s queued", op.Type, op.EntityKind, op.EntityID)
}

// Persist is the write path for callers: it stamps the record as a local
// mutation, saves it locally, then uploads it. A NetworkUnavailable error
// means the record is saved and queued.
func (e *SyncEngine) Persist(ctx context.Context, r models.Record, userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrValidation, "user id is required")
	}
	if r == nil {
		return apperrors.New(apperrors.ErrValidation, "record is nil")
	}
	if r.Meta().OwnerID == "" {
		r.Meta().OwnerID = userID
	}
	if err := models.ValidateOwner(r, userID); err != nil {
		return err
	}
	models.Touch(r, e.now())

	e.applyMu.Lock()
	err := e.local.Save(ctx, r)
	e.applyMu.Unlock()
	if err != nil {
		return err
	}
	return e.Upload(ctx, r, userID)
}

// Upload writes r to the remote store through the retry controller and
// marks it synced locally. Offline, or after retries fail, the upload is
// queued; validation failures are never queued.
func (e *SyncEngine) Upload(ctx context.Context, r models.Record, userID string) error {
	if err := models.ValidateOwner(r, userID); err != nil {
		return err
	}
	snapshot := r.Clone()
	op := models.NewOperation(models.OperationUpdate, snapshot.Kind(), snapshot.Meta().ID, userID, e.now())

	if !e.IsOnline() {
		e.enqueue(ctx, op)
		return offlineError(op)
	}

	err := e.retrier.Execute(ctx, op.RetryID(), func(ctx context.Context) error {
		return e.pushRecord(ctx, snapshot, userID)
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrValidation) {
			return err
		}
		e.enqueue(ctx, op)
		e.setLastError(err)
		e.log.ErrorWithCode("upload failed, operation queued", err, logging.Fields{
			"entity_id":   op.EntityID,
			"entity_kind": string(op.EntityKind),
		})
		return err
	}

	if e.markSynced(ctx, snapshot) {
		e.dropSuperseded(ctx, op)
	}
	return nil
}

// PushRecord writes r to the remote store once, without retries or
// queuing. Children of a daily log that are not yet synced go first.
func (e *SyncEngine) PushRecord(ctx context.Context, r models.Record, userID string) error {
	if !e.IsOnline() {
		return apperrors.New(apperrors.ErrNetworkUnavailable, "device is offline")
	}
	return e.pushRecord(ctx, r, userID)
}

func (e *SyncEngine) pushRecord(ctx context.Context, r models.Record, userID string) error {
	if err := models.ValidateOwner(r, userID); err != nil {
		return err
	}
	if l, ok := r.(*models.DailyLog); ok {
		for _, child := range children(l) {
			m := child.Meta()
			if m.OwnerID == "" {
				m.OwnerID = userID
			}
			if m.SyncStatus == models.SyncStatusSynced {
				continue
			}
			if err := e.pushOne(ctx, child, userID); err != nil {
				return err
			}
		}
	}
	return e.pushOne(ctx, r, userID)
}

func (e *SyncEngine) pushOne(ctx context.Context, r models.Record, userID string) error {
	if err := models.ValidateOwner(r, userID); err != nil {
		return err
	}
	doc := models.Encode(r)
	doc[models.FieldSyncStatus] = string(models.SyncStatusSynced)
	return e.remote.Set(ctx, remote.DocPath(userID, r.Kind().Collection(), r.Meta().ID), doc)
}

func children(l *models.DailyLog) []models.Record {
	out := make([]models.Record, 0, len(l.FoodItems)+len(l.ExerciseItems))
	for _, f := range l.FoodItems {
		out = append(out, f)
	}
	for _, x := range l.ExerciseItems {
		out = append(out, x)
	}
	return out
}

// markSynced flags the stored copies of a pushed record, and of a pushed
// log's children, as synced. A stored copy modified after the push stays
// pending. It reports whether the record itself was current.
func (e *SyncEngine) markSynced(ctx context.Context, pushed models.Record) bool {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if l, ok := pushed.(*models.DailyLog); ok {
		for _, child := range children(l) {
			e.markSyncedLocked(ctx, child)
		}
	}
	return e.markSyncedLocked(ctx, pushed)
}

func (e *SyncEngine) markSyncedLocked(ctx context.Context, pushed models.Record) bool {
	pm := pushed.Meta()
	stored, err := e.local.Fetch(ctx, pushed.Kind(), pm.ID)
	if err != nil {
		e.log.Error("failed to load record to mark synced", err, logging.Fields{"entity_id": pm.ID})
		return false
	}
	if stored == nil {
		return false
	}
	sm := stored.Meta()
	if sm.LastModified.After(models.Timestamp(pm.LastModified)) {
		return false
	}
	if sm.SyncStatus == models.SyncStatusSynced && sm.OwnerID == pm.OwnerID {
		return true
	}
	sm.OwnerID = pm.OwnerID
	models.MarkSynced(stored)
	if err := e.local.Save(ctx, stored); err != nil {
		e.log.ErrorWithCode("failed to mark record synced", err, logging.Fields{"entity_id": pm.ID})
		return false
	}
	return true
}

// dropSuperseded removes a queued upload that a completed upload already
// covered. Queued deletes are never dropped here.
func (e *SyncEngine) dropSuperseded(ctx context.Context, done models.SyncOperation) {
	pending, ok := e.queue.Pending(done.EntityKind, done.EntityID)
	if !ok || pending.Type == models.OperationDelete || pending.Timestamp.After(done.Timestamp) {
		return
	}
	if _, err := e.queue.Remove(ctx, done.EntityKind, done.EntityID); err != nil {
		e.log.Error("failed to persist queue", err)
	}
}

func (e *SyncEngine) enqueue(ctx context.Context, op models.SyncOperation) {
	if err := e.queue.Enqueue(context.WithoutCancel(ctx), op); err != nil {
		e.log.ErrorWithCode("failed to persist queued operation", err, logging.Fields{
			"entity_id":   op.EntityID,
			"entity_kind": string(op.EntityKind),
			"type":        string(op.Type),
		})
	}
}

// DeleteEntity deletes locally first, then remotely. Offline, or after
// retries fail, the remote delete is queued.
func (e *SyncEngine) DeleteEntity(ctx context.Context, id string, kind models.Kind, userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrValidation, "user id is required")
	}
	if id == "" || !kind.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "invalid delete target %s %q", kind, id)
	}

	e.applyMu.Lock()
	err := e.local.Delete(ctx, kind, id)
	if err == nil {
		e.markRemovedLocked(kind, id)
	}
	e.applyMu.Unlock()
	if err != nil {
		return err
	}

	op := models.NewOperation(models.OperationDelete, kind, id, userID, e.now())
	if !e.IsOnline() {
		e.enqueue(ctx, op)
		return offlineError(op)
	}

	err = e.retrier.Execute(ctx, op.RetryID(), func(ctx context.Context) error {
		return e.remote.Delete(ctx, remote.DocPath(userID, kind.Collection(), id))
	})
	if err != nil {
		e.enqueue(ctx, op)
		e.setLastError(err)
		e.log.ErrorWithCode("remote delete failed, operation queued", err, logging.Fields{
			"entity_id":   id,
			"entity_kind": string(kind),
		})
		return apperrors.Wrap(apperrors.ErrQueued, "remote delete queued", err)
	}

	if pending, ok := e.queue.Pending(kind, id); ok && !pending.Timestamp.After(op.Timestamp) {
		if _, err := e.queue.Remove(ctx, kind, id); err != nil {
			e.log.Error("failed to persist queue", err)
		}
	}
	return nil
}

// DrainQueue replays every queued operation through the retry controller.
func (e *SyncEngine) DrainQueue(ctx context.Context) queue.DrainResult {
	res := e.queue.DrainAll(ctx, e.processOperation)
	e.emit(SyncEvent{
		Type: EventQueueDrained,
		Counts: map[string]int{
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"remaining": res.Remaining,
		},
	})
	return res
}

func (e *SyncEngine) processOperation(ctx context.Context, op models.SyncOperation) error {
	if op.OwnerID == "" {
		return apperrors.Newf(apperrors.ErrValidation, "queued %s of %s has no owner", op.Type, op.EntityID)
	}
	if op.Type == models.OperationDelete {
		return e.remote.Delete(ctx, remote.DocPath(op.OwnerID, op.EntityKind.Collection(), op.EntityID))
	}

	rec, err := e.local.Fetch(ctx, op.EntityKind, op.EntityID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Deleted locally since it was queued; its delete is queued separately.
		return nil
	}
	if err := e.pushRecord(ctx, rec, op.OwnerID); err != nil {
		return err
	}
	e.markSynced(ctx, rec)
	return nil
}

// Reconcile drains the operation queue, then downloads remote state.
func (e *SyncEngine) Reconcile(ctx context.Context, userID string) (*SyncResult, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "user id is required")
	}

	e.stateMu.Lock()
	if e.state == EngineStateSyncing {
		e.stateMu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.state = EngineStateSyncing
	e.userID = userID
	e.stateMu.Unlock()

	result := &SyncResult{StartTime: e.now()}
	e.emit(SyncEvent{Type: EventSyncStarted})

	var syncErr error
	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		result.Remaining = e.queue.Count()

		e.stateMu.Lock()
		if syncErr != nil {
			e.state = EngineStateFailed
			e.lastErr = syncErr
			result.Error = syncErr.Error()
		} else {
			e.state = EngineStateIdle
			e.lastErr = nil
			end := result.EndTime
			e.lastSync = &end
		}
		e.stateMu.Unlock()

		ev := SyncEvent{Type: EventSyncCompleted, Counts: map[string]int{
			"uploaded":   result.Uploaded,
			"downloaded": result.Downloaded,
			"conflicts":  result.Conflicts,
			"remaining":  result.Remaining,
		}}
		if syncErr != nil {
			ev.Type = EventSyncFailed
			ev.Error = syncErr.Error()
		}
		e.emit(ev)
	}()

	if !e.IsOnline() {
		syncErr = apperrors.New(apperrors.ErrNetworkUnavailable, "device is offline")
		return result, syncErr
	}

	drain := e.DrainQueue(ctx)
	result.Uploaded = drain.Succeeded
	result.UploadFailed = drain.Failed

	dl, err := e.Download(ctx, userID)
	result.Downloaded = dl.Applied
	result.Conflicts = dl.Conflicts
	if err != nil {
		syncErr = err
		return result, syncErr
	}

	e.log.Info("reconcile completed", logging.Fields{
		"user_id":    userID,
		"uploaded":   result.Uploaded,
		"failed":     result.UploadFailed,
		"downloaded": result.Downloaded,
		"conflicts":  result.Conflicts,
		"remaining":  e.queue.Count(),
	})
	return result, nil
}

// Migrate runs the one-time bulk upload for userID.
func (e *SyncEngine) Migrate(ctx context.Context, userID string) (*migration.Result, error) {
	return e.migrator.Migrate(ctx, userID)
}

// MigrationStatus reports migration progress for userID.
func (e *SyncEngine) MigrationStatus(ctx context.Context, userID string) (migration.Status, error) {
	return e.migrator.Status(ctx, userID)
}

func (e *SyncEngine) migrationProgress(kind models.Kind, id string, err error) {
	e.emit(SyncEvent{
		Type:       EventMigrationProgress,
		EntityKind: string(kind),
		EntityID:   id,
		Error:      errString(err),
	})
}

// ApplyRetentionPolicy deletes daily logs older than the retention horizon.
func (e *SyncEngine) ApplyRetentionPolicy(ctx context.Context, userID string) (*retention.Result, error) {
	res, err := e.retention.ApplyRetentionPolicy(ctx, userID)
	if err == nil {
		e.emitRetention(res)
	}
	return res, err
}

// RunRetentionIfDue applies the retention policy at most once per interval.
func (e *SyncEngine) RunRetentionIfDue(ctx context.Context, userID string) (*retention.Result, bool, error) {
	res, ran, err := e.retention.RunIfDue(ctx, userID)
	if ran && err == nil {
		e.emitRetention(res)
	}
	return res, ran, err
}

func (e *SyncEngine) emitRetention(res *retention.Result) {
	e.emit(SyncEvent{Type: EventRetentionCompleted, Counts: map[string]int{
		"expired": res.Expired,
		"deleted": res.Deleted,
		"queued":  res.Queued,
		"failed":  res.Failed,
	}})
}

// Close stops listening. The stores are owned by the caller.
func (e *SyncEngine) Close() {
	e.StopListening()
}
