package sync

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/conflict"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/remote"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retry"
)

type applyOutcome int

const (
	outcomeUnchanged applyOutcome = iota
	outcomeInserted
	outcomeRemoteWon
	outcomeLocalWon
	outcomeMerged
	outcomeDeleted
)

// DownloadResult counts one download pass.
type DownloadResult struct {
	Fetched   int `json:"fetched"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *DownloadResult) add(o applyOutcome) {
	switch o {
	case outcomeInserted:
		r.Applied++
	case outcomeRemoteWon, outcomeMerged:
		r.Applied++
		r.Conflicts++
	case outcomeLocalWon:
		r.Conflicts++
	default:
		r.Skipped++
	}
}

// Download fetches every remote record owned by userID, one query per kind
// in parallel, and folds them into the local store through the conflict
// resolver. Children are applied before the logs that reference them.
func (e *SyncEngine) Download(ctx context.Context, userID string) (DownloadResult, error) {
	var res DownloadResult
	if userID == "" {
		return res, apperrors.New(apperrors.ErrValidation, "user id is required")
	}
	if !e.IsOnline() {
		return res, apperrors.New(apperrors.ErrNetworkUnavailable, "device is offline")
	}

	docs := make([][]models.Document, len(models.AllKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range models.AllKinds {
		i, kind := i, kind
		g.Go(func() error {
			out, err := retry.Do(gctx, e.retrier, "download_"+kind.Collection()+"_"+userID,
				func(ctx context.Context) ([]models.Document, error) {
					return e.remote.Query(ctx, remote.CollectionPath(userID, kind.Collection()),
						remote.Eq(models.FieldOwnerID, userID))
				})
			docs[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.setLastError(err)
		e.log.ErrorWithCode("download failed", err, logging.Fields{"user_id": userID})
		return res, err
	}

	for i, kind := range models.AllKinds {
		for _, doc := range docs[i] {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Fetched++
			outcome, err := e.applyDocument(ctx, kind, doc, userID)
			if err != nil {
				res.Failed++
				e.log.ErrorWithCode("failed to apply remote record", err, logging.Fields{
					"entity_kind": string(kind),
					"entity_id":   doc.ID(),
				})
				continue
			}
			res.add(outcome)
		}
	}

	e.log.Info("download completed", logging.Fields{
		"user_id":   userID,
		"fetched":   res.Fetched,
		"applied":   res.Applied,
		"conflicts": res.Conflicts,
		"failed":    res.Failed,
	})
	return res, nil
}

// applyDocument decodes one remote document and applies it locally.
func (e *SyncEngine) applyDocument(ctx context.Context, kind models.Kind, doc models.Document, userID string) (applyOutcome, error) {
	rec, err := models.Decode(kind, doc)
	if err != nil {
		return outcomeUnchanged, err
	}
	if owner := rec.Meta().OwnerID; owner != userID {
		return outcomeUnchanged, apperrors.Newf(apperrors.ErrValidation,
			"remote %s %s is owned by %q, not %q", kind, rec.Meta().ID, owner, userID)
	}
	models.MarkSynced(rec)

	if l, ok := rec.(*models.DailyLog); ok {
		refs, err := models.DecodeChildRefs(doc)
		if err != nil {
			return outcomeUnchanged, err
		}
		return e.applyRemoteLog(ctx, l, refs, userID)
	}
	return e.applyRemote(ctx, rec, userID)
}

// applyRemote resolves a remote entry or meal against the local copy.
func (e *SyncEngine) applyRemote(ctx context.Context, rec models.Record, userID string) (applyOutcome, error) {
	e.applyMu.Lock()
	outcome, follow, err := e.applyRemoteLocked(ctx, rec)
	e.applyMu.Unlock()
	if err != nil {
		return outcome, err
	}
	if follow != nil {
		e.propagate(ctx, follow, userID)
	}
	e.emitApplied(rec, outcome)
	return outcome, nil
}

// applyRemoteLocked returns the local record to push back out when the
// local copy won and has not been uploaded yet.
func (e *SyncEngine) applyRemoteLocked(ctx context.Context, rec models.Record) (applyOutcome, models.Record, error) {
	kind, id := rec.Kind(), rec.Meta().ID
	local, err := e.local.Fetch(ctx, kind, id)
	if err != nil {
		return outcomeUnchanged, nil, err
	}
	if local == nil {
		if e.deletedLocked(kind, id) {
			return outcomeDeleted, nil, nil
		}
		if err := e.local.Save(ctx, rec); err != nil {
			return outcomeUnchanged, nil, err
		}
		return outcomeInserted, nil, nil
	}

	lm, rm := local.Meta(), rec.Meta()
	if lm.SyncStatus == models.SyncStatusSynced && lm.LastModified.Equal(rm.LastModified) {
		return outcomeUnchanged, nil, nil
	}

	res, err := e.resolver.Resolve(conflict.Present(local), conflict.Present(rec))
	if err != nil {
		return outcomeUnchanged, nil, err
	}
	e.emitConflict(res)
	if res.Side == conflict.SideRemote {
		if err := e.local.Save(ctx, rec); err != nil {
			return outcomeUnchanged, nil, err
		}
		return outcomeRemoteWon, nil, nil
	}
	if lm.SyncStatus == models.SyncStatusPendingUpload {
		return outcomeLocalWon, local, nil
	}
	return outcomeLocalWon, nil, nil
}

// tombstoneTTL is how long a deletion shields an entity from stale remote
// copies that were already in flight. A delete still waiting in the queue
// shields it for as long as it is queued.
const tombstoneTTL = 10 * time.Minute

// deletedLocked reports whether the entity was deleted on this device and
// must not be resurrected by a stale remote copy.
func (e *SyncEngine) deletedLocked(kind models.Kind, id string) bool {
	if at, ok := e.removed[models.OperationKey{EntityID: id, EntityKind: kind}]; ok && e.now().Sub(at) < tombstoneTTL {
		return true
	}
	op, ok := e.queue.Pending(kind, id)
	return ok && op.Type == models.OperationDelete
}

// markRemovedLocked records a deletion and sweeps expired tombstones at
// most once per tombstoneTTL.
func (e *SyncEngine) markRemovedLocked(kind models.Kind, id string) {
	now := e.now()
	e.removed[models.OperationKey{EntityID: id, EntityKind: kind}] = now
	if now.Sub(e.lastPrune) < tombstoneTTL {
		return
	}
	for key, at := range e.removed {
		if now.Sub(at) >= tombstoneTTL {
			delete(e.removed, key)
		}
	}
	e.lastPrune = now
}

// applyRemoteLog folds a remote daily log into the local store. Its
// children are resolved first; a local log for the same day, under any id,
// is merged with it rather than replaced.
func (e *SyncEngine) applyRemoteLog(ctx context.Context, remoteLog *models.DailyLog, refs models.ChildRefs, userID string) (applyOutcome, error) {
	for _, id := range refs.FoodIDs {
		child, err := e.resolveChild(ctx, models.KindFoodEntry, id, userID)
		if err != nil {
			return outcomeUnchanged, err
		}
		if f, ok := child.(*models.FoodEntry); ok {
			remoteLog.AddFood(f)
		}
	}
	for _, id := range refs.ExerciseIDs {
		child, err := e.resolveChild(ctx, models.KindExerciseEntry, id, userID)
		if err != nil {
			return outcomeUnchanged, err
		}
		if x, ok := child.(*models.ExerciseEntry); ok {
			remoteLog.AddExercise(x)
		}
	}

	e.applyMu.Lock()
	outcome, follow, stale, err := e.applyRemoteLogLocked(ctx, remoteLog, userID)
	e.applyMu.Unlock()
	if err != nil {
		return outcome, err
	}

	for _, id := range stale {
		e.propagateDelete(ctx, models.KindDailyLog, id, userID)
	}
	if follow != nil {
		e.propagate(ctx, follow, userID)
	}
	e.emitApplied(remoteLog, outcome)
	return outcome, nil
}

// applyRemoteLogLocked returns the merged log to push, if any, and the ids
// of logs the merge made redundant, which must be deleted remotely.
func (e *SyncEngine) applyRemoteLogLocked(ctx context.Context, remoteLog *models.DailyLog, userID string) (applyOutcome, models.Record, []string, error) {
	if e.deletedLocked(models.KindDailyLog, remoteLog.ID) {
		return outcomeDeleted, nil, nil, nil
	}
	local, err := e.findLocalLog(ctx, remoteLog, userID)
	if err != nil {
		return outcomeUnchanged, nil, nil, err
	}
	if local == nil {
		if err := e.local.Save(ctx, remoteLog); err != nil {
			return outcomeUnchanged, nil, nil, err
		}
		return outcomeInserted, nil, nil, nil
	}

	if local.SyncStatus == models.SyncStatusSynced &&
		local.LastModified.Equal(remoteLog.LastModified) &&
		conflict.SameContent(local, remoteLog) {
		return outcomeUnchanged, nil, nil, nil
	}

	merged, err := e.resolver.MergeAggregate(local, remoteLog)
	if err != nil {
		return outcomeUnchanged, nil, nil, err
	}
	e.emit(SyncEvent{
		Type:       EventConflictResolved,
		EntityKind: string(models.KindDailyLog),
		EntityID:   merged.ID,
		Counts:     map[string]int{"children": len(merged.FoodItems) + len(merged.ExerciseItems)},
	})

	var stale []string
	if conflict.SameContent(merged, remoteLog) {
		// The local side adds nothing: adopt the cloud copy unchanged.
		if local.ID != remoteLog.ID {
			if err := e.removeLocalLocked(ctx, local.ID); err != nil {
				return outcomeUnchanged, nil, nil, err
			}
			stale = append(stale, local.ID)
		}
		if err := e.local.Save(ctx, remoteLog); err != nil {
			return outcomeUnchanged, nil, stale, err
		}
		return outcomeRemoteWon, nil, stale, nil
	}

	oldID := local.ID
	conflict.ApplyTo(local, merged)
	if oldID != local.ID {
		if err := e.removeLocalLocked(ctx, oldID); err != nil {
			return outcomeUnchanged, nil, nil, err
		}
		stale = append(stale, oldID)
	}
	if remoteLog.ID != local.ID {
		e.markRemovedLocked(models.KindDailyLog, remoteLog.ID)
		stale = append(stale, remoteLog.ID)
	}
	if err := e.local.Save(ctx, local); err != nil {
		return outcomeUnchanged, nil, stale, err
	}
	return outcomeMerged, local, stale, nil
}

func (e *SyncEngine) removeLocalLocked(ctx context.Context, id string) error {
	if err := e.local.Delete(ctx, models.KindDailyLog, id); err != nil {
		return err
	}
	e.markRemovedLocked(models.KindDailyLog, id)
	return nil
}

// findLocalLog returns the local log with the remote log's id or, failing
// that, the local log for the same day.
func (e *SyncEngine) findLocalLog(ctx context.Context, remoteLog *models.DailyLog, userID string) (*models.DailyLog, error) {
	rec, err := e.local.Fetch(ctx, models.KindDailyLog, remoteLog.ID)
	if err != nil {
		return nil, err
	}
	if l, ok := rec.(*models.DailyLog); ok && l != nil {
		return l, nil
	}
	logs, err := e.local.FetchLogsByDate(ctx, remoteLog.Date)
	if err != nil {
		return nil, err
	}
	for _, l := range logs {
		if l.OwnerID == "" || l.OwnerID == userID {
			return l, nil
		}
	}
	return nil, nil
}

// resolveChild returns the local copy of a referenced child, fetching and
// storing the remote copy when it is missing. Concurrent lookups of the
// same child share one remote read. A child deleted here resolves to nil.
func (e *SyncEngine) resolveChild(ctx context.Context, kind models.Kind, id, userID string) (models.Record, error) {
	local, err := e.local.Fetch(ctx, kind, id)
	if err != nil || local != nil {
		return local, err
	}

	v, err, _ := e.fetches.Do(string(kind)+"/"+id, func() (interface{}, error) {
		doc, err := e.remote.Get(ctx, remote.DocPath(userID, kind.Collection(), id))
		if err != nil {
			return nil, err
		}
		if doc == nil {
			e.log.Warn("daily log references a missing child", logging.Fields{
				"entity_kind": string(kind),
				"entity_id":   id,
			})
			return nil, nil
		}
		outcome, err := e.applyDocument(ctx, kind, doc, userID)
		if err != nil || outcome == outcomeDeleted {
			return nil, err
		}
		return e.local.Fetch(ctx, kind, id)
	})
	if err != nil || v == nil {
		return nil, err
	}
	rec, _ := v.(models.Record)
	return rec, nil
}

// applyRemoval deletes a record removed remotely. Deletion wins over any
// unsynced local edit, so a queued upload for it is dropped as well.
func (e *SyncEngine) applyRemoval(ctx context.Context, kind models.Kind, id string) error {
	e.applyMu.Lock()
	err := e.local.Delete(ctx, kind, id)
	if err == nil {
		e.markRemovedLocked(kind, id)
	}
	e.applyMu.Unlock()
	if err != nil {
		return err
	}
	if op, ok := e.queue.Pending(kind, id); ok && op.Type != models.OperationDelete {
		if _, err := e.queue.Remove(ctx, kind, id); err != nil {
			e.log.Error("failed to persist queue", err)
		}
	}
	e.emit(SyncEvent{Type: EventRemoteApplied, EntityKind: string(kind), EntityID: id,
		Counts: map[string]int{"removed": 1}})
	return nil
}

// propagate pushes a record produced by conflict resolution. It makes a
// single attempt; anything that cannot be written now is queued.
func (e *SyncEngine) propagate(ctx context.Context, r models.Record, userID string) {
	op := models.NewOperation(models.OperationUpdate, r.Kind(), r.Meta().ID, userID, e.now())
	if !e.IsOnline() {
		e.enqueue(ctx, op)
		return
	}
	if err := e.pushRecord(ctx, r, userID); err != nil {
		e.log.ErrorWithCode("failed to push resolved record, operation queued", err, logging.Fields{
			"entity_id":   op.EntityID,
			"entity_kind": string(op.EntityKind),
		})
		e.enqueue(ctx, op)
		return
	}
	if e.markSynced(ctx, r) {
		e.dropSuperseded(ctx, op)
	}
}

// propagateDelete removes a redundant remote record, queuing on failure.
func (e *SyncEngine) propagateDelete(ctx context.Context, kind models.Kind, id, userID string) {
	op := models.NewOperation(models.OperationDelete, kind, id, userID, e.now())
	if !e.IsOnline() {
		e.enqueue(ctx, op)
		return
	}
	if err := e.remote.Delete(ctx, remote.DocPath(userID, kind.Collection(), id)); err != nil {
		e.log.ErrorWithCode("failed to delete redundant record, operation queued", err, logging.Fields{
			"entity_id":   id,
			"entity_kind": string(kind),
		})
		e.enqueue(ctx, op)
	}
}

func (e *SyncEngine) emitConflict(res *conflict.ResolveResult) {
	if res == nil || res.ConflictLog == nil {
		return
	}
	e.emit(SyncEvent{
		Type:       EventConflictResolved,
		EntityKind: string(res.ConflictLog.EntityKind),
		EntityID:   res.ConflictLog.EntityID,
	})
}

func (e *SyncEngine) emitApplied(rec models.Record, outcome applyOutcome) {
	if outcome == outcomeUnchanged {
		return
	}
	e.emit(SyncEvent{
		Type:       EventRemoteApplied,
		EntityKind: string(rec.Kind()),
		EntityID:   rec.Meta().ID,
	})
}
