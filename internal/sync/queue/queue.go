// Package queue provides the durable operation queue for offline changes.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/kvstore"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retry"
)

const (
	// StorageKey is the fixed key the queue is persisted under.
	StorageKey = "sync.operation_queue"
	// DefaultCapacity bounds the queue; enqueuing beyond it evicts the oldest.
	DefaultCapacity = 1000

	envelopeVersion = 1
)

// Processor performs the remote side of one queued operation.
type Processor func(ctx context.Context, op models.SyncOperation) error

// DrainResult reports the outcome of one drain pass.
type DrainResult struct {
	Succeeded int
	Failed    int
	// Remaining is the queue length after the pass.
	Remaining int
}

// SyncQueue is a bounded, deduplicated FIFO of pending sync operations
// that rewrites its full contents to the kv store after every mutation.
type SyncQueue struct {
	mu       sync.Mutex
	drainMu  sync.Mutex
	ops      []models.SyncOperation
	store    kvstore.Store
	retrier  *retry.Controller
	capacity int
	log      *logging.Logger
}

// New creates an empty queue. Call Load to restore persisted entries.
func New(store kvstore.Store, retrier *retry.Controller, capacity int) *SyncQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retrier == nil {
		retrier = retry.New(retry.DefaultConfig())
	}
	return &SyncQueue{
		store:    store,
		retrier:  retrier,
		capacity: capacity,
		log:      logging.Get().Component("queue"),
	}
}

// Open creates a queue and restores it from store.
func Open(ctx context.Context, store kvstore.Store, retrier *retry.Controller, capacity int) (*SyncQueue, error) {
	q := New(store, retrier, capacity)
	if err := q.Load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Load replaces the in-memory queue with the persisted one. Duplicate keys
// keep their newest entry and overflow beyond capacity drops the oldest.
func (q *SyncQueue) Load(ctx context.Context) error {
	var env models.SyncQueueEnvelope
	ok, err := kvstore.GetJSON(ctx, q.store, StorageKey, &env)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "load queue", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	if ok {
		newest := make(map[models.OperationKey]int, len(env.Operations))
		for i, op := range env.Operations {
			if j, dup := newest[op.Key()]; dup && op.Timestamp.Before(env.Operations[j].Timestamp) {
				continue
			}
			newest[op.Key()] = i
		}
		for i, op := range env.Operations {
			if newest[op.Key()] == i {
				q.ops = append(q.ops, op)
			}
		}
		for len(q.ops) > q.capacity {
			q.evictOldestLocked()
		}
	}
	metrics.SetQueueDepth(len(q.ops))
	q.log.Info("sync queue restored", logging.Fields{"operations": len(q.ops)})
	return nil
}

// persistLocked writes the entire queue. Callers hold q.mu.
func (q *SyncQueue) persistLocked(ctx context.Context) error {
	metrics.SetQueueDepth(len(q.ops))
	env := models.SyncQueueEnvelope{Version: envelopeVersion, Operations: q.ops}
	if env.Operations == nil {
		env.Operations = []models.SyncOperation{}
	}
	if err := kvstore.SetJSON(ctx, q.store, StorageKey, env); err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "persist queue", err)
	}
	return nil
}

func (q *SyncQueue) indexLocked(key models.OperationKey) int {
	for i, op := range q.ops {
		if op.Key() == key {
			return i
		}
	}
	return -1
}

func (q *SyncQueue) evictOldestLocked() {
	if len(q.ops) == 0 {
		return
	}
	oldest := 0
	for i, op := range q.ops {
		if op.Timestamp.Before(q.ops[oldest].Timestamp) {
			oldest = i
		}
	}
	evicted := q.ops[oldest]
	q.ops = append(q.ops[:oldest], q.ops[oldest+1:]...)
	metrics.IncQueueEvictions()
	q.log.Warn("sync queue full, evicted oldest operation", logging.Fields{
		"entity_id":   evicted.EntityID,
		"entity_kind": string(evicted.EntityKind),
		"type":        string(evicted.Type),
	})
}

// Enqueue appends op, replacing any queued operation for the same entity
// and evicting the oldest entry when the queue is full. It never rejects
// an operation; the returned error only reports a failed persist, in which
// case the operation is still held in memory.
func (q *SyncQueue) Enqueue(ctx context.Context, op models.SyncOperation) error {
	if op.EntityID == "" || !op.EntityKind.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "invalid operation for %q (%s)", op.EntityID, op.EntityKind)
	}
	op.Timestamp = models.Timestamp(op.Timestamp)

	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexLocked(op.Key()); i >= 0 {
		q.ops = append(q.ops[:i], q.ops[i+1:]...)
	}
	if len(q.ops) >= q.capacity {
		q.evictOldestLocked()
	}
	q.ops = append(q.ops, op)

	q.log.Debug("operation enqueued", logging.Fields{
		"entity_id":   op.EntityID,
		"entity_kind": string(op.EntityKind),
		"type":        string(op.Type),
		"size":        len(q.ops),
	})
	return q.persistLocked(ctx)
}

// DrainAll processes every queued operation in timestamp order through the
// retry controller. An entry is removed on success and on terminal failure;
// an entry replaced by a newer Enqueue while in flight stays queued. One
// failing entity never stops the rest. Only one drain runs at a time.
func (q *SyncQueue) DrainAll(ctx context.Context, process Processor) DrainResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	batch := q.Snapshot()
	var res DrainResult
	for _, op := range batch {
		if ctx.Err() != nil {
			break
		}
		op := op
		err := q.retrier.Execute(ctx, op.RetryID(), func(ctx context.Context) error {
			return process(ctx, op)
		})
		if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
			// Shutting down; the entry stays for the next pass.
			break
		}
		if err != nil {
			res.Failed++
			q.log.ErrorWithCode("queued operation failed", err, logging.Fields{
				"entity_id":   op.EntityID,
				"entity_kind": string(op.EntityKind),
				"type":        string(op.Type),
			})
		} else {
			res.Succeeded++
		}
		if rmErr := q.removeIfUnchanged(ctx, op); rmErr != nil {
			q.log.Error("failed to persist queue after drain step", rmErr)
		}
	}

	res.Remaining = q.Count()
	metrics.ObserveDrain(res.Succeeded, res.Failed)
	if res.Succeeded+res.Failed > 0 {
		q.log.Info("sync queue drained", logging.Fields{
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"remaining": res.Remaining,
		})
	}
	return res
}

func (q *SyncQueue) removeIfUnchanged(ctx context.Context, op models.SyncOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(op.Key())
	if i < 0 || !sameOperation(q.ops[i], op) {
		return nil
	}
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
	return q.persistLocked(ctx)
}

func sameOperation(a, b models.SyncOperation) bool {
	return a.Key() == b.Key() && a.Type == b.Type && a.OwnerID == b.OwnerID && a.Timestamp.Equal(b.Timestamp)
}

// Count returns the number of queued operations.
func (q *SyncQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Snapshot returns the queued operations sorted by timestamp. Equal
// timestamps keep insertion order.
func (q *SyncQueue) Snapshot() []models.SyncOperation {
	q.mu.Lock()
	out := append([]models.SyncOperation(nil), q.ops...)
	q.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Pending returns the queued operation for an entity, if any.
func (q *SyncQueue) Pending(kind models.Kind, id string) (models.SyncOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(models.OperationKey{EntityID: id, EntityKind: kind})
	if i < 0 {
		return models.SyncOperation{}, false
	}
	return q.ops[i], true
}

// Remove drops the queued operation for an entity. It reports whether one
// was present.
func (q *SyncQueue) Remove(ctx context.Context, kind models.Kind, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(models.OperationKey{EntityID: id, EntityKind: kind})
	if i < 0 {
		return false, nil
	}
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
	return true, q.persistLocked(ctx)
}

// Clear empties the queue.
func (q *SyncQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	q.log.Info("sync queue cleared")
	return q.persistLocked(ctx)
}

// Capacity returns the queue bound.
func (q *SyncQueue) Capacity() int {
	return q.capacity
}
