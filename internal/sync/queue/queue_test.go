package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/kvstore"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retry"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestQueue(t *testing.T, store kvstore.Store, capacity int) *SyncQueue {
	t.Helper()
	q, err := Open(context.Background(), store, retry.New(retry.DefaultConfig(), retry.WithSleep(noSleep)), capacity)
	require.NoError(t, err)
	return q
}

func op(typ models.OperationType, id string, offset time.Duration) models.SyncOperation {
	return models.NewOperation(typ, models.KindFoodEntry, id, "u1", base.Add(offset))
}

// =====================================================
// Enqueue Tests
// =====================================================

// TestEnqueue_Dedup verifies a later operation supersedes an earlier one.
func TestEnqueue_Dedup(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), 0)

	require.NoError(t, q.Enqueue(ctx, op(models.OperationCreate, "f1", 0)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "f1", time.Second)))

	assert.Equal(t, 1, q.Count())
	got, ok := q.Pending(models.KindFoodEntry, "f1")
	require.True(t, ok)
	assert.Equal(t, models.OperationUpdate, got.Type)

	// Same id, different kind, is a different entity.
	other := models.NewOperation(models.OperationUpdate, models.KindDailyLog, "f1", "u1", base)
	require.NoError(t, q.Enqueue(ctx, other))
	assert.Equal(t, 2, q.Count())
}

// TestEnqueue_Bounded verifies 1001 distinct operations leave the newest 1000.
func TestEnqueue_Bounded(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), DefaultCapacity)

	for i := 0; i <= DefaultCapacity; i++ {
		require.NoError(t, q.Enqueue(ctx, op(models.OperationCreate, fmt.Sprintf("e%04d", i), time.Duration(i)*time.Second)))
	}

	assert.Equal(t, DefaultCapacity, q.Count())
	_, ok := q.Pending(models.KindFoodEntry, "e0000")
	assert.False(t, ok, "oldest operation should be evicted")
	_, ok = q.Pending(models.KindFoodEntry, "e1000")
	assert.True(t, ok)
	_, ok = q.Pending(models.KindFoodEntry, "e0001")
	assert.True(t, ok)
}

// TestEnqueue_EvictsOldestByTimestamp verifies eviction ignores insertion order.
func TestEnqueue_EvictsOldestByTimestamp(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), 3)

	require.NoError(t, q.Enqueue(ctx, op(models.OperationCreate, "a", 10*time.Second)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationCreate, "b", 1*time.Second)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationCreate, "c", 20*time.Second)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationCreate, "d", 30*time.Second)))

	_, ok := q.Pending(models.KindFoodEntry, "b")
	assert.False(t, ok)
	assert.Equal(t, 3, q.Count())
}

// TestEnqueue_Invalid verifies malformed operations are rejected.
func TestEnqueue_Invalid(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemoryStore(), 0)
	err := q.Enqueue(context.Background(), models.NewOperation(models.OperationCreate, models.Kind("x"), "a", "u1", base))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Zero(t, q.Count())
}

// TestEnqueue_PersistFailure verifies the operation is kept in memory.
func TestEnqueue_PersistFailure(t *testing.T) {
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store, 0)
	store.FailSets(errors.New("disk full"))

	err := q.Enqueue(context.Background(), op(models.OperationUpdate, "f1", 0))
	assert.True(t, apperrors.Is(err, apperrors.ErrQueuePersist))
	assert.Equal(t, 1, q.Count())
}

// =====================================================
// Persistence Tests
// =====================================================

// TestPersistence_SurvivesRestart verifies the queue is restored.
func TestPersistence_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store, 0)

	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "f1", 0)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationDelete, "f2", time.Second)))

	restored := newTestQueue(t, store, 0)
	assert.Equal(t, q.Snapshot(), restored.Snapshot())
}

// TestPersistence_EveryMutationWrites verifies full rewrites per mutation.
func TestPersistence_EveryMutationWrites(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store, 0)

	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "f1", 0)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "f2", 0)))
	_, err := q.Remove(ctx, models.KindFoodEntry, "f1")
	require.NoError(t, err)
	require.NoError(t, q.Clear(ctx))

	assert.Equal(t, 4, store.SetCount())
	assert.Zero(t, newTestQueue(t, store, 0).Count())
}

// TestLoad_RepairsDuplicates verifies a persisted duplicate keeps the newest.
func TestLoad_RepairsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	env := models.SyncQueueEnvelope{Version: 1, Operations: []models.SyncOperation{
		op(models.OperationCreate, "f1", 0),
		op(models.OperationCreate, "f2", time.Second),
		op(models.OperationUpdate, "f1", 2*time.Second),
	}}
	require.NoError(t, kvstore.SetJSON(ctx, store, StorageKey, env))

	q := newTestQueue(t, store, 0)
	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "f2", snap[0].EntityID)
	assert.Equal(t, models.OperationUpdate, snap[1].Type)
}

// =====================================================
// Drain Tests
// =====================================================

// TestDrainAll_OrderAndRemoval verifies timestamp order and pruning.
func TestDrainAll_OrderAndRemoval(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), 0)

	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "late", 3*time.Second)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "early", time.Second)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationDelete, "mid", 2*time.Second)))

	var order []string
	res := q.DrainAll(ctx, func(ctx context.Context, o models.SyncOperation) error {
		order = append(order, o.EntityID)
		return nil
	})

	assert.Equal(t, []string{"early", "mid", "late"}, order)
	assert.Equal(t, DrainResult{Succeeded: 3}, res)
	assert.Zero(t, q.Count())
}

// TestDrainAll_FailureDoesNotBlock verifies one bad entity never stops the
// rest and is removed after retries are exhausted.
func TestDrainAll_FailureDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), 0)

	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "bad", 0)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "terminal", time.Second)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "good", 2*time.Second)))

	calls := map[string]int{}
	res := q.DrainAll(ctx, func(ctx context.Context, o models.SyncOperation) error {
		calls[o.EntityID]++
		switch o.EntityID {
		case "bad":
			return apperrors.New(apperrors.ErrRemote, "quota exceeded")
		case "terminal":
			return apperrors.New(apperrors.ErrValidation, "owner mismatch")
		}
		return nil
	})

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 7, calls["bad"])
	assert.Equal(t, 1, calls["terminal"])
	assert.Equal(t, 1, calls["good"])
}

// TestDrainAll_KeepsSupersededEntry verifies an operation re-enqueued while
// in flight survives the drain of its predecessor.
func TestDrainAll_KeepsSupersededEntry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), 0)
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "f1", 0)))

	res := q.DrainAll(ctx, func(ctx context.Context, o models.SyncOperation) error {
		return q.Enqueue(ctx, op(models.OperationDelete, "f1", time.Minute))
	})

	assert.Equal(t, 1, res.Succeeded)
	got, ok := q.Pending(models.KindFoodEntry, "f1")
	require.True(t, ok)
	assert.Equal(t, models.OperationDelete, got.Type)
}

// TestDrainAll_Cancelled verifies remaining entries stay queued.
func TestDrainAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newTestQueue(t, kvstore.NewMemoryStore(), 0)
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "a", 0)))
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "b", time.Second)))

	res := q.DrainAll(ctx, func(ctx context.Context, o models.SyncOperation) error {
		cancel()
		return ctx.Err()
	})

	assert.Zero(t, res.Succeeded+res.Failed)
	assert.Equal(t, 2, q.Count())
}

// TestDrainAll_UpdateReplacesCreate covers 1000 creates followed by an
// update to the first entity: the update drains last, in its own slot.
func TestDrainAll_UpdateReplacesCreate(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), DefaultCapacity)

	for i := 1; i <= DefaultCapacity; i++ {
		require.NoError(t, q.Enqueue(ctx, op(models.OperationCreate, fmt.Sprintf("e%04d", i), time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, q.Enqueue(ctx, op(models.OperationUpdate, "e0001", time.Hour)))
	require.Equal(t, DefaultCapacity, q.Count())

	var drained []models.SyncOperation
	res := q.DrainAll(ctx, func(ctx context.Context, o models.SyncOperation) error {
		drained = append(drained, o)
		return nil
	})

	require.Len(t, drained, DefaultCapacity)
	assert.Equal(t, DefaultCapacity, res.Succeeded)
	last := drained[len(drained)-1]
	assert.Equal(t, "e0001", last.EntityID)
	assert.Equal(t, models.OperationUpdate, last.Type)
	assert.Equal(t, "e0002", drained[0].EntityID)
	for _, d := range drained[:len(drained)-1] {
		assert.NotEqual(t, "e0001", d.EntityID)
	}
}
