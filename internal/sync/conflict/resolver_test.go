// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0.Add(time.Hour) }

func food(id string, cal float64, at time.Time) *models.FoodEntry {
	f := models.NewFoodEntry("u1", id, cal, at)
	f.ID = id
	return f
}

func versionPair(localAt, cloudAt time.Time) (*models.FoodEntry, *models.FoodEntry) {
	local := food("x", 100, localAt)
	local.Name = "local"
	cloud := food("x", 200, cloudAt)
	cloud.Name = "cloud"
	return local, cloud
}

// TestResolve_LastWriteWins verifies the strictly newer version wins
// regardless of argument order.
func TestResolve_LastWriteWins(t *testing.T) {
	r := NewResolver(fixedNow)
	older := food("x", 1, t0)
	newer := food("x", 2, t0.Add(time.Second))

	got, side, err := r.ResolveRecords(newer, older)
	require.NoError(t, err)
	assert.Same(t, newer, got)
	assert.Equal(t, SideLocal, side)

	got, side, err = r.ResolveRecords(older, newer)
	require.NoError(t, err)
	assert.Same(t, newer, got)
	assert.Equal(t, SideRemote, side)
}

// TestResolve_TieGoesToCloud verifies equal timestamps pick cloud.
func TestResolve_TieGoesToCloud(t *testing.T) {
	r := NewResolver(fixedNow)
	local, cloud := versionPair(t0, t0)

	res, err := r.Resolve(Present(local), Present(cloud))
	require.NoError(t, err)
	assert.Same(t, cloud, res.Winner.Record)
	assert.Equal(t, ResolutionRemoteWins, res.Resolution)

	// Swapping the arguments swaps the winner on a tie.
	res, err = r.Resolve(Present(cloud), Present(local))
	require.NoError(t, err)
	assert.Same(t, local, res.Winner.Record)
}

// TestResolve_DeletionWins verifies a delete beats any timestamp.
func TestResolve_DeletionWins(t *testing.T) {
	r := NewResolver(fixedNow)
	tests := []struct {
		name     string
		local    Version
		cloud    Version
		wantSide Side
	}{
		{
			name:     "remote delete beats newer local edit",
			local:    Present(food("x", 1, t0.Add(time.Hour))),
			cloud:    Removed(food("x", 1, t0)),
			wantSide: SideRemote,
		},
		{
			name:     "local delete beats newer remote edit",
			local:    Removed(food("x", 1, t0)),
			cloud:    Present(food("x", 1, t0.Add(time.Hour))),
			wantSide: SideLocal,
		},
		{
			name:     "id-only remote delete",
			local:    Present(food("x", 1, t0)),
			cloud:    Version{Deleted: true},
			wantSide: SideRemote,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.local, tt.cloud)
			require.NoError(t, err)
			assert.True(t, res.Winner.Deleted)
			assert.Equal(t, tt.wantSide, res.Side)
			assert.Equal(t, ResolutionDeleteWins, res.Resolution)
			assert.Equal(t, "x", res.ConflictLog.EntityID)
		})
	}
}

// TestResolve_Invalid verifies malformed conflicts are validation errors.
func TestResolve_Invalid(t *testing.T) {
	r := NewResolver(fixedNow)

	_, err := r.Resolve(Version{}, Present(food("x", 1, t0)))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = r.Resolve(Present(food("a", 1, t0)), Present(food("b", 1, t0)))
	assert.ErrorIs(t, err, ErrItemIDMismatch)

	ex := models.NewExerciseEntry("u1", "run", 10, 50, t0)
	ex.ID = "x"
	_, err = r.Resolve(Present(food("x", 1, t0)), Present(ex))
	assert.ErrorIs(t, err, ErrKindMismatch)
}

// TestResolve_ConflictLog verifies both timestamps are recorded.
func TestResolve_ConflictLog(t *testing.T) {
	r := NewResolver(fixedNow)
	local, cloud := versionPair(t0.Add(time.Minute), t0)

	res, err := r.Resolve(Present(local), Present(cloud))
	require.NoError(t, err)
	require.NotNil(t, res.ConflictLog)
	assert.Equal(t, models.KindFoodEntry, res.ConflictLog.EntityKind)
	assert.Equal(t, local.LastModified, res.ConflictLog.LocalTimestamp)
	assert.Equal(t, cloud.LastModified, res.ConflictLog.RemoteTimestamp)
	assert.Equal(t, "local_wins", res.ConflictLog.Resolution)
	assert.Equal(t, fixedNow(), res.ConflictLog.DetectedAt)
}

// =====================================================
// Aggregate Merge Tests
// =====================================================

func dailyLog(id string, goal float64, at time.Time, foods ...*models.FoodEntry) *models.DailyLog {
	l := models.NewDailyLog("u1", t0, goal, at)
	l.ID = id
	for _, f := range foods {
		l.AddFood(f)
	}
	return l
}

// TestMergeAggregate_Union verifies both devices' entries survive.
func TestMergeAggregate_Union(t *testing.T) {
	r := NewResolver(fixedNow)
	shared := food("s", 10, t0)
	local := dailyLog("log", 2000, t0, food("f1", 100, t0), shared)
	cloud := dailyLog("log", 1800, t0.Add(time.Minute), food("f2", 50, t0), shared.Clone().(*models.FoodEntry))

	merged, err := r.MergeAggregate(local, cloud)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"f1", "f2", "s"}, merged.FoodItemIDs())
	assert.Equal(t, 160.0, merged.TotalCalories())
	assert.Equal(t, 1800.0, merged.CalorieGoal, "goal follows the newer log")
	assert.Equal(t, models.Timestamp(fixedNow()), merged.LastModified)
	assert.Equal(t, models.SyncStatusPendingUpload, merged.SyncStatus)

	// Inputs are untouched.
	assert.Len(t, local.FoodItems, 2)
	assert.Len(t, cloud.FoodItems, 2)
}

// TestMergeAggregate_SharedChildLWW verifies the newer copy of a child wins.
func TestMergeAggregate_SharedChildLWW(t *testing.T) {
	r := NewResolver(fixedNow)
	stale := food("s", 10, t0)
	fresh := food("s", 99, t0.Add(time.Minute))

	merged, err := r.MergeAggregate(dailyLog("log", 0, t0, fresh), dailyLog("log", 0, t0, stale))
	require.NoError(t, err)
	require.Len(t, merged.FoodItems, 1)
	assert.Equal(t, 99.0, merged.FoodItems[0].Calories)
}

// TestMergeAggregate_GoalTie verifies a goal tie follows cloud.
func TestMergeAggregate_GoalTie(t *testing.T) {
	r := NewResolver(fixedNow)
	merged, err := r.MergeAggregate(dailyLog("log", 2000, t0), dailyLog("log", 1500, t0))
	require.NoError(t, err)
	assert.Equal(t, 1500.0, merged.CalorieGoal)
}

// TestMergeAggregate_CanonicalID verifies independent same-day logs
// converge on one id from both directions.
func TestMergeAggregate_CanonicalID(t *testing.T) {
	r := NewResolver(fixedNow)
	a := dailyLog("aaa", 0, t0, food("f1", 100, t0))
	b := dailyLog("bbb", 0, t0, food("f2", 50, t0))

	ab, err := r.MergeAggregate(a, b)
	require.NoError(t, err)
	ba, err := r.MergeAggregate(b, a)
	require.NoError(t, err)

	assert.Equal(t, "aaa", ab.ID)
	assert.True(t, SameContent(ab, ba))
}

// TestMergeAggregate_Idempotent verifies merging a log with itself adds nothing.
func TestMergeAggregate_Idempotent(t *testing.T) {
	r := NewResolver(fixedNow)
	l := dailyLog("log", 0, t0, food("f1", 100, t0), food("f2", 50, t0))

	merged, err := r.MergeAggregate(l, l.Clone().(*models.DailyLog))
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, merged.FoodItemIDs())
	assert.True(t, SameContent(l, merged))
}

// TestMergeAggregate_Nil verifies nil inputs are rejected.
func TestMergeAggregate_Nil(t *testing.T) {
	_, err := NewResolver(fixedNow).MergeAggregate(nil, dailyLog("log", 0, t0))
	assert.ErrorIs(t, err, ErrInvalidConflict)
}

// TestApplyTo verifies the merged value replaces the persisted instance.
func TestApplyTo(t *testing.T) {
	r := NewResolver(fixedNow)
	target := dailyLog("log", 2000, t0, food("f1", 100, t0))
	cloud := dailyLog("log", 2000, t0, food("f2", 50, t0))

	merged, err := r.MergeAggregate(target, cloud)
	require.NoError(t, err)
	ApplyTo(target, merged)

	assert.ElementsMatch(t, []string{"f1", "f2"}, target.FoodItemIDs())
	assert.Equal(t, 150.0, target.TotalCalories())
	assert.Equal(t, merged.LastModified, target.LastModified)

	// The target owns its children.
	merged.FoodItems[0].Calories = 0
	assert.Equal(t, 150.0, target.TotalCalories())
}

// TestCanonicalID verifies the smaller non-empty id is chosen.
func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "a", CanonicalID("a", "b"))
	assert.Equal(t, "a", CanonicalID("b", "a"))
	assert.Equal(t, "b", CanonicalID("", "b"))
	assert.Equal(t, "a", CanonicalID("a", ""))
}
