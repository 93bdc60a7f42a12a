// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

var testNow = time.Date(2024, 3, 10, 12, 30, 15, 123456789, time.UTC)

// =====================================================
// Kind Tests
// =====================================================

// TestKind_Collection verifies every kind maps to a remote collection.
func TestKind_Collection(t *testing.T) {
	want := map[Kind]string{
		KindFoodEntry:     "foodEntries",
		KindExerciseEntry: "exerciseEntries",
		KindCustomMeal:    "customMeals",
		KindDailyLog:      "dailyLogs",
	}
	for _, k := range AllKinds {
		assert.Equal(t, want[k], k.Collection(), "kind %s", k)
		assert.True(t, k.Valid())
	}
	assert.False(t, Kind("recipe").Valid())
}

// TestParseKind verifies unknown kinds are rejected.
func TestParseKind(t *testing.T) {
	k, err := ParseKind("daily_log")
	require.NoError(t, err)
	assert.Equal(t, KindDailyLog, k)

	_, err = ParseKind("recipe")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestAllKinds_ChildrenBeforeAggregate verifies the aggregate is last.
func TestAllKinds_ChildrenBeforeAggregate(t *testing.T) {
	assert.Equal(t, KindDailyLog, AllKinds[len(AllKinds)-1])
}

// =====================================================
// Sync Metadata Tests
// =====================================================

// TestTouch verifies a local mutation marks the record pending.
func TestTouch(t *testing.T) {
	f := &FoodEntry{SyncMeta: SyncMeta{ID: "f1", OwnerID: "u1", SyncStatus: SyncStatusSynced}}
	Touch(f, testNow)

	assert.Equal(t, SyncStatusPendingUpload, f.SyncStatus)
	assert.Equal(t, testNow.Truncate(time.Millisecond), f.LastModified)

	MarkSynced(f)
	assert.Equal(t, SyncStatusSynced, f.SyncStatus)
}

// TestValidateOwner verifies owner checks on upload.
func TestValidateOwner(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		userID  string
		wantErr bool
	}{
		{"owned", &FoodEntry{SyncMeta: SyncMeta{ID: "f1", OwnerID: "u1"}}, "u1", false},
		{"no owner", &FoodEntry{SyncMeta: SyncMeta{ID: "f1"}}, "u1", true},
		{"other owner", &FoodEntry{SyncMeta: SyncMeta{ID: "f1", OwnerID: "u2"}}, "u1", true},
		{"no id", &FoodEntry{SyncMeta: SyncMeta{OwnerID: "u1"}}, "u1", true},
		{"no user", &FoodEntry{SyncMeta: SyncMeta{ID: "f1", OwnerID: "u1"}}, "", true},
		{"nil record", nil, "u1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOwner(tt.record, tt.userID)
			if tt.wantErr {
				assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// =====================================================
// DailyLog Tests
// =====================================================

// TestDailyLog_AddFoodIsIdempotent verifies repeated association is a no-op.
func TestDailyLog_AddFoodIsIdempotent(t *testing.T) {
	log := NewDailyLog("u1", testNow, 2000, testNow)
	f := NewFoodEntry("u1", "apple", 100, testNow)

	assert.True(t, log.AddFood(f))
	assert.False(t, log.AddFood(f))
	assert.False(t, log.AddFood(f.Clone().(*FoodEntry)))
	assert.Len(t, log.FoodItems, 1)

	e := NewExerciseEntry("u1", "run", 30, 300, testNow)
	assert.True(t, log.AddExercise(e))
	assert.False(t, log.AddExercise(e))
	assert.Len(t, log.ExerciseItems, 1)
}

// TestDailyLog_Totals verifies derived calorie figures.
func TestDailyLog_Totals(t *testing.T) {
	log := NewDailyLog("u1", testNow, 2000, testNow)
	log.AddFood(NewFoodEntry("u1", "apple", 100, testNow))
	log.AddFood(NewFoodEntry("u1", "bread", 50, testNow))
	log.AddExercise(NewExerciseEntry("u1", "walk", 20, 80, testNow))

	assert.Equal(t, 150.0, log.TotalCalories())
	assert.Equal(t, 80.0, log.TotalExerciseCalories())
	assert.Equal(t, 70.0, log.NetCalories())
	assert.Equal(t, 1930.0, log.RemainingCalories())
}

// TestDailyLog_Remove verifies child removal by id.
func TestDailyLog_Remove(t *testing.T) {
	log := NewDailyLog("u1", testNow, 0, testNow)
	f := NewFoodEntry("u1", "apple", 100, testNow)
	e := NewExerciseEntry("u1", "run", 10, 90, testNow)
	log.AddFood(f)
	log.AddExercise(e)

	assert.True(t, log.RemoveFood(f.ID))
	assert.False(t, log.RemoveFood(f.ID))
	assert.True(t, log.RemoveExercise(e.ID))
	assert.Empty(t, log.FoodItemIDs())
	assert.Empty(t, log.ExerciseItemIDs())
}

// TestDailyLog_CloneIsDeep verifies the clone does not alias children.
func TestDailyLog_CloneIsDeep(t *testing.T) {
	log := NewDailyLog("u1", testNow, 0, testNow)
	log.AddFood(NewFoodEntry("u1", "apple", 100, testNow))

	c := log.Clone().(*DailyLog)
	c.FoodItems[0].Calories = 999
	c.AddFood(NewFoodEntry("u1", "pear", 60, testNow))

	assert.Equal(t, 100.0, log.FoodItems[0].Calories)
	assert.Len(t, log.FoodItems, 1)
}

// TestDailyLog_DateIsMidnightUTC verifies the date key.
func TestDailyLog_DateIsMidnightUTC(t *testing.T) {
	log := NewDailyLog("u1", testNow, 0, testNow)
	assert.Equal(t, "2024-03-10", log.DateKey())
	assert.Equal(t, 0, log.Date.Hour())
}

// TestCustomMeal_TotalCalories verifies quantity scaling.
func TestCustomMeal_TotalCalories(t *testing.T) {
	m := &CustomMeal{Items: []MealItem{
		{Name: "rice", Calories: 200, Quantity: 2},
		{Name: "egg", Calories: 70},
	}}
	assert.Equal(t, 470.0, m.TotalCalories())
}

// =====================================================
// Document Codec Tests
// =====================================================

// TestEncodeDecode_DailyLog verifies logs travel with child ids only.
func TestEncodeDecode_DailyLog(t *testing.T) {
	log := NewDailyLog("u1", testNow, 1800, testNow)
	f := NewFoodEntry("u1", "apple", 100, testNow)
	log.AddFood(f)

	doc := Encode(log)
	assert.Equal(t, []string{f.ID}, doc[FieldFoodItemIDs])
	assert.Equal(t, "2024-03-10", doc["date"])

	r, err := Decode(KindDailyLog, doc)
	require.NoError(t, err)
	got := r.(*DailyLog)
	assert.Equal(t, log.ID, got.ID)
	assert.Equal(t, log.Date, got.Date)
	assert.Equal(t, 1800.0, got.CalorieGoal)
	assert.Empty(t, got.FoodItems)

	refs, err := DecodeChildRefs(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{f.ID}, refs.FoodIDs)
	assert.Empty(t, refs.ExerciseIDs)
}

// TestDecode_LooseTypes verifies JSON-shaped documents decode.
func TestDecode_LooseTypes(t *testing.T) {
	doc := Document{
		FieldID:           "e1",
		FieldOwnerID:      "u1",
		FieldLastModified: float64(testNow.UnixMilli()),
		"name":            "swim",
		"durationMinutes": float64(45),
		"caloriesBurned":  int64(400),
		"performedAt":     testNow.Format(time.RFC3339Nano),
	}
	r, err := Decode(KindExerciseEntry, doc)
	require.NoError(t, err)
	e := r.(*ExerciseEntry)
	assert.Equal(t, 45, e.DurationMinutes)
	assert.Equal(t, 400.0, e.CaloriesBurned)
	assert.Equal(t, Timestamp(testNow), e.LastModified)
	assert.Equal(t, Timestamp(testNow), e.PerformedAt)
	assert.Equal(t, SyncStatusSynced, e.SyncStatus)
}

// TestDecode_Malformed verifies malformed documents are validation errors.
func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		doc  Document
	}{
		{"nil", KindFoodEntry, nil},
		{"missing id", KindFoodEntry, Document{FieldLastModified: testNow}},
		{"missing timestamp", KindFoodEntry, Document{FieldID: "f1"}},
		{"bad calories", KindFoodEntry, Document{FieldID: "f1", FieldLastModified: testNow, "calories": "lots"}},
		{"bad date", KindDailyLog, Document{FieldID: "l1", FieldLastModified: testNow, "date": "yesterday"}},
		{"unknown kind", Kind("recipe"), Document{FieldID: "x", FieldLastModified: testNow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, tt.doc)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}

// TestEncodeDecode_CustomMeal verifies meal items survive the codec.
func TestEncodeDecode_CustomMeal(t *testing.T) {
	m := &CustomMeal{
		SyncMeta: SyncMeta{ID: "m1", OwnerID: "u1", LastModified: Timestamp(testNow)},
		Name:     "breakfast bowl",
		Items:    []MealItem{{Name: "oats", Calories: 150, Quantity: 1}},
	}
	r, err := Decode(KindCustomMeal, Encode(m).Clone())
	require.NoError(t, err)
	assert.Equal(t, m.Items, r.(*CustomMeal).Items)
}

// =====================================================
// Queue And Migration Model Tests
// =====================================================

// TestSyncOperation_Key verifies the operation type is not part of the key.
func TestSyncOperation_Key(t *testing.T) {
	a := NewOperation(OperationUpdate, KindFoodEntry, "f1", "u1", testNow)
	b := NewOperation(OperationDelete, KindFoodEntry, "f1", "u1", testNow)
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "upload_f1", a.RetryID())
	assert.Equal(t, "delete_f1", b.RetryID())
}

// TestMigrationState verifies migrated ids clear failures.
func TestMigrationState(t *testing.T) {
	s := NewMigrationState("u1")
	s.MarkFailed("f1")
	assert.Equal(t, 1, s.FailedCount())

	s.MarkMigrated(KindFoodEntry, "f1")
	assert.True(t, s.IsMigrated(KindFoodEntry, "f1"))
	assert.False(t, s.IsMigrated(KindDailyLog, "f1"))
	assert.Equal(t, 1, s.MigratedCount(KindFoodEntry))
	assert.Zero(t, s.FailedCount())

	var empty MigrationState
	empty.MarkMigrated(KindDailyLog, "l1")
	assert.True(t, empty.IsMigrated(KindDailyLog, "l1"))
}
