package models

import "time"

// ExerciseEntry is a single logged workout.
type ExerciseEntry struct {
	SyncMeta
	Name            string    `db:"name" json:"name"`
	DurationMinutes int       `db:"duration_minutes" json:"durationMinutes"`
	CaloriesBurned  float64   `db:"calories_burned" json:"caloriesBurned"`
	Intensity       string    `db:"intensity" json:"intensity,omitempty"`
	PerformedAt     time.Time `db:"performed_at" json:"performedAt"`
}

// TableName returns the table name for ExerciseEntry.
func (ExerciseEntry) TableName() string {
	return "exercise_entries"
}

// Kind implements Record.
func (e *ExerciseEntry) Kind() Kind {
	return KindExerciseEntry
}

// Clone implements Record.
func (e *ExerciseEntry) Clone() Record {
	c := *e
	return &c
}

// NewExerciseEntry creates a pending exercise entry stamped at now.
func NewExerciseEntry(ownerID, name string, minutes int, burned float64, now time.Time) *ExerciseEntry {
	e := &ExerciseEntry{
		SyncMeta:        SyncMeta{ID: NewID(), OwnerID: ownerID},
		Name:            name,
		DurationMinutes: minutes,
		CaloriesBurned:  burned,
		PerformedAt:     Timestamp(now),
	}
	Touch(e, now)
	return e
}
