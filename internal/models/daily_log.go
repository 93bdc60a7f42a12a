package models

import "time"

// DateLayout is the calendar-date format used to key daily logs.
const DateLayout = "2006-01-02"

// DailyLog is the per-day aggregate. It references food and exercise
// entries that live in their own collections; calorie totals are always
// derived from those children and never stored.
type DailyLog struct {
	SyncMeta
	Date          time.Time        `db:"log_date" json:"date"`
	CalorieGoal   float64          `db:"calorie_goal" json:"calorieGoal"`
	FoodItems     []*FoodEntry     `db:"-" json:"-"`
	ExerciseItems []*ExerciseEntry `db:"-" json:"-"`
}

// TableName returns the table name for DailyLog.
func (DailyLog) TableName() string {
	return "daily_logs"
}

// Kind implements Record.
func (l *DailyLog) Kind() Kind {
	return KindDailyLog
}

// Clone implements Record. Children are cloned as well.
func (l *DailyLog) Clone() Record {
	c := *l
	c.FoodItems = make([]*FoodEntry, 0, len(l.FoodItems))
	for _, f := range l.FoodItems {
		c.FoodItems = append(c.FoodItems, f.Clone().(*FoodEntry))
	}
	c.ExerciseItems = make([]*ExerciseEntry, 0, len(l.ExerciseItems))
	for _, e := range l.ExerciseItems {
		c.ExerciseItems = append(c.ExerciseItems, e.Clone().(*ExerciseEntry))
	}
	return &c
}

// DayStart returns midnight UTC of t's calendar date.
func DayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDailyLog creates an empty pending log for the given day.
func NewDailyLog(ownerID string, day time.Time, goal float64, now time.Time) *DailyLog {
	l := &DailyLog{
		SyncMeta:    SyncMeta{ID: NewID(), OwnerID: ownerID},
		Date:        DayStart(day),
		CalorieGoal: goal,
	}
	Touch(l, now)
	return l
}

// DateKey returns the log's calendar date as text.
func (l *DailyLog) DateKey() string {
	return l.Date.Format(DateLayout)
}

// AddFood associates f with the log. Adding an entry that is already
// present is a no-op; it reports whether the entry was added.
func (l *DailyLog) AddFood(f *FoodEntry) bool {
	if f == nil || l.HasFood(f.ID) {
		return false
	}
	l.FoodItems = append(l.FoodItems, f)
	return true
}

// AddExercise associates e with the log, idempotently.
func (l *DailyLog) AddExercise(e *ExerciseEntry) bool {
	if e == nil || l.HasExercise(e.ID) {
		return false
	}
	l.ExerciseItems = append(l.ExerciseItems, e)
	return true
}

// RemoveFood drops the food entry with the given id.
func (l *DailyLog) RemoveFood(id string) bool {
	for i, f := range l.FoodItems {
		if f.ID == id {
			l.FoodItems = append(l.FoodItems[:i], l.FoodItems[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveExercise drops the exercise entry with the given id.
func (l *DailyLog) RemoveExercise(id string) bool {
	for i, e := range l.ExerciseItems {
		if e.ID == id {
			l.ExerciseItems = append(l.ExerciseItems[:i], l.ExerciseItems[i+1:]...)
			return true
		}
	}
	return false
}

// HasFood reports whether the food entry is referenced.
func (l *DailyLog) HasFood(id string) bool {
	for _, f := range l.FoodItems {
		if f.ID == id {
			return true
		}
	}
	return false
}

// HasExercise reports whether the exercise entry is referenced.
func (l *DailyLog) HasExercise(id string) bool {
	for _, e := range l.ExerciseItems {
		if e.ID == id {
			return true
		}
	}
	return false
}

// TotalCalories sums calories over food children.
func (l *DailyLog) TotalCalories() float64 {
	var total float64
	for _, f := range l.FoodItems {
		total += f.Calories
	}
	return total
}

// TotalExerciseCalories sums calories burned over exercise children.
func (l *DailyLog) TotalExerciseCalories() float64 {
	var total float64
	for _, e := range l.ExerciseItems {
		total += e.CaloriesBurned
	}
	return total
}

// NetCalories is intake minus exercise.
func (l *DailyLog) NetCalories() float64 {
	return l.TotalCalories() - l.TotalExerciseCalories()
}

// RemainingCalories is the goal minus net intake.
func (l *DailyLog) RemainingCalories() float64 {
	return l.CalorieGoal - l.NetCalories()
}

// FoodItemIDs returns the referenced food entry ids in order.
func (l *DailyLog) FoodItemIDs() []string {
	ids := make([]string, 0, len(l.FoodItems))
	for _, f := range l.FoodItems {
		ids = append(ids, f.ID)
	}
	return ids
}

// ExerciseItemIDs returns the referenced exercise entry ids in order.
func (l *DailyLog) ExerciseItemIDs() []string {
	ids := make([]string, 0, len(l.ExerciseItems))
	for _, e := range l.ExerciseItems {
		ids = append(ids, e.ID)
	}
	return ids
}
