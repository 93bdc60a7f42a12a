package models

import "time"

// MealType groups food entries within a day.
type MealType string

const (
	MealBreakfast MealType = "breakfast"
	MealLunch     MealType = "lunch"
	MealDinner    MealType = "dinner"
	MealSnack     MealType = "snack"
)

// FoodEntry is a single logged food item.
type FoodEntry struct {
	SyncMeta
	Name          string    `db:"name" json:"name"`
	Brand         string    `db:"brand" json:"brand,omitempty"`
	Calories      float64   `db:"calories" json:"calories"`
	Protein       float64   `db:"protein" json:"protein"`
	Carbohydrates float64   `db:"carbohydrates" json:"carbohydrates"`
	Fat           float64   `db:"fat" json:"fat"`
	ServingSize   float64   `db:"serving_size" json:"servingSize"`
	ServingUnit   string    `db:"serving_unit" json:"servingUnit,omitempty"`
	MealType      MealType  `db:"meal_type" json:"mealType"`
	ConsumedAt    time.Time `db:"consumed_at" json:"consumedAt"`
}

// TableName returns the table name for FoodEntry.
func (FoodEntry) TableName() string {
	return "food_entries"
}

// Kind implements Record.
func (f *FoodEntry) Kind() Kind {
	return KindFoodEntry
}

// Clone implements Record.
func (f *FoodEntry) Clone() Record {
	c := *f
	return &c
}

// NewFoodEntry creates a pending food entry stamped at now.
func NewFoodEntry(ownerID, name string, calories float64, now time.Time) *FoodEntry {
	f := &FoodEntry{
		SyncMeta:   SyncMeta{ID: NewID(), OwnerID: ownerID},
		Name:       name,
		Calories:   calories,
		MealType:   MealSnack,
		ConsumedAt: Timestamp(now),
	}
	Touch(f, now)
	return f
}
