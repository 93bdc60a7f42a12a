package models

// MealItem is one component of a saved custom meal.
type MealItem struct {
	Name          string  `json:"name"`
	Calories      float64 `json:"calories"`
	Protein       float64 `json:"protein"`
	Carbohydrates float64 `json:"carbohydrates"`
	Fat           float64 `json:"fat"`
	Quantity      float64 `json:"quantity"`
}

// CustomMeal is a reusable meal template. It is not dated, so retention
// never ages it out.
type CustomMeal struct {
	SyncMeta
	Name  string     `db:"name" json:"name"`
	Items []MealItem `db:"items" json:"items"`
}

// TableName returns the table name for CustomMeal.
func (CustomMeal) TableName() string {
	return "custom_meals"
}

// Kind implements Record.
func (m *CustomMeal) Kind() Kind {
	return KindCustomMeal
}

// Clone implements Record.
func (m *CustomMeal) Clone() Record {
	c := *m
	c.Items = append([]MealItem(nil), m.Items...)
	return &c
}

// TotalCalories sums the meal's items, scaled by quantity.
func (m *CustomMeal) TotalCalories() float64 {
	var total float64
	for _, it := range m.Items {
		q := it.Quantity
		if q == 0 {
			q = 1
		}
		total += it.Calories * q
	}
	return total
}
