package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

// Document is the wire form of a record in the remote store.
type Document map[string]interface{}

// Wire field names.
const (
	FieldID              = "id"
	FieldOwnerID         = "ownerId"
	FieldLastModified    = "lastModified"
	FieldSyncStatus      = "syncStatus"
	FieldFoodItemIDs     = "foodItemIds"
	FieldExerciseItemIDs = "exerciseItemIds"
)

// ChildRefs are the child ids a DailyLog document points at.
type ChildRefs struct {
	FoodIDs     []string
	ExerciseIDs []string
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(Document(t).Clone())
	case Document:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ID returns the document id field.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Encode converts r into its wire document.
func Encode(r Record) Document {
	m := r.Meta()
	doc := Document{
		FieldID:           m.ID,
		FieldOwnerID:      m.OwnerID,
		FieldLastModified: Timestamp(m.LastModified),
		FieldSyncStatus:   string(m.SyncStatus),
	}

	switch v := r.(type) {
	case *FoodEntry:
		doc["name"] = v.Name
		doc["brand"] = v.Brand
		doc["calories"] = v.Calories
		doc["protein"] = v.Protein
		doc["carbohydrates"] = v.Carbohydrates
		doc["fat"] = v.Fat
		doc["servingSize"] = v.ServingSize
		doc["servingUnit"] = v.ServingUnit
		doc["mealType"] = string(v.MealType)
		doc["consumedAt"] = Timestamp(v.ConsumedAt)
	case *ExerciseEntry:
		doc["name"] = v.Name
		doc["durationMinutes"] = int64(v.DurationMinutes)
		doc["caloriesBurned"] = v.CaloriesBurned
		doc["intensity"] = v.Intensity
		doc["performedAt"] = Timestamp(v.PerformedAt)
	case *CustomMeal:
		items := make([]interface{}, 0, len(v.Items))
		for _, it := range v.Items {
			items = append(items, map[string]interface{}{
				"name":          it.Name,
				"calories":      it.Calories,
				"protein":       it.Protein,
				"carbohydrates": it.Carbohydrates,
				"fat":           it.Fat,
				"quantity":      it.Quantity,
			})
		}
		doc["name"] = v.Name
		doc["items"] = items
	case *DailyLog:
		doc["date"] = v.DateKey()
		doc["calorieGoal"] = v.CalorieGoal
		doc[FieldFoodItemIDs] = v.FoodItemIDs()
		doc[FieldExerciseItemIDs] = v.ExerciseItemIDs()
	}
	return doc
}

// Decode converts a wire document into a record of the given kind. A
// DailyLog is returned without children; use DecodeChildRefs to resolve them.
func Decode(kind Kind, doc Document) (Record, error) {
	if doc == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "document is nil")
	}
	id, err := doc.str(FieldID, true)
	if err != nil {
		return nil, err
	}
	owner, err := doc.str(FieldOwnerID, false)
	if err != nil {
		return nil, err
	}
	modified, err := doc.time(FieldLastModified, true)
	if err != nil {
		return nil, err
	}
	status, _ := doc.str(FieldSyncStatus, false)
	meta := SyncMeta{ID: id, OwnerID: owner, LastModified: modified, SyncStatus: SyncStatus(status)}
	if meta.SyncStatus == "" {
		meta.SyncStatus = SyncStatusSynced
	}

	var r Record
	switch kind {
	case KindFoodEntry:
		f := &FoodEntry{SyncMeta: meta}
		f.Name, _ = doc.str("name", false)
		f.Brand, _ = doc.str("brand", false)
		f.ServingUnit, _ = doc.str("servingUnit", false)
		mt, _ := doc.str("mealType", false)
		f.MealType = MealType(mt)
		if f.Calories, err = doc.float("calories"); err != nil {
			return nil, err
		}
		if f.Protein, err = doc.float("protein"); err != nil {
			return nil, err
		}
		if f.Carbohydrates, err = doc.float("carbohydrates"); err != nil {
			return nil, err
		}
		if f.Fat, err = doc.float("fat"); err != nil {
			return nil, err
		}
		if f.ServingSize, err = doc.float("servingSize"); err != nil {
			return nil, err
		}
		if f.ConsumedAt, err = doc.time("consumedAt", false); err != nil {
			return nil, err
		}
		r = f
	case KindExerciseEntry:
		e := &ExerciseEntry{SyncMeta: meta}
		e.Name, _ = doc.str("name", false)
		e.Intensity, _ = doc.str("intensity", false)
		minutes, err := doc.float("durationMinutes")
		if err != nil {
			return nil, err
		}
		e.DurationMinutes = int(math.Round(minutes))
		if e.CaloriesBurned, err = doc.float("caloriesBurned"); err != nil {
			return nil, err
		}
		if e.PerformedAt, err = doc.time("performedAt", false); err != nil {
			return nil, err
		}
		r = e
	case KindCustomMeal:
		m := &CustomMeal{SyncMeta: meta}
		m.Name, _ = doc.str("name", false)
		items, err := decodeMealItems(doc["items"])
		if err != nil {
			return nil, err
		}
		m.Items = items
		r = m
	case KindDailyLog:
		l := &DailyLog{SyncMeta: meta}
		dateStr, err := doc.str("date", true)
		if err != nil {
			return nil, err
		}
		day, perr := time.Parse(DateLayout, dateStr)
		if perr != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "malformed date", perr)
		}
		l.Date = day
		if l.CalorieGoal, err = doc.float("calorieGoal"); err != nil {
			return nil, err
		}
		r = l
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown kind %q", kind)
	}
	return r, nil
}

// DecodeChildRefs extracts the child ids of a DailyLog document.
func DecodeChildRefs(doc Document) (ChildRefs, error) {
	food, err := stringSlice(doc[FieldFoodItemIDs])
	if err != nil {
		return ChildRefs{}, err
	}
	exercise, err := stringSlice(doc[FieldExerciseItemIDs])
	if err != nil {
		return ChildRefs{}, err
	}
	return ChildRefs{FoodIDs: food, ExerciseIDs: exercise}, nil
}

func (d Document) str(field string, required bool) (string, error) {
	v, ok := d[field]
	if !ok || v == nil {
		if required {
			return "", apperrors.Newf(apperrors.ErrValidation, "missing field %q", field)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", apperrors.Newf(apperrors.ErrValidation, "field %q is %T, want string", field, v)
	}
	if required && s == "" {
		return "", apperrors.Newf(apperrors.ErrValidation, "field %q is empty", field)
	}
	return s, nil
}

func (d Document) float(field string) (float64, error) {
	v, ok := d[field]
	if !ok || v == nil {
		return 0, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("field %q", field), err)
	}
	return f, nil
}

func (d Document) time(field string, required bool) (time.Time, error) {
	v, ok := d[field]
	if !ok || v == nil {
		if required {
			return time.Time{}, apperrors.Newf(apperrors.ErrValidation, "missing field %q", field)
		}
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case time.Time:
		return Timestamp(t), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("field %q", field), err)
		}
		return Timestamp(parsed), nil
	default:
		ms, err := toFloat(v)
		if err != nil {
			return time.Time{}, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("field %q", field), err)
		}
		return Timestamp(time.UnixMilli(int64(ms))), nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

func stringSlice(v interface{}) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), s...), nil
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, apperrors.Newf(apperrors.ErrValidation, "child id is %T, want string", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "child ids are %T, want list", v)
	}
}

func decodeMealItems(v interface{}) ([]MealItem, error) {
	raw, ok := v.([]interface{})
	if v == nil {
		return nil, nil
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrValidation, "items are %T, want list", v)
	}
	items := make([]MealItem, 0, len(raw))
	for _, entry := range raw {
		var m Document
		switch e := entry.(type) {
		case map[string]interface{}:
			m = Document(e)
		case Document:
			m = e
		default:
			return nil, apperrors.Newf(apperrors.ErrValidation, "meal item is %T", entry)
		}
		var it MealItem
		var err error
		it.Name, _ = m.str("name", false)
		if it.Calories, err = m.float("calories"); err != nil {
			return nil, err
		}
		if it.Protein, err = m.float("protein"); err != nil {
			return nil, err
		}
		if it.Carbohydrates, err = m.float("carbohydrates"); err != nil {
			return nil, err
		}
		if it.Fat, err = m.float("fat"); err != nil {
			return nil, err
		}
		if it.Quantity, err = m.float("quantity"); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}
