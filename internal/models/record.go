// Package models provides data model definitions for the NutriLog sync core.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

// Kind identifies a syncable entity type.
type Kind string

const (
	KindFoodEntry     Kind = "food_entry"
	KindExerciseEntry Kind = "exercise_entry"
	KindCustomMeal    Kind = "custom_meal"
	KindDailyLog      Kind = "daily_log"
)

// AllKinds lists every syncable kind. Children come before the aggregate
// that references them so uploads and downloads can re-associate by id.
var AllKinds = []Kind{KindFoodEntry, KindExerciseEntry, KindCustomMeal, KindDailyLog}

// Collection returns the remote collection name for the kind.
func (k Kind) Collection() string {
	switch k {
	case KindFoodEntry:
		return "foodEntries"
	case KindExerciseEntry:
		return "exerciseEntries"
	case KindCustomMeal:
		return "customMeals"
	case KindDailyLog:
		return "dailyLogs"
	default:
		return ""
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k.Collection() != ""
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown entity kind %q", s)
	}
	return k, nil
}

// SyncStatus is the per-record sync flag.
type SyncStatus string

const (
	SyncStatusPendingUpload SyncStatus = "pending_upload"
	SyncStatusSynced        SyncStatus = "synced"
)

// SyncMeta carries the fields every syncable record shares.
type SyncMeta struct {
	ID           string     `db:"id" json:"id"`
	OwnerID      string     `db:"owner_id" json:"ownerId"`
	LastModified time.Time  `db:"last_modified" json:"lastModified"`
	SyncStatus   SyncStatus `db:"sync_status" json:"syncStatus"`
}

// Meta returns the shared sync fields.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Record is implemented by every syncable entity.
type Record interface {
	Meta() *SyncMeta
	Kind() Kind
	// Clone returns a deep copy so callers can mutate without aliasing.
	Clone() Record
}

// NewID generates a globally unique record id.
func NewID() string {
	return uuid.New().String()
}

// Timestamp normalizes t to UTC millisecond precision, the resolution every
// store round-trips losslessly.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Touch records a local mutation: the record becomes pending upload.
func Touch(r Record, now time.Time) {
	m := r.Meta()
	m.LastModified = Timestamp(now)
	m.SyncStatus = SyncStatusPendingUpload
}

// MarkSynced records a confirmed remote write.
func MarkSynced(r Record) {
	r.Meta().SyncStatus = SyncStatusSynced
}

// ValidateOwner checks that r may be uploaded on behalf of userID.
func ValidateOwner(r Record, userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrValidation, "user id is required")
	}
	if r == nil {
		return apperrors.New(apperrors.ErrValidation, "record is nil")
	}
	m := r.Meta()
	if m.ID == "" {
		return apperrors.New(apperrors.ErrValidation, "record id is required")
	}
	if m.OwnerID == "" {
		return apperrors.Newf(apperrors.ErrValidation, "%s %s has no owner", r.Kind(), m.ID)
	}
	if m.OwnerID != userID {
		return apperrors.Newf(apperrors.ErrValidation,
			"%s %s is owned by %s, not %s", r.Kind(), m.ID, m.OwnerID, userID)
	}
	return nil
}

// New returns an empty record of the given kind.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindFoodEntry:
		return &FoodEntry{}, nil
	case KindExerciseEntry:
		return &ExerciseEntry{}, nil
	case KindCustomMeal:
		return &CustomMeal{}, nil
	case KindDailyLog:
		return &DailyLog{}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}
