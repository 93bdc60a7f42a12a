// Package db provides repository interfaces for NutriLog data models.
package db

import (
	"context"
	"time"

	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

// RecordRepository is typed CRUD over every syncable kind.
type RecordRepository interface {
	// Fetch returns the record, or nil when it does not exist.
	Fetch(ctx context.Context, kind models.Kind, id string) (models.Record, error)

	// FetchAll returns every record of kind. Daily logs come with children.
	FetchAll(ctx context.Context, kind models.Kind) ([]models.Record, error)

	// FetchLogsByDate returns the daily logs keyed to date's calendar day.
	FetchLogsByDate(ctx context.Context, date time.Time) ([]*models.DailyLog, error)

	// Save inserts or replaces a record. Saving a daily log also saves its
	// children and re-points their log association.
	Save(ctx context.Context, r models.Record) error

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, kind models.Kind, id string) error
}

// Ensure *Repository implements the interfaces at compile time.
var _ RecordRepository = (*Repository)(nil)
