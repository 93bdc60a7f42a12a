// Package conflict provides conflict resolution for multi-device synchronization.
// Scalar records use last-write-wins with deletion-wins; daily logs are merged.
package conflict

import (
	"time"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

// Resolution names the rule that decided a conflict.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionDeleteWins Resolution = "delete_wins"
	ResolutionMerged     Resolution = "merged"
)

// Side identifies where the winning version came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Version is one side of a conflict. A deleted version may carry a nil
// Record when only the id of the deletion is known.
type Version struct {
	Record  models.Record
	Deleted bool
}

// Present wraps a live record.
func Present(r models.Record) Version {
	return Version{Record: r}
}

// Removed wraps a deletion of r.
func Removed(r models.Record) Version {
	return Version{Record: r, Deleted: true}
}

func (v Version) valid() bool {
	return v.Deleted || v.Record != nil
}

func (v Version) lastModified() time.Time {
	if v.Record == nil {
		return time.Time{}
	}
	return v.Record.Meta().LastModified
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner      Version
	Loser       Version
	Side        Side
	Resolution  Resolution
	ConflictLog *models.ConflictLog
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	now func() time.Time
	log *logging.Logger
}

// NewResolver creates a Resolver. now stamps merged aggregates; nil means
// time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now, log: logging.Get().Component("conflict")}
}

// Resolve picks the authoritative version of one record. A deletion on
// either side always wins; otherwise the strictly newer lastModified wins
// and an exact tie goes to cloud.
func (r *Resolver) Resolve(local, cloud Version) (*ResolveResult, error) {
	if !local.valid() || !cloud.valid() {
		return nil, ErrInvalidConflict
	}
	if local.Record != nil && cloud.Record != nil {
		if local.Record.Meta().ID != cloud.Record.Meta().ID {
			return nil, ErrItemIDMismatch
		}
		if local.Record.Kind() != cloud.Record.Kind() {
			return nil, ErrKindMismatch
		}
	}

	res := &ResolveResult{}
	switch {
	case cloud.Deleted:
		res.Winner, res.Loser, res.Side, res.Resolution = cloud, local, SideRemote, ResolutionDeleteWins
	case local.Deleted:
		res.Winner, res.Loser, res.Side, res.Resolution = local, cloud, SideLocal, ResolutionDeleteWins
	case local.lastModified().After(cloud.lastModified()):
		res.Winner, res.Loser, res.Side, res.Resolution = local, cloud, SideLocal, ResolutionLocalWins
	default:
		res.Winner, res.Loser, res.Side, res.Resolution = cloud, local, SideRemote, ResolutionRemoteWins
	}
	res.ConflictLog = r.conflictLog(local, cloud, res.Resolution)

	metrics.IncConflict(string(res.Resolution))
	r.log.Debug("conflict resolved", logging.Fields{
		"entity_id":        res.ConflictLog.EntityID,
		"winner_side":      string(res.Side),
		"resolution":       string(res.Resolution),
		"local_timestamp":  res.ConflictLog.LocalTimestamp,
		"remote_timestamp": res.ConflictLog.RemoteTimestamp,
	})
	return res, nil
}

// ResolveRecords is Resolve for two live records. It returns the winner.
func (r *Resolver) ResolveRecords(local, cloud models.Record) (models.Record, Side, error) {
	res, err := r.Resolve(Present(local), Present(cloud))
	if err != nil {
		return nil, "", err
	}
	return res.Winner.Record, res.Side, nil
}

func (r *Resolver) conflictLog(local, cloud Version, resolution Resolution) *models.ConflictLog {
	entry := &models.ConflictLog{
		LocalTimestamp:  local.lastModified(),
		RemoteTimestamp: cloud.lastModified(),
		Resolution:      string(resolution),
		DetectedAt:      models.Timestamp(r.now()),
	}
	for _, v := range []Version{local, cloud} {
		if v.Record != nil {
			entry.EntityID = v.Record.Meta().ID
			entry.EntityKind = v.Record.Kind()
			break
		}
	}
	return entry
}

// MergeAggregate combines two versions of a daily log. Children are the
// union of both sides by id; a child present on both sides follows
// last-write-wins. The goal follows last-write-wins at the log level. The
// result is stamped now and pending upload so it propagates back out. The
// inputs are not modified.
func (r *Resolver) MergeAggregate(local, cloud *models.DailyLog) (*models.DailyLog, error) {
	if local == nil || cloud == nil {
		return nil, ErrInvalidConflict
	}

	newer := cloud
	if local.LastModified.After(cloud.LastModified) {
		newer = local
	}

	merged := &models.DailyLog{
		SyncMeta: models.SyncMeta{
			ID:      CanonicalID(local.ID, cloud.ID),
			OwnerID: newer.OwnerID,
		},
		Date:        newer.Date,
		CalorieGoal: newer.CalorieGoal,
	}
	if merged.OwnerID == "" {
		merged.OwnerID = firstNonEmpty(local.OwnerID, cloud.OwnerID)
	}

	for _, f := range cloud.FoodItems {
		merged.AddFood(newerFood(f, findFood(local, f.ID)).Clone().(*models.FoodEntry))
	}
	for _, f := range local.FoodItems {
		merged.AddFood(f.Clone().(*models.FoodEntry))
	}
	for _, e := range cloud.ExerciseItems {
		merged.AddExercise(newerExercise(e, findExercise(local, e.ID)).Clone().(*models.ExerciseEntry))
	}
	for _, e := range local.ExerciseItems {
		merged.AddExercise(e.Clone().(*models.ExerciseEntry))
	}

	models.Touch(merged, r.now())
	metrics.IncConflict(string(ResolutionMerged))
	r.log.Debug("daily log merged", logging.Fields{
		"log_id":         merged.ID,
		"date":           merged.DateKey(),
		"local_items":    len(local.FoodItems) + len(local.ExerciseItems),
		"cloud_items":    len(cloud.FoodItems) + len(cloud.ExerciseItems),
		"merged_items":   len(merged.FoodItems) + len(merged.ExerciseItems),
		"total_calories": merged.TotalCalories(),
	})
	return merged, nil
}

// ApplyTo copies a merged log into the persisted instance target, replacing
// its fields and child references.
func ApplyTo(target, merged *models.DailyLog) {
	if target == nil || merged == nil {
		return
	}
	target.SyncMeta = merged.SyncMeta
	target.Date = merged.Date
	target.CalorieGoal = merged.CalorieGoal
	target.FoodItems = target.FoodItems[:0]
	for _, f := range merged.FoodItems {
		target.AddFood(f.Clone().(*models.FoodEntry))
	}
	target.ExerciseItems = target.ExerciseItems[:0]
	for _, e := range merged.ExerciseItems {
		target.AddExercise(e.Clone().(*models.ExerciseEntry))
	}
}

// SameContent reports whether two logs agree on everything a merge can
// change: id, date, goal and the set of child ids.
func SameContent(a, b *models.DailyLog) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.DateKey() == b.DateKey() &&
		a.CalorieGoal == b.CalorieGoal &&
		sameSet(a.FoodItemIDs(), b.FoodItemIDs()) &&
		sameSet(a.ExerciseItemIDs(), b.ExerciseItemIDs())
}

// CanonicalID picks the id two devices agree on when each created its own
// log for the same day: the lexically smallest non-empty id.
func CanonicalID(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case b < a:
		return b
	default:
		return a
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
	}
	return true
}

func findFood(l *models.DailyLog, id string) *models.FoodEntry {
	for _, f := range l.FoodItems {
		if f.ID == id {
			return f
		}
	}
	return nil
}

func findExercise(l *models.DailyLog, id string) *models.ExerciseEntry {
	for _, e := range l.ExerciseItems {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func newerFood(cloud, local *models.FoodEntry) *models.FoodEntry {
	if local != nil && local.LastModified.After(cloud.LastModified) {
		return local
	}
	return cloud
}

func newerExercise(cloud, local *models.ExerciseEntry) *models.ExerciseEntry {
	if local != nil && local.LastModified.After(cloud.LastModified) {
		return local
	}
	return cloud
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Errors
var (
	ErrInvalidConflict = apperrors.New(apperrors.ErrValidation, "invalid conflict: both versions are required")
	ErrItemIDMismatch  = apperrors.New(apperrors.ErrValidation, "record id mismatch")
	ErrKindMismatch    = apperrors.New(apperrors.ErrValidation, "record kind mismatch")
)
