// Package db provides CRUD repository operations for NutriLog data models.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

// Repository provides CRUD operations for all syncable models.
type Repository struct {
	db *sql.DB

	// Prepared statements are cached per query string on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func localErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrLocalStore, op, err)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// =====================================================
// Column Lists
// =====================================================

const (
	foodColumns = `id, owner_id, last_modified, sync_status, name, brand, calories, protein,
		carbohydrates, fat, serving_size, serving_unit, meal_type, consumed_at`
	exerciseColumns = `id, owner_id, last_modified, sync_status, name, duration_minutes,
		calories_burned, intensity, performed_at`
	mealColumns = `id, owner_id, last_modified, sync_status, name, items`
	logColumns  = `id, owner_id, last_modified, sync_status, log_date, calorie_goal`
)

func scanFood(s rowScanner) (*models.FoodEntry, error) {
	var f models.FoodEntry
	var modified, consumed int64
	var status, meal string
	err := s.Scan(&f.ID, &f.OwnerID, &modified, &status, &f.Name, &f.Brand, &f.Calories,
		&f.Protein, &f.Carbohydrates, &f.Fat, &f.ServingSize, &f.ServingUnit, &meal, &consumed)
	if err != nil {
		return nil, err
	}
	f.LastModified = fromMillis(modified)
	f.SyncStatus = models.SyncStatus(status)
	f.MealType = models.MealType(meal)
	f.ConsumedAt = fromMillis(consumed)
	return &f, nil
}

func scanExercise(s rowScanner) (*models.ExerciseEntry, error) {
	var e models.ExerciseEntry
	var modified, performed int64
	var status string
	err := s.Scan(&e.ID, &e.OwnerID, &modified, &status, &e.Name, &e.DurationMinutes,
		&e.CaloriesBurned, &e.Intensity, &performed)
	if err != nil {
		return nil, err
	}
	e.LastModified = fromMillis(modified)
	e.SyncStatus = models.SyncStatus(status)
	e.PerformedAt = fromMillis(performed)
	return &e, nil
}

func scanMeal(s rowScanner) (*models.CustomMeal, error) {
	var m models.CustomMeal
	var modified int64
	var status, items string
	if err := s.Scan(&m.ID, &m.OwnerID, &modified, &status, &m.Name, &items); err != nil {
		return nil, err
	}
	m.LastModified = fromMillis(modified)
	m.SyncStatus = models.SyncStatus(status)
	if items != "" {
		if err := json.Unmarshal([]byte(items), &m.Items); err != nil {
			return nil, fmt.Errorf("decode meal items: %w", err)
		}
	}
	return &m, nil
}

func scanLog(s rowScanner) (*models.DailyLog, error) {
	var l models.DailyLog
	var modified int64
	var status, date string
	if err := s.Scan(&l.ID, &l.OwnerID, &modified, &status, &date, &l.CalorieGoal); err != nil {
		return nil, err
	}
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("decode log date %q: %w", date, err)
	}
	l.Date = day
	l.LastModified = fromMillis(modified)
	l.SyncStatus = models.SyncStatus(status)
	return &l, nil
}

// =====================================================
// Fetch Operations
// =====================================================

// Fetch returns the record of kind with id, or nil if absent.
func (r *Repository) Fetch(ctx context.Context, kind models.Kind, id string) (models.Record, error) {
	var (
		query string
		rec   models.Record
		err   error
	)
	switch kind {
	case models.KindFoodEntry:
		query = "SELECT " + foodColumns + " FROM food_entries WHERE id = ?"
	case models.KindExerciseEntry:
		query = "SELECT " + exerciseColumns + " FROM exercise_entries WHERE id = ?"
	case models.KindCustomMeal:
		query = "SELECT " + mealColumns + " FROM custom_meals WHERE id = ?"
	case models.KindDailyLog:
		query = "SELECT " + logColumns + " FROM daily_logs WHERE id = ?"
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown kind %q", kind)
	}

	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, localErr("prepare fetch", err)
	}
	row := stmt.QueryRowContext(ctx, id)

	switch kind {
	case models.KindFoodEntry:
		rec, err = scanFood(row)
	case models.KindExerciseEntry:
		rec, err = scanExercise(row)
	case models.KindCustomMeal:
		rec, err = scanMeal(row)
	case models.KindDailyLog:
		var l *models.DailyLog
		if l, err = scanLog(row); err == nil {
			err = r.loadChildren(ctx, l)
			rec = l
		}
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, localErr(fmt.Sprintf("fetch %s %s", kind, id), err)
	}
	return rec, nil
}

// FetchAll returns every record of kind.
func (r *Repository) FetchAll(ctx context.Context, kind models.Kind) ([]models.Record, error) {
	var query string
	switch kind {
	case models.KindFoodEntry:
		query = "SELECT " + foodColumns + " FROM food_entries ORDER BY last_modified, id"
	case models.KindExerciseEntry:
		query = "SELECT " + exerciseColumns + " FROM exercise_entries ORDER BY last_modified, id"
	case models.KindCustomMeal:
		query = "SELECT " + mealColumns + " FROM custom_meals ORDER BY last_modified, id"
	case models.KindDailyLog:
		query = "SELECT " + logColumns + " FROM daily_logs ORDER BY log_date, id"
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown kind %q", kind)
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, localErr("fetch all "+string(kind), err)
	}
	var out []models.Record
	var logs []*models.DailyLog
	for rows.Next() {
		var rec models.Record
		switch kind {
		case models.KindFoodEntry:
			rec, err = scanFood(rows)
		case models.KindExerciseEntry:
			rec, err = scanExercise(rows)
		case models.KindCustomMeal:
			rec, err = scanMeal(rows)
		case models.KindDailyLog:
			var l *models.DailyLog
			l, err = scanLog(rows)
			logs = append(logs, l)
			rec = l
		}
		if err != nil {
			rows.Close()
			return nil, localErr("scan "+string(kind), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, localErr("iterate "+string(kind), err)
	}
	rows.Close()

	// Children load after the cursor is closed; the pool has one connection.
	for _, l := range logs {
		if err := r.loadChildren(ctx, l); err != nil {
			return nil, localErr("load log children", err)
		}
	}
	return out, nil
}

// FetchLogsByDate returns the logs for date's calendar day.
func (r *Repository) FetchLogsByDate(ctx context.Context, date time.Time) ([]*models.DailyLog, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+logColumns+" FROM daily_logs WHERE log_date = ? ORDER BY id",
		models.DayStart(date).Format(models.DateLayout))
	if err != nil {
		return nil, localErr("fetch logs by date", err)
	}
	var logs []*models.DailyLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			rows.Close()
			return nil, localErr("scan daily log", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, localErr("iterate daily logs", err)
	}
	rows.Close()

	for _, l := range logs {
		if err := r.loadChildren(ctx, l); err != nil {
			return nil, localErr("load log children", err)
		}
	}
	return logs, nil
}

func (r *Repository) loadChildren(ctx context.Context, l *models.DailyLog) error {
	l.FoodItems = nil
	l.ExerciseItems = nil

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+foodColumns+" FROM food_entries WHERE daily_log_id = ? ORDER BY log_position, id", l.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		f, err := scanFood(rows)
		if err != nil {
			rows.Close()
			return err
		}
		l.AddFood(f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx,
		"SELECT "+exerciseColumns+" FROM exercise_entries WHERE daily_log_id = ? ORDER BY log_position, id", l.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanExercise(rows)
		if err != nil {
			return err
		}
		l.AddExercise(e)
	}
	return rows.Err()
}

// =====================================================
// Save Operations
// =====================================================

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const upsertFood = `
INSERT INTO food_entries (id, owner_id, last_modified, sync_status, name, brand, calories, protein,
	carbohydrates, fat, serving_size, serving_unit, meal_type, consumed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id, last_modified = excluded.last_modified,
	sync_status = excluded.sync_status, name = excluded.name, brand = excluded.brand,
	calories = excluded.calories, protein = excluded.protein,
	carbohydrates = excluded.carbohydrates, fat = excluded.fat,
	serving_size = excluded.serving_size, serving_unit = excluded.serving_unit,
	meal_type = excluded.meal_type, consumed_at = excluded.consumed_at`

const upsertExercise = `
INSERT INTO exercise_entries (id, owner_id, last_modified, sync_status, name, duration_minutes,
	calories_burned, intensity, performed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id, last_modified = excluded.last_modified,
	sync_status = excluded.sync_status, name = excluded.name,
	duration_minutes = excluded.duration_minutes, calories_burned = excluded.calories_burned,
	intensity = excluded.intensity, performed_at = excluded.performed_at`

// Children saved through a log never overwrite a newer stored copy.
const childGuard = ` WHERE excluded.last_modified >= %s.last_modified`

func saveFood(ctx context.Context, ex execer, f *models.FoodEntry, guarded bool) error {
	query := upsertFood
	if guarded {
		query += fmt.Sprintf(childGuard, "food_entries")
	}
	_, err := ex.ExecContext(ctx, query, f.ID, f.OwnerID, toMillis(f.LastModified), string(f.SyncStatus),
		f.Name, f.Brand, f.Calories, f.Protein, f.Carbohydrates, f.Fat, f.ServingSize,
		f.ServingUnit, string(f.MealType), toMillis(f.ConsumedAt))
	return err
}

func saveExercise(ctx context.Context, ex execer, e *models.ExerciseEntry, guarded bool) error {
	query := upsertExercise
	if guarded {
		query += fmt.Sprintf(childGuard, "exercise_entries")
	}
	_, err := ex.ExecContext(ctx, query, e.ID, e.OwnerID, toMillis(e.LastModified), string(e.SyncStatus),
		e.Name, e.DurationMinutes, e.CaloriesBurned, e.Intensity, toMillis(e.PerformedAt))
	return err
}

// Save inserts or replaces r.
func (r *Repository) Save(ctx context.Context, rec models.Record) error {
	if rec == nil || rec.Meta().ID == "" {
		return apperrors.New(apperrors.ErrValidation, "record id is required")
	}
	if rec.Meta().SyncStatus == "" {
		rec.Meta().SyncStatus = models.SyncStatusPendingUpload
	}

	var err error
	switch v := rec.(type) {
	case *models.FoodEntry:
		err = saveFood(ctx, r.db, v, false)
	case *models.ExerciseEntry:
		err = saveExercise(ctx, r.db, v, false)
	case *models.CustomMeal:
		err = r.saveMeal(ctx, v)
	case *models.DailyLog:
		err = r.saveLog(ctx, v)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unsupported record %T", rec)
	}
	if err != nil {
		return localErr(fmt.Sprintf("save %s %s", rec.Kind(), rec.Meta().ID), err)
	}
	return nil
}

func (r *Repository) saveMeal(ctx context.Context, m *models.CustomMeal) error {
	items := m.Items
	if items == nil {
		items = []models.MealItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode meal items: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO custom_meals (id, owner_id, last_modified, sync_status, name, items)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id, last_modified = excluded.last_modified,
		sync_status = excluded.sync_status, name = excluded.name, items = excluded.items`,
		m.ID, m.OwnerID, toMillis(m.LastModified), string(m.SyncStatus), m.Name, string(data))
	return err
}

func (r *Repository) saveLog(ctx context.Context, l *models.DailyLog) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO daily_logs (id, owner_id, last_modified, sync_status, log_date, calorie_goal)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id, last_modified = excluded.last_modified,
		sync_status = excluded.sync_status, log_date = excluded.log_date,
		calorie_goal = excluded.calorie_goal`,
		l.ID, l.OwnerID, toMillis(l.LastModified), string(l.SyncStatus),
		l.DateKey(), l.CalorieGoal)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE food_entries SET daily_log_id = NULL WHERE daily_log_id = ?", l.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE exercise_entries SET daily_log_id = NULL WHERE daily_log_id = ?", l.ID); err != nil {
		return err
	}

	for i, f := range l.FoodItems {
		if err := saveFood(ctx, tx, f, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE food_entries SET daily_log_id = ?, log_position = ? WHERE id = ?", l.ID, i, f.ID); err != nil {
			return err
		}
	}
	for i, e := range l.ExerciseItems {
		if err := saveExercise(ctx, tx, e, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE exercise_entries SET daily_log_id = ?, log_position = ? WHERE id = ?", l.ID, i, e.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// =====================================================
// Delete Operations
// =====================================================

// Delete removes the record of kind with id. Deleting a daily log detaches
// its children; they live on independently.
func (r *Repository) Delete(ctx context.Context, kind models.Kind, id string) error {
	var err error
	switch kind {
	case models.KindFoodEntry:
		_, err = r.db.ExecContext(ctx, "DELETE FROM food_entries WHERE id = ?", id)
	case models.KindExerciseEntry:
		_, err = r.db.ExecContext(ctx, "DELETE FROM exercise_entries WHERE id = ?", id)
	case models.KindCustomMeal:
		_, err = r.db.ExecContext(ctx, "DELETE FROM custom_meals WHERE id = ?", id)
	case models.KindDailyLog:
		err = r.deleteLog(ctx, id)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown kind %q", kind)
	}
	if err != nil {
		return localErr(fmt.Sprintf("delete %s %s", kind, id), err)
	}
	return nil
}

func (r *Repository) deleteLog(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE food_entries SET daily_log_id = NULL WHERE daily_log_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE exercise_entries SET daily_log_id = NULL WHERE daily_log_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM daily_logs WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// CountPending returns how many records of kind await upload.
func (r *Repository) CountPending(ctx context.Context, kind models.Kind) (int, error) {
	var table string
	switch kind {
	case models.KindFoodEntry:
		table = "food_entries"
	case models.KindExerciseEntry:
		table = "exercise_entries"
	case models.KindCustomMeal:
		table = "custom_meals"
	case models.KindDailyLog:
		table = "daily_logs"
	default:
		return 0, apperrors.Newf(apperrors.ErrInvalid, "unknown kind %q", kind)
	}
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE sync_status = ?", string(models.SyncStatusPendingUpload)).Scan(&n)
	if err != nil {
		return 0, localErr("count pending", err)
	}
	return n, nil
}
