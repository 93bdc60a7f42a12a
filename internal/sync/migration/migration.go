// Package migration uploads a user's pre-existing local data to the cloud
// once, resuming across restarts from a persisted per-user state.
package migration

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/looplab/fsm"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/kvstore"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retry"
)

// Migration states.
const (
	StateNotStarted = "not_started"
	StateInProgress = "in_progress"
	// StatePartial means the last pass left failures behind for a retry.
	StatePartial   = "partial"
	StateCompleted = "completed"
	StateExhausted = "exhausted"
)

// Migration events.
const (
	EventStart    = "start"
	EventComplete = "complete"
	EventPartial  = "partial"
	EventExhaust  = "exhaust"
)

const (
	stateKeyPrefix = "migration.state."
	doneKeyPrefix  = "migration.done."

	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 2 * time.Second
)

// StateKey returns the kv key holding userID's progress.
func StateKey(userID string) string {
	return stateKeyPrefix + userID
}

func doneKey(userID string) string {
	return doneKeyPrefix + userID
}

// LocalStore is the slice of the local store a migration reads and writes.
type LocalStore interface {
	FetchAll(ctx context.Context, kind models.Kind) ([]models.Record, error)
	Save(ctx context.Context, r models.Record) error
}

// Uploader writes one record to the remote store.
type Uploader interface {
	PushRecord(ctx context.Context, r models.Record, userID string) error
}

// ProgressFunc observes each processed entity.
type ProgressFunc func(kind models.Kind, id string, err error)

// Config tunes the coordinator.
type Config struct {
	MaxAttempts int
	// InitialDelay is the wait before the second pass; it doubles per pass.
	InitialDelay time.Duration
}

// DefaultConfig returns 5 attempts with a 2s base, so retries wait
// 2, 4, 8, 16 seconds.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, InitialDelay: DefaultInitialDelay}
}

// Result reports per-kind counts of one pass.
type Result struct {
	Attempt  int
	Migrated map[models.Kind]int
	Skipped  map[models.Kind]int
	Failed   map[models.Kind]int
}

func newResult(attempt int) *Result {
	return &Result{
		Attempt:  attempt,
		Migrated: make(map[models.Kind]int),
		Skipped:  make(map[models.Kind]int),
		Failed:   make(map[models.Kind]int),
	}
}

// TotalMigrated sums Migrated over kinds.
func (r *Result) TotalMigrated() int { return sum(r.Migrated) }

// TotalFailed sums Failed over kinds.
func (r *Result) TotalFailed() int { return sum(r.Failed) }

// TotalSkipped sums Skipped over kinds.
func (r *Result) TotalSkipped() int { return sum(r.Skipped) }

func sum(m map[models.Kind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

// Status is the externally visible progress for one user.
type Status struct {
	State           string
	AttemptCount    int
	LastAttemptDate time.Time
	Migrated        map[models.Kind]int
	FailedCount     int
}

// Coordinator runs migrations. Passes for the same user are serialized.
type Coordinator struct {
	local    LocalStore
	uploader Uploader
	kv       kvstore.Store
	cfg      Config
	now      func() time.Time
	sleep    retry.SleepFunc
	progress ProgressFunc
	log      *logging.Logger

	mu       sync.Mutex
	machines map[string]*fsm.FSM
	running  map[string]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithSleep(fn retry.SleepFunc) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

func WithProgress(fn ProgressFunc) Option {
	return func(c *Coordinator) { c.progress = fn }
}

// NewCoordinator builds a Coordinator. Zero config fields take defaults.
func NewCoordinator(local LocalStore, uploader Uploader, kv kvstore.Store, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	c := &Coordinator{
		local:    local,
		uploader: uploader,
		kv:       kv,
		cfg:      cfg,
		now:      time.Now,
		sleep:    retry.Sleep,
		log:      logging.Get().Component("migration"),
		machines: make(map[string]*fsm.FSM),
		running:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newMachine(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventStart, Src: []string{StateNotStarted, StatePartial, StateCompleted}, Dst: StateInProgress},
			{Name: EventComplete, Src: []string{StateInProgress}, Dst: StateCompleted},
			{Name: EventPartial, Src: []string{StateInProgress}, Dst: StatePartial},
			{Name: EventExhaust, Src: []string{StateNotStarted, StatePartial}, Dst: StateExhausted},
		},
		fsm.Callbacks{},
	)
}

// RetryDelay is the wait before a pass whose persisted attemptCount is n:
// InitialDelay * 2^(n-1) for n > 0, zero for the first pass.
func (c *Coordinator) RetryDelay(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	return time.Duration(float64(c.cfg.InitialDelay) * math.Pow(2, float64(attemptCount-1)))
}

func (c *Coordinator) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.running[userID]
	if !ok {
		m = &sync.Mutex{}
		c.running[userID] = m
	}
	return m
}

// machine returns userID's state machine, seeding it from storage.
func (c *Coordinator) machine(ctx context.Context, userID string) (*fsm.FSM, *models.MigrationState, error) {
	state, err := c.loadState(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.machines[userID]
	if !ok {
		initial := StateNotStarted
		switch {
		case state != nil && state.AttemptCount >= c.cfg.MaxAttempts:
			initial = StateExhausted
		case state != nil && state.AttemptCount > 0:
			initial = StatePartial
		case state == nil:
			if done, _ := c.kv.Get(ctx, doneKey(userID)); done != nil {
				initial = StateCompleted
			}
		}
		m = newMachine(initial)
		c.machines[userID] = m
	}
	return m, state, nil
}

func (c *Coordinator) loadState(ctx context.Context, userID string) (*models.MigrationState, error) {
	var state models.MigrationState
	ok, err := kvstore.GetJSON(ctx, c.kv, StateKey(userID), &state)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "load migration state", err)
	}
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (c *Coordinator) saveState(ctx context.Context, state *models.MigrationState) error {
	if err := kvstore.SetJSON(ctx, c.kv, StateKey(state.UserID), state); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "persist migration state", err)
	}
	return nil
}

// Migrate runs one pass for userID. Partial failure returns a result and
// no error; a pass in which every attempted entity failed returns the
// result together with a MIGRATION_FAILED error. Once MaxAttempts passes
// have been made without completing, it fails with MIGRATION_EXHAUSTED.
func (c *Coordinator) Migrate(ctx context.Context, userID string) (*Result, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "user id is required")
	}
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	machine, state, err := c.machine(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = models.NewMigrationState(userID)
	}
	if state.AttemptCount >= c.cfg.MaxAttempts {
		if machine.Can(EventExhaust) {
			_ = machine.Event(ctx, EventExhaust)
		}
		return nil, apperrors.Newf(apperrors.ErrMigrationExhausted,
			"migration for %s gave up after %d attempts", userID, state.AttemptCount)
	}

	if delay := c.RetryDelay(state.AttemptCount); delay > 0 {
		c.log.Info("waiting before migration retry", logging.Fields{
			"user_id": userID,
			"attempt": state.AttemptCount + 1,
			"delay":   delay.String(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if err := machine.Event(ctx, EventStart); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "start migration", err)
	}

	state.AttemptCount++
	state.LastAttemptDate = models.Timestamp(c.now())
	if err := c.saveState(ctx, state); err != nil {
		_ = machine.Event(ctx, EventPartial)
		return nil, err
	}

	result, err := c.runPass(ctx, userID, state)
	if err != nil {
		_ = machine.Event(ctx, EventPartial)
		return result, err
	}

	attempted := result.TotalMigrated() + result.TotalFailed()
	c.log.Info("migration pass finished", logging.Fields{
		"user_id":  userID,
		"attempt":  state.AttemptCount,
		"migrated": result.TotalMigrated(),
		"skipped":  result.TotalSkipped(),
		"failed":   result.TotalFailed(),
	})

	if state.FailedCount() == 0 {
		if err := c.kv.Remove(ctx, StateKey(userID)); err != nil {
			return result, apperrors.Wrap(apperrors.ErrLocalStore, "clear migration state", err)
		}
		if err := c.kv.Set(ctx, doneKey(userID), []byte(state.LastAttemptDate.Format(time.RFC3339Nano))); err != nil {
			c.log.Error("failed to record migration completion", err, logging.Fields{"user_id": userID})
		}
		_ = machine.Event(ctx, EventComplete)
		return result, nil
	}

	_ = machine.Event(ctx, EventPartial)
	if attempted > 0 && result.TotalMigrated() == 0 {
		return result, apperrors.Newf(apperrors.ErrMigrationFailed,
			"all %d entities failed to migrate", result.TotalFailed())
	}
	return result, nil
}

// Retry is Migrate, for a user-initiated retry after partial failure.
func (c *Coordinator) Retry(ctx context.Context, userID string) (*Result, error) {
	return c.Migrate(ctx, userID)
}

func (c *Coordinator) runPass(ctx context.Context, userID string, state *models.MigrationState) (*Result, error) {
	result := newResult(state.AttemptCount)
	// Failures are recomputed by every pass.
	state.FailedIDs = make(map[string]bool)
	for _, kind := range models.AllKinds {
		records, err := c.local.FetchAll(ctx, kind)
		if err != nil {
			return result, apperrors.Wrap(apperrors.ErrLocalStore, "enumerate "+string(kind), err)
		}
		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			m := r.Meta()
			if m.OwnerID != "" && m.OwnerID != userID {
				continue
			}
			if state.IsMigrated(kind, m.ID) || (m.SyncStatus == models.SyncStatusSynced && m.OwnerID != "") {
				result.Skipped[kind]++
				metrics.IncMigrationRecord("skipped")
				continue
			}

			err := c.migrateOne(ctx, r, userID)
			if err != nil {
				state.MarkFailed(m.ID)
				result.Failed[kind]++
				metrics.IncMigrationRecord("failed")
				c.log.ErrorWithCode("entity migration failed", err, logging.Fields{
					"user_id":     userID,
					"entity_id":   m.ID,
					"entity_kind": string(kind),
				})
			} else {
				state.MarkMigrated(kind, m.ID)
				result.Migrated[kind]++
				metrics.IncMigrationRecord("migrated")
			}
			if c.progress != nil {
				c.progress(kind, m.ID, err)
			}
			if perr := c.saveState(ctx, state); perr != nil {
				return result, perr
			}
		}
	}
	return result, nil
}

func (c *Coordinator) migrateOne(ctx context.Context, r models.Record, userID string) error {
	r.Meta().OwnerID = userID
	models.Touch(r, c.now())
	if err := c.local.Save(ctx, r); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "stamp owner", err)
	}
	if err := c.uploader.PushRecord(ctx, r, userID); err != nil {
		return err
	}
	models.MarkSynced(r)
	if err := c.local.Save(ctx, r); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "mark synced", err)
	}
	return nil
}

// Status reports userID's migration progress.
func (c *Coordinator) Status(ctx context.Context, userID string) (Status, error) {
	machine, state, err := c.machine(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	st := Status{State: machine.Current(), Migrated: make(map[models.Kind]int)}
	if state != nil {
		st.AttemptCount = state.AttemptCount
		st.LastAttemptDate = state.LastAttemptDate
		st.FailedCount = state.FailedCount()
		for _, kind := range models.AllKinds {
			st.Migrated[kind] = state.MigratedCount(kind)
		}
	}
	return st, nil
}

// Completed reports whether a pass for userID has finished with no failures.
func (c *Coordinator) Completed(ctx context.Context, userID string) (bool, error) {
	st, err := c.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.State == StateCompleted, nil
}
