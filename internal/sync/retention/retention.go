// Package retention ages out daily logs older than the retention horizon.
// Entries and custom meals are never subject to it.
package retention

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/kvstore"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

const (
	DefaultDays     = 90
	DefaultInterval = 24 * time.Hour

	lastRunKeyPrefix = "retention.last_run."
)

// LastRunKey returns the kv key holding userID's last run time.
func LastRunKey(userID string) string {
	return lastRunKeyPrefix + userID
}

// LogSource lists the stored daily logs.
type LogSource interface {
	FetchAll(ctx context.Context, kind models.Kind) ([]models.Record, error)
}

// Deleter removes a record from both stores, queuing the remote half when
// it cannot complete.
type Deleter interface {
	DeleteEntity(ctx context.Context, id string, kind models.Kind, userID string) error
}

// Config tunes the enforcer.
type Config struct {
	Days     int
	Interval time.Duration
}

// DefaultConfig returns a 90 day horizon checked at most daily.
func DefaultConfig() Config {
	return Config{Days: DefaultDays, Interval: DefaultInterval}
}

// Result counts one run. Every expired log lands in exactly one of
// Deleted, Queued or Failed. Queued logs were deleted locally and their
// remote delete is waiting in the operation queue, whether the device was
// offline or the remote delete used up its retries. Failed logs are still
// stored locally.
type Result struct {
	Examined int
	Expired  int
	Deleted  int
	Queued   int
	Failed   int
	Cutoff   time.Time
}

// Enforcer applies the retention policy.
type Enforcer struct {
	source  LogSource
	deleter Deleter
	kv      kvstore.Store
	cfg     Config
	now     func() time.Time
	log     *logging.Logger

	mu sync.Mutex
}

// NewEnforcer builds an Enforcer. A nil now means time.Now.
func NewEnforcer(source LogSource, deleter Deleter, kv kvstore.Store, cfg Config, now func() time.Time) *Enforcer {
	if cfg.Days <= 0 {
		cfg.Days = DefaultDays
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Enforcer{
		source:  source,
		deleter: deleter,
		kv:      kv,
		cfg:     cfg,
		now:     now,
		log:     logging.Get().Component("retention"),
	}
}

// Cutoff is now minus the retention horizon.
func (e *Enforcer) Cutoff() time.Time {
	return e.now().Add(-time.Duration(e.cfg.Days) * 24 * time.Hour)
}

// ApplyRetentionPolicy deletes every daily log of userID dated before the
// cutoff, continuing past individual failures.
func (e *Enforcer) ApplyRetentionPolicy(ctx context.Context, userID string) (*Result, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "user id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &Result{Cutoff: e.Cutoff()}
	records, err := e.source.FetchAll(ctx, models.KindDailyLog)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "list daily logs", err)
	}

	var old []*models.DailyLog
	for _, r := range records {
		l, ok := r.(*models.DailyLog)
		if !ok || (l.OwnerID != "" && l.OwnerID != userID) {
			continue
		}
		res.Examined++
		if l.Date.Before(res.Cutoff) {
			old = append(old, l)
		}
	}
	res.Expired = len(old)

	if len(old) > 0 {
		for _, l := range old {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			err := e.deleter.DeleteEntity(ctx, l.ID, models.KindDailyLog, userID)
			switch {
			case err == nil:
				res.Deleted++
			case apperrors.Is(err, apperrors.ErrNetworkUnavailable), apperrors.Is(err, apperrors.ErrQueued):
				res.Queued++
			default:
				res.Failed++
				e.log.ErrorWithCode("failed to delete expired daily log", err, logging.Fields{
					"log_id": l.ID,
					"date":   l.DateKey(),
				})
			}
		}
		metrics.AddRetentionDeleted(res.Deleted + res.Queued)
	}

	if err := e.kv.Set(ctx, LastRunKey(userID), []byte(models.Timestamp(e.now()).Format(time.RFC3339Nano))); err != nil {
		e.log.Error("failed to record retention run", err, logging.Fields{"user_id": userID})
	}
	e.log.Info("retention policy applied", logging.Fields{
		"user_id":  userID,
		"cutoff":   res.Cutoff,
		"examined": res.Examined,
		"expired":  res.Expired,
		"deleted":  res.Deleted,
		"queued":   res.Queued,
		"failed":   res.Failed,
	})
	return res, nil
}

// LastRun returns when the policy last ran for userID.
func (e *Enforcer) LastRun(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := e.kv.Get(ctx, LastRunKey(userID))
	if err != nil {
		return time.Time{}, false, apperrors.Wrap(apperrors.ErrLocalStore, "read retention last run", err)
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		// A corrupt marker only means the next run happens early.
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// Due reports whether the rolling interval has elapsed for userID.
func (e *Enforcer) Due(ctx context.Context, userID string) (bool, error) {
	last, ok, err := e.LastRun(ctx, userID)
	if err != nil || !ok {
		return err == nil, err
	}
	return e.now().Sub(last) >= e.cfg.Interval, nil
}

// RunIfDue applies the policy unless it already ran within the interval.
// The bool reports whether it ran.
func (e *Enforcer) RunIfDue(ctx context.Context, userID string) (*Result, bool, error) {
	due, err := e.Due(ctx, userID)
	if err != nil || !due {
		return nil, false, err
	}
	res, err := e.ApplyRetentionPolicy(ctx, userID)
	return res, true, err
}
