// Package scheduler runs the background reconciliation loop: it polls
// connectivity, reconciles on every offline-to-online transition and keeps
// the retention policy on its daily cadence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	syncpkg "github.com/kimhsiao/nutrilog/backend/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine         syncpkg.SyncEngineInterface
	userID         string
	pollInterval   time.Duration
	retentionEvery time.Duration
	syncTimeout    time.Duration
	onOnline       func(ctx context.Context)
	keepAlive      func(ctx context.Context)
	now            func() time.Time
	log            *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	wasOnline      bool
	lastSyncTime   time.Time
	lastRetention  time.Time
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	UserID         string
	PollInterval   time.Duration // connectivity poll (default: 5 seconds)
	RetentionEvery time.Duration // how often to ask whether retention is due (default: 1 hour)
	SyncTimeout    time.Duration // bound on one reconcile (default: 5 minutes)
	// OnOnline, when set, runs on every offline-to-online transition
	// before the reconcile.
	OnOnline func(ctx context.Context)
	// KeepAlive, when set, runs on every other tick spent online.
	KeepAlive func(ctx context.Context)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:   5 * time.Second,
		RetentionEvery: time.Hour,
		SyncTimeout:    5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. Zero config fields take defaults.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetentionEvery <= 0 {
		config.RetentionEvery = def.RetentionEvery
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = def.SyncTimeout
	}

	return &Scheduler{
		engine:         engine,
		userID:         config.UserID,
		pollInterval:   config.PollInterval,
		retentionEvery: config.RetentionEvery,
		syncTimeout:    config.SyncTimeout,
		onOnline:       config.OnOnline,
		keepAlive:      config.KeepAlive,
		now:            time.Now,
		log:            logging.Get().Component("scheduler"),
	}
}

// Start starts the background loop. Retention runs once right away, off
// the loop goroutine. A stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.lastRetention = s.now()
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runRetention(ctx)
	}()
	go s.loop(ctx, stopCh)

	s.log.Info("background sync scheduler started", logging.Fields{
		"poll_interval": s.pollInterval.String(),
		"user_id":       s.userID,
	})
}

// Stop stops the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	s.log.Info("background sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one loop iteration. A panic inside it is logged and swallowed
// so the loop outlives any single failure.
func (s *Scheduler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler iteration panicked", fmt.Errorf("%v", r))
		}
	}()

	online := s.engine.IsOnline()
	s.mu.Lock()
	cameOnline := online && !s.wasOnline
	if online != s.wasOnline {
		s.log.Info("online status changed", logging.Fields{
			"was_online": s.wasOnline,
			"is_online":  online,
		})
	}
	s.wasOnline = online
	retentionDue := s.now().Sub(s.lastRetention) >= s.retentionEvery
	if retentionDue {
		s.lastRetention = s.now()
	}
	s.mu.Unlock()

	switch {
	case cameOnline:
		if s.onOnline != nil {
			s.onOnline(ctx)
		}
		s.runSync(ctx)
	case online && s.keepAlive != nil:
		s.keepAlive(ctx)
	}
	if retentionDue {
		s.runRetention(ctx)
	}
}

// runSync drains the queue and downloads remote state.
func (s *Scheduler) runSync(ctx context.Context) {
	if s.userID == "" {
		return
	}
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		s.log.Debug("sync already in progress, skipping")
		return
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Reconcile(syncCtx, s.userID)
	if err != nil {
		s.log.ErrorWithCode("background sync failed", err, logging.Fields{"user_id": s.userID})
		return
	}

	s.mu.Lock()
	s.lastSyncTime = s.now()
	s.mu.Unlock()

	s.log.Info("background sync completed", logging.Fields{
		"uploaded":   result.Uploaded,
		"downloaded": result.Downloaded,
		"conflicts":  result.Conflicts,
		"remaining":  result.Remaining,
	})
}

func (s *Scheduler) runRetention(ctx context.Context) {
	if s.userID == "" {
		return
	}
	res, ran, err := s.engine.RunRetentionIfDue(ctx, s.userID)
	if err != nil {
		s.log.ErrorWithCode("retention run failed", err, logging.Fields{"user_id": s.userID})
		return
	}
	if ran && res != nil {
		s.log.Debug("retention run finished", logging.Fields{"expired": res.Expired})
	}
}

// TriggerSync starts a sync in the background.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	s.mu.RUnlock()

	if isSyncing {
		return false
	}

	go s.runSync(ctx)
	return true
}

// SyncNow runs a sync and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Reconcile(syncCtx, s.userID)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.lastSyncTime = s.now()
	s.mu.Unlock()
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool       `json:"isRunning"`
	IsOnline       bool       `json:"isOnline"`
	LastSyncTime   *time.Time `json:"lastSyncTime,omitempty"`
	SyncInProgress bool       `json:"syncInProgress"`
	PendingItems   int        `json:"pendingItems"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.wasOnline,
		SyncInProgress: s.syncInProgress,
		PendingItems:   s.engine.PendingChanges(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
