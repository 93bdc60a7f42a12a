// Package app wires configuration into a running sync core: the local
// sqlite store, the durable kv store, the remote document store, the
// connectivity monitor, the engine and its background scheduler.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimhsiao/nutrilog/backend/internal/config"
	"github.com/kimhsiao/nutrilog/backend/internal/connectivity"
	"github.com/kimhsiao/nutrilog/backend/internal/db"
	"github.com/kimhsiao/nutrilog/backend/internal/kvstore"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	syncpkg "github.com/kimhsiao/nutrilog/backend/internal/sync"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/migration"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/remote"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retention"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/retry"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/scheduler"
)

// App owns every long-lived component. Close releases them in reverse
// order of construction.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Repo      *db.Repository
	KV        kvstore.Store
	Remote    remote.Store
	Conn      connectivity.Monitor
	Engine    *syncpkg.SyncEngine
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// InitLogging installs the global logger described by cfg.
func InitLogging(cfg config.LogConfig) {
	logging.Init(logging.Config{
		Level:   logging.ParseLevel(cfg.Level),
		File:    cfg.File,
		Console: cfg.Console,
	})
}

// EngineOptions maps configuration onto engine options.
func EngineOptions(cfg *config.Config) syncpkg.Options {
	opts := syncpkg.DefaultOptions()
	opts.Retry = retry.Config{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		MaxRetries:   cfg.Retry.MaxRetries,
	}
	opts.QueueCapacity = cfg.Queue.Capacity
	opts.Migration = migration.Config{
		MaxAttempts:  cfg.Migration.MaxAttempts,
		InitialDelay: cfg.Migration.InitialDelay,
	}
	opts.Retention = retention.Config{
		Days:     cfg.Retention.Days,
		Interval: cfg.Retention.Interval,
	}
	return opts
}

// New builds the full component graph. Nothing starts running until Start.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err = os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a.DB, err = db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)
	a.Repo = db.NewRepository(a.DB.DB)
	a.closers = append(a.closers, a.Repo.Close)

	a.KV, err = openKV(ctx, cfg, a.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.KV.Close)

	a.Remote, err = openRemote(ctx, cfg.Remote)
	if err != nil {
		return nil, err
	}
	store := a.Remote
	a.closers = append(a.closers, func() error { return store.Close(context.Background()) })

	a.Conn = openConnectivity(cfg.Connectivity)

	a.Engine, err = syncpkg.NewSyncEngine(ctx, a.Repo, a.Remote, a.Conn, a.KV, EngineOptions(cfg))
	if err != nil {
		return nil, err
	}
	engine := a.Engine
	a.closers = append(a.closers, func() error { engine.Close(); return nil })

	a.Scheduler = scheduler.NewScheduler(a.Engine, &scheduler.SchedulerConfig{
		UserID:       cfg.UserID,
		PollInterval: cfg.Sync.PollInterval,
		OnOnline:     a.listen,
		KeepAlive:    a.listen,
	})

	logging.Info("sync core initialized", logging.Fields{
		"data_dir":   cfg.DataDir,
		"kv_backend": cfg.KV.Backend,
		"remote":     cfg.Remote.Backend,
		"user_id":    cfg.UserID,
	})
	return a, nil
}

func openKV(ctx context.Context, cfg *config.Config, database *db.DB) (kvstore.Store, error) {
	path := cfg.KV.Path
	if path == "" {
		path = filepath.Join(cfg.DataDir, "kv")
	}
	return kvstore.Open(ctx, kvstore.Options{
		Backend:   cfg.KV.Backend,
		Path:      path,
		RedisAddr: cfg.KV.RedisAddr,
		RedisDB:   cfg.KV.RedisDB,
		Prefix:    cfg.KV.Prefix,
		DB:        database.DB,
	})
}

func openRemote(ctx context.Context, cfg config.RemoteConfig) (remote.Store, error) {
	switch cfg.Backend {
	case "memory":
		return remote.NewMemoryStore(), nil
	case "mongo":
		store, err := remote.NewMongoStore(ctx, cfg.MongoURI, cfg.Database, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			logging.Warn("failed to ensure remote indexes", logging.Fields{"error": err.Error()})
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Backend)
	}
}

// openConnectivity probes ProbeAddr when set; otherwise the device is
// assumed online and the remote store's own errors drive queueing.
func openConnectivity(cfg config.ConnectivityConfig) connectivity.Monitor {
	if cfg.ProbeAddr == "" {
		return connectivity.NewFlag(true)
	}
	return connectivity.NewDialProbe(cfg.ProbeAddr, cfg.ProbeTimeout)
}

// Start subscribes to remote changes for the configured user and starts
// the background scheduler.
func (a *App) Start(ctx context.Context) error {
	if a.Config.UserID == "" {
		return fmt.Errorf("user_id is required to start syncing")
	}
	if a.Engine.IsOnline() {
		a.listen(ctx)
	}
	a.Scheduler.Start(ctx)
	return nil
}

// listen subscribes to remote changes. The scheduler calls it on every
// online tick; the engine keeps a live session and rebuilds one whose
// change streams have ended.
func (a *App) listen(ctx context.Context) {
	if err := a.Engine.StartListening(ctx, a.Config.UserID); err != nil {
		logging.ErrorWithCode("failed to start listening", err, logging.Fields{"user_id": a.Config.UserID})
	}
}

// Close stops the scheduler and releases every component.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
