package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/nutrilog/backend/internal/config"
	"github.com/kimhsiao/nutrilog/backend/internal/connectivity"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/remote"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.UserID = "user-1"
	cfg.KV.Backend = "sqlite"
	cfg.Remote.Backend = "memory"
	return cfg
}

// TestEngineOptions verifies configuration reaches the engine options.
func TestEngineOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.MaxRetries = 3
	cfg.Queue.Capacity = 50
	cfg.Retention.Days = 30

	opts := EngineOptions(cfg)

	assert.Equal(t, 3, opts.Retry.MaxRetries)
	assert.Equal(t, time.Second, opts.Retry.InitialDelay)
	assert.Equal(t, 50, opts.QueueCapacity)
	assert.Equal(t, 30, opts.Retention.Days)
	assert.Equal(t, 5, opts.Migration.MaxAttempts)
}

// TestNew_BuildsAndPersists verifies the wired graph stores locally and
// pushes to the remote store.
func TestNew_BuildsAndPersists(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &connectivity.Flag{}, a.Conn)
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.Scheduler.IsRunning())
	assert.True(t, a.Engine.Status().Listening)

	food := models.NewFoodEntry("user-1", "oatmeal", 150, time.Now())
	require.NoError(t, a.Engine.Persist(ctx, food, "user-1"))

	rec, err := a.Repo.Fetch(ctx, models.KindFoodEntry, food.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.SyncStatusSynced, rec.Meta().SyncStatus)

	mem := a.Remote.(*remote.MemoryStore)
	assert.Equal(t, 1, mem.Len(remote.CollectionPath("user-1", models.KindFoodEntry.Collection())))
}

// TestNew_UnknownBackendFails verifies a bad backend is rejected and
// nothing is left open.
func TestNew_UnknownBackendFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Backend = "carrier-pigeon"

	a, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, a)
}

// TestStart_RequiresUser verifies syncing cannot start anonymously.
func TestStart_RequiresUser(t *testing.T) {
	cfg := testConfig(t)
	cfg.UserID = ""

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.Start(context.Background()))
	assert.False(t, a.Scheduler.IsRunning())
}

// TestOpenConnectivity verifies the probe is only used with an address.
func TestOpenConnectivity(t *testing.T) {
	assert.IsType(t, &connectivity.Flag{}, openConnectivity(config.ConnectivityConfig{}))
	assert.IsType(t, &connectivity.DialProbe{}, openConnectivity(config.ConnectivityConfig{
		ProbeAddr: "127.0.0.1:1",
	}))
}

// TestStart_RelistensAfterStreamLoss verifies the running scheduler
// rebuilds change streams that ended while the app stayed up.
func TestStart_RelistensAfterStreamLoss(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Sync.PollInterval = 10 * time.Millisecond

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(ctx))

	mem := a.Remote.(*remote.MemoryStore)
	require.Equal(t, len(models.AllKinds), mem.ListenerCount())

	mem.DropListeners(errors.New("stream reset"))
	require.Eventually(t, func() bool {
		return a.Engine.IsListening() && mem.ListenerCount() == len(models.AllKinds)
	}, 2*time.Second, 10*time.Millisecond)

	doc := models.NewFoodEntry("user-1", "pushed", 90, time.Now())
	require.NoError(t, mem.Set(ctx, remote.DocPath("user-1", models.KindFoodEntry.Collection(), doc.ID), models.Encode(doc)))
	require.Eventually(t, func() bool {
		rec, err := a.Repo.Fetch(ctx, models.KindFoodEntry, doc.ID)
		return err == nil && rec != nil
	}, 2*time.Second, 10*time.Millisecond)
}
