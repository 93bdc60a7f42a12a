package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/nutrilog/backend/internal/db"
	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

// runContract exercises the behavior every backend must share.
func runContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Get(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Set(ctx, "sync.operation_queue", []byte(`{"version":1}`)))
	got, err = s.Get(ctx, "sync.operation_queue")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(got))

	require.NoError(t, s.Set(ctx, "sync.operation_queue", []byte(`{"version":2}`)))
	got, err = s.Get(ctx, "sync.operation_queue")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, string(got))

	require.NoError(t, s.Remove(ctx, "sync.operation_queue"))
	require.NoError(t, s.Remove(ctx, "sync.operation_queue"))
	got, err = s.Get(ctx, "sync.operation_queue")
	require.NoError(t, err)
	assert.Nil(t, got)

	type state struct {
		User     string `json:"user"`
		Attempts int    `json:"attempts"`
	}
	require.NoError(t, SetJSON(ctx, s, "migration.state.u1", state{User: "u1", Attempts: 2}))
	var st state
	ok, err := GetJSON(ctx, s, "migration.state.u1", &st)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, state{User: "u1", Attempts: 2}, st)

	ok, err = GetJSON(ctx, s, "migration.state.u2", &st)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemoryStore runs the contract against the in-memory backend.
func TestMemoryStore(t *testing.T) {
	runContract(t, NewMemoryStore())
}

// TestMemoryStore_FailSets verifies injected write failures.
func TestMemoryStore_FailSets(t *testing.T) {
	s := NewMemoryStore()
	s.FailSets(errors.New("disk full"))
	err := s.Set(context.Background(), "k", []byte("v"))
	assert.True(t, apperrors.Is(err, apperrors.ErrLocalStore))
	assert.False(t, s.Has("k"))

	s.FailSets(nil)
	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	assert.Equal(t, 1, s.SetCount())
}

// TestBadgerStore runs the contract against badger in memory.
func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore("", WithInMemory())
	require.NoError(t, err)
	defer s.Close()
	runContract(t, s)
}

// TestBadgerStore_Persists verifies values survive reopening.
func TestBadgerStore_Persists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kv")
	ctx := context.Background()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "retention.last_run.u1", []byte("1700000000000")))
	require.NoError(t, s.Set(ctx, "retention.last_run.u2", []byte("1700000000001")))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "retention.last_run.u1")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", string(got))

	keys, err := s.Keys("retention.last_run.")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"retention.last_run.u1", "retention.last_run.u2"}, keys)
}

// TestSQLiteStore runs the contract against the sqlite table.
func TestSQLiteStore(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	s, err := NewSQLiteStore(context.Background(), database.DB)
	require.NoError(t, err)
	runContract(t, s)
}

// TestRedisStore runs the contract against a live redis when one is
// configured.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("NUTRILOG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NUTRILOG_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(context.Background(), addr, 0, "nutrilog-test:")
	require.NoError(t, err)
	defer s.Close()
	runContract(t, s)
}

// TestOpen verifies backend selection.
func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Backend: "badger", Path: filepath.Join(t.TempDir(), "kv")})
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Backend: "badger"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = Open(ctx, Options{Backend: "sqlite"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
