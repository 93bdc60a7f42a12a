package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI against a throwaway data directory with in-memory
// remote and sqlite kv backends.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NUTRILOG_KV_BACKEND", "sqlite")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--data-dir", t.TempDir(), "--remote", "memory"}, args...))
	err := root.Execute()
	return out.String(), err
}

// TestVersion verifies the version command output.
func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "NutriLog Core v"+Version+"\n", out)
}

// TestVersionDefault verifies Version is never empty.
func TestVersionDefault(t *testing.T) {
	assert.NotEmpty(t, Version)
}

// TestQueueList_Empty verifies an empty queue reports its capacity.
func TestQueueList_Empty(t *testing.T) {
	out, err := execute(t, "queue", "list")
	require.NoError(t, err)
	assert.Equal(t, "0/1000 queued\n", out)
}

// TestQueueDrain_Empty verifies draining nothing succeeds.
func TestQueueDrain_Empty(t *testing.T) {
	out, err := execute(t, "queue", "drain")
	require.NoError(t, err)
	assert.Contains(t, out, "Succeeded 0, failed 0, remaining 0")
}

// TestMigrate_RequiresUser verifies migrate refuses to run anonymously.
func TestMigrate_RequiresUser(t *testing.T) {
	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user id is required")
}

// TestMigrate_EmptyStore verifies a migration over no records completes.
func TestMigrate_EmptyStore(t *testing.T) {
	out, err := execute(t, "--user", "user-1", "migrate")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "KIND"))
	assert.Contains(t, out, "daily_log")
}

// TestRetention_EmptyStore verifies retention reports its counts.
func TestRetention_EmptyStore(t *testing.T) {
	out, err := execute(t, "--user", "user-1", "retention")
	require.NoError(t, err)
	assert.Contains(t, out, "examined 0, expired 0")
}

// TestUnknownRemoteRejected verifies config validation surfaces.
func TestUnknownRemoteRejected(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--data-dir", t.TempDir(), "--remote", "ftp", "queue", "list"})
	assert.Error(t, root.Execute())
}
