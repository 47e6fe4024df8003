package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Lock(t *testing.T) {
	dir := t.TempDir()
	client := NewClient(dir, nil)
	ctx := context.Background()

	unlock, err := client.Lock(ctx)
	require.NoError(t, err)

	lockPath := filepath.Join(dir, DefaultLockFile)
	assert.FileExists(t, lockPath)

	unlock()
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file removed after unlock")
}

func TestClient_LockContention(t *testing.T) {
	client := NewClient(t.TempDir(), nil)
	client.LockTimeout = 50 * time.Millisecond

	unlock, err := client.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	_, err = client.Lock(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client.LockTimeout = 0
	_, err = client.Lock(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_InitAddCommit(t *testing.T) {
	if !IsInstalled() {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	client := NewClient(dir, nil)
	client.Author = Author{Name: "tillage", Email: "tillage@localhost"}
	ctx := context.Background()

	require.NoError(t, client.Init(ctx))
	assert.True(t, client.IsRepo(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: a\n"), 0o644))
	require.NoError(t, client.Add(ctx, "a.yaml"))
	require.NoError(t, client.Commit(ctx, "create a"))

	// Nothing staged.
	require.NoError(t, client.Commit(ctx, "noop"))

	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	require.NoError(t, client.Rm(ctx, "a.yaml"))
	require.NoError(t, client.Commit(ctx, "delete a"))

	log, err := client.Log(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete a", "create a"}, log)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)
}
