package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "w1.yaml")

	require.NoError(t, writeFileAtomic(target, []byte("id: w1\n"), 0o600))
	require.NoError(t, writeFileAtomic(target, []byte("id: w1\nattributes: {}\n"), 0o600))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "id: w1\nattributes: {}\n", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	err := writeFileAtomic(filepath.Join(t.TempDir(), "missing", "w1.yaml"), []byte("x"), 0o644)
	assert.Error(t, err)
}

func TestCache_PersistsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tillage", "widget.index.json")
	now := time.Now().UTC().Truncate(time.Second)

	c := newCache(path)
	c.Set("w1", now)
	c.Set("w2", now)
	c.Delete("w2")
	require.NoError(t, c.Save())

	loaded := newCache(path)
	require.NoError(t, loaded.Load())
	assert.Equal(t, 1, loaded.Len())
	assert.True(t, loaded.Snapshot()["w1"].Equal(now))

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	corrupt := newCache(path)
	require.NoError(t, corrupt.Load(), "a corrupt index is discarded")
	assert.Zero(t, corrupt.Len())
}

func TestDebouncer_Collapses(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	calls := make(chan string, 10)
	for range 5 {
		d.add("w1", func() { calls <- "w1" })
	}
	d.add("w2", func() { calls <- "w2" })

	time.Sleep(100 * time.Millisecond)
	d.stopAndWait()
	close(calls)

	var got []string
	for c := range calls {
		got = append(got, c)
	}
	assert.ElementsMatch(t, []string{"w1", "w2"}, got)
}
