package fs

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// index is the persisted record of the files the repository last saw,
// used by Reconcile to detect changes made behind its back.
type index struct {
	Version int                  `json:"version"`
	Entries map[string]time.Time `json:"entries"` // key -> last modification
}

type cache struct {
	path  string
	mu    sync.RWMutex
	index index
	dirty bool
}

func newCache(path string) *cache {
	return &cache{
		path:  path,
		index: index{Version: 1, Entries: make(map[string]time.Time)},
	}
}

// Load reads the index from disk. A missing or corrupt file yields an empty index.
func (c *cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil || idx.Entries == nil {
		c.index.Entries = make(map[string]time.Time)
		return nil
	}
	c.index = idx
	c.dirty = false
	return nil
}

// Save writes the index if it changed since the last load or save.
func (c *cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	data, err := json.Marshal(c.index)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if err := writeFileAtomic(c.path, data, 0o644); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

func (c *cache) Set(key string, modified time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Entries[key] = modified
	c.dirty = true
}

func (c *cache) Get(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	modified, ok := c.index.Entries[key]
	return modified, ok
}

func (c *cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index.Entries[key]; ok {
		delete(c.index.Entries, key)
		c.dirty = true
	}
}

func (c *cache) Snapshot() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.index.Entries)
}

func (c *cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index.Entries)
}
