package fs

import (
	"maps"
	"slices"
	"time"

	"github.com/aretw0/introspection"
)

// RepositoryState exposes internal state for observability.
type RepositoryState struct {
	Path           string     `json:"path"`
	Model          string     `json:"model"`
	Format         string     `json:"format"`
	SystemDir      string     `json:"system_dir"`
	CacheSize      int        `json:"cache_size"`
	Gitless        bool       `json:"gitless"`
	ReadOnly       bool       `json:"read_only"`
	Serializers    []string   `json:"serializers"`
	WatcherActive  bool       `json:"watcher_active"`
	LastReconcile  *time.Time `json:"last_reconcile,omitempty"`
	TransactionIDs []string   `json:"active_transactions,omitempty"`
}

// State implements introspection.Introspectable.
func (r *Repository) State() any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RepositoryState{
		Path:           r.Path,
		Model:          r.config.Model.Name(),
		Format:         r.ext,
		SystemDir:      r.config.SystemDir,
		CacheSize:      r.cache.Len(),
		Gitless:        r.config.Gitless,
		ReadOnly:       r.config.ReadOnly,
		Serializers:    slices.Sorted(maps.Keys(r.serializers)),
		WatcherActive:  r.watcherActive,
		LastReconcile:  r.lastReconcile,
		TransactionIDs: slices.Sorted(maps.Keys(r.transactions)),
	}
}

// ComponentType implements introspection.Component.
func (r *Repository) ComponentType() string {
	return "fs-repository"
}

var _ introspection.Introspectable = (*Repository)(nil)
var _ introspection.Component = (*Repository)(nil)

func (r *Repository) setWatcherActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watcherActive = active
}

func (r *Repository) recordReconcile() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.lastReconcile = &now
}
