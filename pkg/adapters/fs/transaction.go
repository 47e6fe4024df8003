package fs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/tillage/pkg/core"
)

// txKey scopes a transaction to a storage root, so repositories of every
// model under the same root join it.
type txKey struct{ root string }

// changes are the writes staged for one repository.
type changes struct {
	staged  map[string]Document // key -> document
	deleted map[string]bool     // key -> bool
}

// Transaction buffers writes and deletions in memory until Commit applies
// them to disk (and to git, unless gitless) in a single commit.
type Transaction struct {
	ID    string
	root  string
	owner *Repository
	parts map[*Repository]*changes
	mu    sync.Mutex

	closed bool
}

// NewTransaction creates a transaction on repo's storage root.
func NewTransaction(repo *Repository) *Transaction {
	tx := &Transaction{
		ID:    uuid.NewString(),
		root:  repo.root,
		owner: repo,
		parts: make(map[*Repository]*changes),
	}
	repo.trackTransaction(tx.ID, true)
	return tx
}

func (t *Transaction) part(r *Repository) *changes {
	ch, ok := t.parts[r]
	if !ok {
		ch = &changes{staged: make(map[string]Document), deleted: make(map[string]bool)}
		t.parts[r] = ch
		if r != t.owner {
			r.trackTransaction(t.ID, true)
		}
	}
	return ch
}

func (t *Transaction) stage(r *Repository, doc Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransactionClosed
	}
	ch := t.part(r)
	ch.staged[doc.ID] = doc
	delete(ch.deleted, doc.ID)
	return nil
}

func (t *Transaction) remove(r *Repository, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransactionClosed
	}
	ch := t.part(r)
	ch.deleted[key] = true
	delete(ch.staged, key)
	return nil
}

// lookup reports the staged state of key; ok is false when the transaction
// has not touched it.
func (t *Transaction) lookup(r *Repository, key string) (doc Document, deleted, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, found := t.parts[r]
	if !found {
		return Document{}, false, false
	}
	if ch.deleted[key] {
		return Document{}, true, true
	}
	doc, ok = ch.staged[key]
	return doc, false, ok
}

// overlay merges the staged keys into the sorted on-disk keys.
func (t *Transaction) overlay(r *Repository, keys []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, found := t.parts[r]
	if !found {
		return keys
	}
	out := slices.DeleteFunc(slices.Clone(keys), func(k string) bool { return ch.deleted[k] })
	for k := range ch.staged {
		out = append(out, k)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Commit implements core.Transaction. When a write or the git commit fails,
// the files already touched are restored to their previous contents.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return core.ErrTransactionClosed
	}
	t.closed = true
	defer t.untrack()

	repos := slices.SortedFunc(maps.Keys(t.parts), func(a, b *Repository) int {
		return cmp.Compare(a.config.Model.Name(), b.config.Model.Name())
	})
	if len(repos) == 0 {
		return nil
	}
	lead := repos[0]
	versioned := !lead.config.Gitless
	if versioned {
		unlock, err := lead.git.Lock(ctx)
		if err != nil {
			return fmt.Errorf("acquire git lock: %w", err)
		}
		defer unlock()
	}

	j := &journal{}
	var added, removed, summary []string
	for _, r := range repos {
		a, d, err := r.apply(t.parts[r], j)
		if err != nil {
			j.undo(ctx, lead, false)
			return err
		}
		added = append(added, a...)
		removed = append(removed, d...)
		if len(a)+len(d) > 0 {
			summary = append(summary, fmt.Sprintf("%s: %d saved, %d deleted", r.config.Model.Name(), len(a), len(d)))
		}
	}

	if versioned && len(added)+len(removed) > 0 {
		err := lead.git.Add(ctx, added...)
		if err == nil {
			err = lead.git.Rm(ctx, removed...)
		}
		if err == nil {
			err = lead.git.Commit(ctx, strings.Join(summary, "; "))
		}
		if err != nil {
			j.undo(ctx, lead, true)
			return err
		}
	}

	for _, r := range repos {
		if err := r.cache.Save(); err != nil {
			r.handleError(fmt.Errorf("save index: %w", err))
		}
	}
	return nil
}

// Rollback implements core.Transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.untrack()
	t.parts = nil
	t.closed = true
	return nil
}

func (t *Transaction) untrack() {
	t.owner.trackTransaction(t.ID, false)
	for r := range t.parts {
		r.trackTransaction(t.ID, false)
	}
}

// apply writes the staged changes of r to disk, recording what it replaces
// in j.
func (r *Repository) apply(ch *changes, j *journal) (added, removed []string, err error) {
	ser := r.serializers[r.ext]

	for _, key := range slices.Sorted(maps.Keys(ch.staged)) {
		data, err := ser.Serialize(ch.staged[key])
		if err != nil {
			return nil, nil, fmt.Errorf("serialize %s: %w", key, err)
		}

		path, ok := r.find(key)
		if !ok {
			path = filepath.Join(r.Path, key+r.ext)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create directories for %s: %w", key, err)
		}
		if err := j.record(r, key, path); err != nil {
			return nil, nil, err
		}
		if err := writeFileAtomic(path, data, 0o644); err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", key, err)
		}
		if info, err := os.Stat(path); err == nil {
			r.cache.Set(key, info.ModTime())
		}
		added = append(added, r.relative(path))
	}

	for _, key := range slices.Sorted(maps.Keys(ch.deleted)) {
		path, ok := r.find(key)
		if !ok {
			r.cache.Delete(key)
			continue
		}
		if err := j.record(r, key, path); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("remove %s: %w", key, err)
		}
		r.cache.Delete(key)
		removed = append(removed, r.relative(path))
	}
	return added, removed, nil
}

// journal keeps the previous state of every file a commit touches.
type journal struct {
	entries []journalEntry
}

type journalEntry struct {
	repo    *Repository
	key     string
	path    string
	existed bool
	data    []byte
	mode    os.FileMode
	modTime time.Time
	cached  time.Time
	indexed bool
}

func (j *journal) record(r *Repository, key, path string) error {
	e := journalEntry{repo: r, key: key, path: path}
	e.cached, e.indexed = r.cache.Get(key)
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("stat %s: %w", key, err)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		e.existed, e.data, e.mode, e.modTime = true, data, info.Mode().Perm(), info.ModTime()
	}
	j.entries = append(j.entries, e)
	return nil
}

// undo restores the recorded files, newest first, and their index entries.
// When staged is set the git index is reset for the restored paths too.
func (j *journal) undo(ctx context.Context, lead *Repository, staged bool) {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	var paths []string
	for _, e := range slices.Backward(j.entries) {
		paths = append(paths, e.repo.relative(e.path))
		if e.existed {
			if err := writeFileAtomic(e.path, e.data, e.mode); err != nil {
				errs = append(errs, err)
				continue
			}
			_ = os.Chtimes(e.path, e.modTime, e.modTime)
		} else if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		if e.indexed {
			e.repo.cache.Set(e.key, e.cached)
		} else {
			e.repo.cache.Delete(e.key)
		}
	}
	if staged && !lead.config.Gitless {
		if err := lead.git.Reset(ctx, paths...); err != nil {
			// No HEAD yet: nothing was tracked before this commit.
			if err := lead.git.Rm(ctx, paths...); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		lead.handleError(fmt.Errorf("restore after failed commit: %w", err))
	}
}

func (r *Repository) relative(path string) string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return path
	}
	return rel
}

func (r *Repository) trackTransaction(id string, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if open {
		r.transactions[id] = struct{}{}
		return
	}
	delete(r.transactions, id)
}

var _ core.Transaction = (*Transaction)(nil)
