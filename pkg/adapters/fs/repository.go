// Package fs stores entities as one file per entity under a directory per
// model, optionally versioning every change with git.
package fs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/git"
)

// Config holds the configuration for a filesystem repository.
type Config struct {
	// Path is the storage root; entities live in Path/<model>/.
	Path  string
	Model core.ModelType
	Rules core.Rules
	// Format is the file extension used for new files (".yaml" or ".json").
	Format    string
	SystemDir string // e.g. ".tillage"
	AutoInit  bool
	Gitless   bool
	MustExist bool
	ReadOnly  bool
	// Strict keeps JSON numbers as json.Number.
	Strict       bool
	Author       git.Author
	Logger       *slog.Logger
	ErrorHandler func(error)
}

// Repository implements core.Repository, core.Transactional and core.Finder
// on top of the filesystem.
type Repository struct {
	Path string

	root        string
	config      Config
	ext         string
	serializers map[string]Serializer
	git         *git.Client
	cache       *cache

	mu            sync.RWMutex
	watcherActive bool
	lastReconcile *time.Time
	transactions  map[string]struct{}
}

// NewRepository creates a filesystem repository. Call Initialize before use.
func NewRepository(config Config) *Repository {
	if config.SystemDir == "" {
		config.SystemDir = ".tillage"
	}
	ext := config.Format
	if ext == "" {
		ext = ".yaml"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	client := git.NewClient(config.Path, config.Logger)
	client.Author = config.Author
	client.LockFile = filepath.Join(config.SystemDir, "git.lock")

	return &Repository{
		Path:         filepath.Join(config.Path, config.Model.Name()),
		root:         config.Path,
		config:       config,
		ext:          ext,
		serializers:  DefaultSerializers(config.Strict),
		git:          client,
		cache:        newCache(filepath.Join(config.Path, config.SystemDir, config.Model.Name()+".index.json")),
		transactions: make(map[string]struct{}),
	}
}

// Initialize creates the directories, loads the index and, unless gitless,
// makes sure the root is a git repository.
func (r *Repository) Initialize(ctx context.Context) error {
	if err := r.config.Model.Check(); err != nil {
		return err
	}
	if _, ok := r.serializers[r.ext]; !ok {
		return fmt.Errorf("unsupported format %q", r.ext)
	}

	if r.config.MustExist {
		info, err := os.Stat(r.root)
		if os.IsNotExist(err) {
			return fmt.Errorf("storage path does not exist: %s", r.root)
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("storage path is not a directory: %s", r.root)
		}
	}
	if !r.config.ReadOnly {
		if err := os.MkdirAll(r.Path, 0o755); err != nil {
			return fmt.Errorf("create model directory: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(r.root, r.config.SystemDir), 0o755); err != nil {
			return fmt.Errorf("create system directory: %w", err)
		}
	}
	if err := r.cache.Load(); err != nil {
		return err
	}

	if r.config.Gitless {
		return nil
	}
	if !git.IsInstalled() {
		return errors.New("git is not installed")
	}
	if r.git.IsRepo(ctx) {
		return r.ensureIgnore()
	}
	if !r.config.AutoInit {
		return fmt.Errorf("path is not a git repository: %s", r.root)
	}
	if err := r.git.Init(ctx); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	return r.ensureIgnore()
}

func (r *Repository) ensureIgnore() error {
	if r.config.ReadOnly {
		return nil
	}
	ignorePath := filepath.Join(r.root, ".gitignore")
	entry := r.config.SystemDir + "/"

	content, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		content = append(content, '\n')
	}
	content = append(content, entry+"\n"...)
	return writeFileAtomic(ignorePath, content, 0o644)
}

// ValidationRules implements core.Repository.
func (r *Repository) ValidationRules() core.Rules {
	return r.config.Model.Rules().Merge(r.config.Rules)
}

// Begin implements core.Transactional. Repositories of every model under
// the same root join a transaction carried by the context.
func (r *Repository) Begin(ctx context.Context) (context.Context, core.Transaction, error) {
	if r.config.ReadOnly {
		return nil, nil, core.ErrReadOnly
	}
	if r.txFrom(ctx) != nil {
		return ctx, core.Nested, nil
	}
	tx := NewTransaction(r)
	return context.WithValue(ctx, txKey{root: r.root}, tx), tx, nil
}

// Create implements core.Repository. It fails with core.ErrConflict when
// the key is taken.
func (r *Repository) Create(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if err := r.checkWritable(entity); err != nil {
		return nil, err
	}
	if _, err := r.Get(ctx, entity.PrimaryKey()); err == nil {
		return nil, fmt.Errorf("%s %s: %w", r.config.Model, entity.PrimaryKey(), core.ErrConflict)
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	if err := r.put(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Save implements core.Repository. Missing entities are created.
func (r *Repository) Save(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if err := r.checkWritable(entity); err != nil {
		return nil, err
	}
	if err := r.put(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *Repository) put(ctx context.Context, entity core.Entity) error {
	doc := toDocument(r.config.Model.Name(), entity)
	if tx := r.txFrom(ctx); tx != nil {
		return tx.stage(r, doc)
	}
	tx := NewTransaction(r)
	if err := tx.stage(r, doc); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete implements core.Repository.
func (r *Repository) Delete(ctx context.Context, entity core.Entity) error {
	if r.config.ReadOnly {
		return core.ErrReadOnly
	}
	if entity == nil || entity.PrimaryKey() == "" {
		return errors.New("entity has no key")
	}
	key := entity.PrimaryKey()
	if _, err := r.Get(ctx, key); err != nil {
		return err
	}
	if tx := r.txFrom(ctx); tx != nil {
		return tx.remove(r, key)
	}
	tx := NewTransaction(r)
	if err := tx.remove(r, key); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) checkWritable(entity core.Entity) error {
	if r.config.ReadOnly {
		return core.ErrReadOnly
	}
	if entity == nil || entity.PrimaryKey() == "" {
		return errors.New("entity has no key")
	}
	return validateKey(entity.PrimaryKey())
}

func validateKey(key string) error {
	if key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, TempFilePrefix) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}

// Get implements core.Finder. Changes staged in the context's transaction
// are visible.
func (r *Repository) Get(ctx context.Context, key string) (core.Entity, error) {
	if tx := r.txFrom(ctx); tx != nil {
		if doc, deleted, ok := tx.lookup(r, key); ok {
			if deleted {
				return nil, fmt.Errorf("%s %s: %w", r.config.Model, key, core.ErrNotFound)
			}
			return fromDocument(r.config.Model, &doc)
		}
	}
	path, ok := r.find(key)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", r.config.Model, key, core.ErrNotFound)
	}
	return r.load(path)
}

// List implements core.Finder.
func (r *Repository) List(ctx context.Context) ([]core.Entity, error) {
	keys, err := r.keys()
	if err != nil {
		return nil, err
	}
	tx := r.txFrom(ctx)
	if tx != nil {
		keys = tx.overlay(r, keys)
	}

	out := make([]core.Entity, 0, len(keys))
	for _, key := range keys {
		e, err := r.Get(ctx, key)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository) load(path string) (core.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	ser, ok := r.serializers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("no serializer for %s", path)
	}
	doc, err := ser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.ID == "" {
		doc.ID = keyOf(path)
	}
	return fromDocument(r.config.Model, doc)
}

// find locates the file holding key, whatever its extension.
func (r *Repository) find(key string) (string, bool) {
	if validateKey(key) != nil {
		return "", false
	}
	preferred := filepath.Join(r.Path, key+r.ext)
	if _, err := os.Stat(preferred); err == nil {
		return preferred, true
	}
	for ext := range r.serializers {
		path := filepath.Join(r.Path, key+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// keys returns the sorted keys of the entity files on disk.
func (r *Repository) keys() ([]string, error) {
	entries, err := os.ReadDir(r.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.Path, err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !r.isEntityFile(entry.Name()) {
			continue
		}
		keys = append(keys, keyOf(entry.Name()))
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (r *Repository) isEntityFile(name string) bool {
	if isTempFile(name) || strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	_, ok := r.serializers[filepath.Ext(name)]
	return ok
}

func keyOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (r *Repository) txFrom(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txKey{root: r.root}).(*Transaction)
	return tx
}

// Reconcile compares the files on disk with the index of the last known
// state and returns events for changes made outside the repository.
func (r *Repository) Reconcile(ctx context.Context) ([]core.Event, error) {
	keys, err := r.keys()
	if err != nil {
		return nil, err
	}
	known := r.cache.Snapshot()
	model := r.config.Model.Name()

	var events []core.Event
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, ok := r.find(key)
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		last, seen := known[key]
		delete(known, key)
		if seen && last.Equal(info.ModTime()) {
			continue
		}

		e, err := r.load(path)
		if err != nil {
			r.handleError(fmt.Errorf("reconcile %s: %w", key, err))
			continue
		}
		t := core.EventUpdated
		if !seen {
			t = core.EventCreated
		}
		events = append(events, core.NewEvent(t, model, e))
		r.cache.Set(key, info.ModTime())
	}
	for key := range known {
		events = append(events, core.NewDeletedEvent(model, key))
		r.cache.Delete(key)
	}

	if err := r.cache.Save(); err != nil {
		return events, err
	}
	r.recordReconcile()
	return events, nil
}

func (r *Repository) handleError(err error) {
	if r.config.ErrorHandler != nil {
		r.config.ErrorHandler(err)
		return
	}
	if r.config.Logger != nil {
		r.config.Logger.Warn("fs repository error", "model", r.config.Model.Name(), "error", err)
	}
}

// NewFactory returns a repository factory creating one initialised
// repository per model under base.Path. rules adds per-model rules on top of
// the rules the model declares.
func NewFactory(base Config, rules map[string]core.Rules) core.RepositoryFactory {
	return core.RepositoryFactoryFunc(func(ctx context.Context, model core.ModelType) (core.Repository, error) {
		cfg := base
		cfg.Model = model
		cfg.Rules = rules[model.Name()]
		repo := NewRepository(cfg)
		if err := repo.Initialize(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	})
}

var (
	_ core.Repository    = (*Repository)(nil)
	_ core.Transactional = (*Repository)(nil)
	_ core.Finder        = (*Repository)(nil)
)
