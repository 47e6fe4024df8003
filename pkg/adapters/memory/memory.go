// Package memory provides an in-process, transactional repository for tests
// and ephemeral deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/introspection"

	"github.com/aretw0/tillage/pkg/core"
)

type record struct {
	id    string
	attrs core.Attributes
}

// Store holds the entities of every model. It hands out one Repository per
// model through its RepositoryFactory.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]record // model -> key -> record
	rules  map[string]core.Rules

	reposMu sync.Mutex
	repos   map[string]*Repository
}

// NewStore creates an empty store. rules adds per-model rules on top of the
// rules each model declares.
func NewStore(rules map[string]core.Rules) *Store {
	return &Store{
		tables: make(map[string]map[string]record),
		rules:  rules,
		repos:  make(map[string]*Repository),
	}
}

// Repository implements core.RepositoryFactory.
func (s *Store) Repository(_ context.Context, model core.ModelType) (core.Repository, error) {
	if err := model.Check(); err != nil {
		return nil, err
	}
	s.reposMu.Lock()
	defer s.reposMu.Unlock()
	if repo, ok := s.repos[model.Name()]; ok {
		return repo, nil
	}
	repo := &Repository{store: s, model: model, rules: model.Rules().Merge(s.rules[model.Name()])}
	s.repos[model.Name()] = repo
	return repo, nil
}

// Len returns the number of entities stored for the model.
func (s *Store) Len(model string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[model])
}

// Repository stores one model's entities in its Store.
type Repository struct {
	store *Store
	model core.ModelType
	rules core.Rules
}

type txKey struct{ store *Store }

// Transaction stages changes to every model of a Store until Commit applies
// them under the store lock.
type Transaction struct {
	store   *Store
	mu      sync.Mutex
	staged  map[string]map[string]record // model -> key -> record
	deleted map[string]map[string]bool
	created map[string]map[string]bool // keys staged by Create
	closed  bool
}

// ValidationRules implements core.Repository.
func (r *Repository) ValidationRules() core.Rules { return r.rules }

// Begin implements core.Transactional. Repositories of every model sharing
// the Store join a transaction carried by the context.
func (r *Repository) Begin(ctx context.Context) (context.Context, core.Transaction, error) {
	if r.txFrom(ctx) != nil {
		return ctx, core.Nested, nil
	}
	tx := &Transaction{
		store:   r.store,
		staged:  make(map[string]map[string]record),
		deleted: make(map[string]map[string]bool),
		created: make(map[string]map[string]bool),
	}
	return context.WithValue(ctx, txKey{store: r.store}, tx), tx, nil
}

func (r *Repository) txFrom(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txKey{store: r.store}).(*Transaction)
	return tx
}

// Create implements core.Repository.
func (r *Repository) Create(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if entity == nil || entity.PrimaryKey() == "" {
		return nil, errors.New("entity has no key")
	}
	if _, err := r.Get(ctx, entity.PrimaryKey()); err == nil {
		return nil, r.conflict(entity.PrimaryKey())
	}
	return entity, r.put(ctx, entity, true)
}

// Save implements core.Repository.
func (r *Repository) Save(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if entity == nil || entity.PrimaryKey() == "" {
		return nil, errors.New("entity has no key")
	}
	return entity, r.put(ctx, entity, false)
}

func (r *Repository) put(ctx context.Context, entity core.Entity, create bool) error {
	rec := record{id: entity.PrimaryKey(), attrs: entity.Attributes()}
	if tx := r.txFrom(ctx); tx != nil {
		return tx.stage(r.model.Name(), rec, create)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	table := r.store.table(r.model.Name())
	if _, taken := table[rec.id]; create && taken {
		return r.conflict(rec.id)
	}
	table[rec.id] = rec
	return nil
}

// Delete implements core.Repository.
func (r *Repository) Delete(ctx context.Context, entity core.Entity) error {
	if entity == nil {
		return errors.New("entity is nil")
	}
	key := entity.PrimaryKey()
	if _, err := r.Get(ctx, key); err != nil {
		return err
	}
	if tx := r.txFrom(ctx); tx != nil {
		return tx.remove(r.model.Name(), key)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.tables[r.model.Name()], key)
	return nil
}

// Get implements core.Finder.
func (r *Repository) Get(ctx context.Context, key string) (core.Entity, error) {
	if tx := r.txFrom(ctx); tx != nil {
		if rec, deleted, ok := tx.lookup(r.model.Name(), key); ok {
			if deleted {
				return nil, r.notFound(key)
			}
			return r.materialize(rec)
		}
	}
	r.store.mu.RLock()
	rec, ok := r.store.tables[r.model.Name()][key]
	r.store.mu.RUnlock()
	if !ok {
		return nil, r.notFound(key)
	}
	return r.materialize(rec)
}

// List implements core.Finder.
func (r *Repository) List(ctx context.Context) ([]core.Entity, error) {
	r.store.mu.RLock()
	keys := slices.Collect(maps.Keys(r.store.tables[r.model.Name()]))
	r.store.mu.RUnlock()

	if tx := r.txFrom(ctx); tx != nil {
		keys = tx.overlay(r.model.Name(), keys)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

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

func (r *Repository) materialize(rec record) (core.Entity, error) {
	e := r.model.New()
	if e == nil {
		return nil, fmt.Errorf("model %s produced no instance", r.model)
	}
	e.SetPrimaryKey(rec.id)
	if err := e.Fill(rec.attrs.Clone()); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Repository) notFound(key string) error {
	return fmt.Errorf("%s %s: %w", r.model, key, core.ErrNotFound)
}

func (r *Repository) conflict(key string) error {
	return fmt.Errorf("%s %s: %w", r.model, key, core.ErrConflict)
}

func (s *Store) table(model string) map[string]record {
	t, ok := s.tables[model]
	if !ok {
		t = make(map[string]record)
		s.tables[model] = t
	}
	return t
}

func (t *Transaction) stage(model string, rec record, create bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransactionClosed
	}
	nested(t.staged, model)[rec.id] = rec
	if create && !t.deleted[model][rec.id] {
		nested(t.created, model)[rec.id] = true
	}
	delete(t.deleted[model], rec.id)
	return nil
}

func (t *Transaction) remove(model, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransactionClosed
	}
	nested(t.deleted, model)[key] = true
	delete(t.staged[model], key)
	delete(t.created[model], key)
	return nil
}

func (t *Transaction) lookup(model, key string) (rec record, deleted, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted[model][key] {
		return record{}, true, true
	}
	rec, ok = t.staged[model][key]
	return rec, false, ok
}

func (t *Transaction) overlay(model string, keys []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := slices.DeleteFunc(keys, func(k string) bool { return t.deleted[model][k] })
	for k := range t.staged[model] {
		out = append(out, k)
	}
	return out
}

// Commit implements core.Transaction. It fails with core.ErrConflict, and
// applies nothing, when a key created in the transaction was taken by
// another writer in the meantime.
func (t *Transaction) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransactionClosed
	}
	t.closed = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for model, keys := range t.created {
		for key := range keys {
			if _, taken := s.tables[model][key]; taken {
				return fmt.Errorf("%s %s: %w", model, key, core.ErrConflict)
			}
		}
	}
	for model, recs := range t.staged {
		table := s.table(model)
		for key, rec := range recs {
			table[key] = rec
		}
	}
	for model, keys := range t.deleted {
		for key := range keys {
			delete(s.tables[model], key)
		}
	}
	return nil
}

// Rollback implements core.Transaction.
func (t *Transaction) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
	t.deleted = nil
	t.created = nil
	t.closed = true
	return nil
}

func nested[V any](m map[string]map[string]V, model string) map[string]V {
	inner, ok := m[model]
	if !ok {
		inner = make(map[string]V)
		m[model] = inner
	}
	return inner
}

// StoreState exposes entity counts per model.
type StoreState struct {
	Models map[string]int `json:"models"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int, len(s.tables))
	for model, table := range s.tables {
		counts[model] = len(table)
	}
	return StoreState{Models: counts}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string { return "memory-store" }

// ComponentType implements introspection.Component.
func (r *Repository) ComponentType() string { return "memory-repository" }

var (
	_ core.RepositoryFactory       = (*Store)(nil)
	_ core.Repository              = (*Repository)(nil)
	_ core.Transactional           = (*Repository)(nil)
	_ core.Finder                  = (*Repository)(nil)
	_ introspection.Introspectable = (*Store)(nil)
	_ introspection.Component      = (*Repository)(nil)
)
