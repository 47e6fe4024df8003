package core

import "context"

// Repository defines the storage accessor an entity service persists through.
// Adhering to this interface keeps the service independent of the underlying
// storage mechanism (memory, filesystem, SQL).
type Repository interface {
	// Create persists a new entity and returns the stored instance.
	Create(ctx context.Context, entity Entity) (Entity, error)

	// Save persists changes to an existing entity.
	Save(ctx context.Context, entity Entity) (Entity, error)

	// Delete removes the entity. Implementations may mutate the passed entity.
	Delete(ctx context.Context, entity Entity) error

	// ValidationRules returns the default rule set for the repository's model.
	// The result may be empty.
	ValidationRules() Rules
}

// Finder is implemented by repositories that can load stored entities.
type Finder interface {
	// Get returns the entity stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entity, error)

	// List returns every stored entity ordered by key.
	List(ctx context.Context) ([]Entity, error)
}

// Transaction defines the contract for a unit of work.
type Transaction interface {
	// Commit applies all staged changes atomically.
	Commit(ctx context.Context) error

	// Rollback discards all staged changes. Calling it on a closed
	// transaction is a no-op.
	Rollback(ctx context.Context) error
}

// Transactional is implemented by repositories that support transactions.
type Transactional interface {
	// Begin starts a new transaction. Repository calls made with the returned
	// context join it. When ctx already carries a transaction of the same
	// store, Begin returns ctx unchanged with Nested.
	Begin(ctx context.Context) (context.Context, Transaction, error)
}

// Nested is the Transaction handed out by Begin inside an open transaction.
// Its Commit and Rollback do nothing; the outermost transaction decides.
var Nested Transaction = nestedTx{}

type nestedTx struct{}

func (nestedTx) Commit(context.Context) error { return nil }

func (nestedTx) Rollback(context.Context) error { return nil }

// RepositoryFactory resolves the repository serving a model type.
type RepositoryFactory interface {
	Repository(ctx context.Context, model ModelType) (Repository, error)
}

// RepositoryFactoryFunc adapts a function to RepositoryFactory.
type RepositoryFactoryFunc func(ctx context.Context, model ModelType) (Repository, error)

// Repository implements RepositoryFactory.
func (f RepositoryFactoryFunc) Repository(ctx context.Context, model ModelType) (Repository, error) {
	return f(ctx, model)
}
