package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tillage/pkg/adapters/memory"
	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/registry"
)

var invoiceModel = core.NewRecordModel("invoice")

func TestRepository_CRUD(t *testing.T) {
	store := memory.NewStore(map[string]core.Rules{"invoice": {"total": "required"}})
	repo, err := store.Repository(context.Background(), invoiceModel)
	require.NoError(t, err)
	finder := repo.(core.Finder)
	ctx := context.Background()

	assert.Equal(t, core.Rules{"total": "required"}, repo.ValidationRules())

	in := &core.Record{ID: "i1", Attrs: core.Attributes{"total": 10}}
	_, err = repo.Create(ctx, in)
	require.NoError(t, err)
	_, err = repo.Create(ctx, in)
	assert.ErrorIs(t, err, core.ErrConflict)

	in.Attrs["total"] = 99
	got, err := finder.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Attributes()["total"], "stored state is detached from the caller's entity")
	assert.Equal(t, "invoice", got.(core.Named).ModelName())

	require.NoError(t, repo.Delete(ctx, got))
	_, err = finder.Get(ctx, "i1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, got), core.ErrNotFound)
}

func TestRepository_SameInstancePerModel(t *testing.T) {
	store := memory.NewStore(nil)
	a, err := store.Repository(context.Background(), invoiceModel)
	require.NoError(t, err)
	b, err := store.Repository(context.Background(), invoiceModel)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = store.Repository(context.Background(), core.ModelType{})
	assert.Error(t, err)
}

func TestRepository_Transactions(t *testing.T) {
	store := memory.NewStore(nil)
	repo, err := store.Repository(context.Background(), invoiceModel)
	require.NoError(t, err)
	tr := repo.(core.Transactional)
	finder := repo.(core.Finder)
	ctx := context.Background()

	txCtx, tx, err := tr.Begin(ctx)
	require.NoError(t, err)
	_, err = repo.Create(txCtx, &core.Record{ID: "i1"})
	require.NoError(t, err)

	listed, err := finder.List(txCtx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	assert.Zero(t, store.Len("invoice"))

	require.NoError(t, tx.Rollback(ctx))
	assert.Zero(t, store.Len("invoice"))

	txCtx, tx, err = tr.Begin(ctx)
	require.NoError(t, err)
	_, err = repo.Create(txCtx, &core.Record{ID: "i2"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, store.Len("invoice"))
	assert.ErrorIs(t, tx.Commit(ctx), core.ErrTransactionClosed)
}

func TestTransaction_CommitDetectsConcurrentCreates(t *testing.T) {
	store := memory.NewStore(nil)
	repo, err := store.Repository(context.Background(), invoiceModel)
	require.NoError(t, err)
	tr := repo.(core.Transactional)
	finder := repo.(core.Finder)
	ctx := context.Background()

	ctxA, txA, err := tr.Begin(ctx)
	require.NoError(t, err)
	ctxB, txB, err := tr.Begin(ctx)
	require.NoError(t, err)

	_, err = repo.Create(ctxA, &core.Record{ID: "k", Attrs: core.Attributes{"v": 1}})
	require.NoError(t, err)
	_, err = repo.Create(ctxB, &core.Record{ID: "k", Attrs: core.Attributes{"v": 2}})
	require.NoError(t, err)

	require.NoError(t, txA.Commit(ctx))
	assert.ErrorIs(t, txB.Commit(ctx), core.ErrConflict)

	got, err := finder.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attributes()["v"])
}

func TestTransaction_NestedBeginJoins(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()
	invoices, err := store.Repository(ctx, invoiceModel)
	require.NoError(t, err)
	lines, err := store.Repository(ctx, core.NewRecordModel("line"))
	require.NoError(t, err)

	txCtx, tx, err := invoices.(core.Transactional).Begin(ctx)
	require.NoError(t, err)
	innerCtx, inner, err := lines.(core.Transactional).Begin(txCtx)
	require.NoError(t, err)
	assert.Equal(t, core.Nested, inner)
	assert.Equal(t, txCtx, innerCtx)

	_, err = invoices.Create(innerCtx, &core.Record{ID: "i1"})
	require.NoError(t, err)
	_, err = lines.Create(innerCtx, &core.Record{ID: "l1"})
	require.NoError(t, err)
	require.NoError(t, inner.Commit(ctx))
	assert.Zero(t, store.Len("invoice"), "nested commit applies nothing")

	require.NoError(t, tx.Rollback(ctx))
	assert.Zero(t, store.Len("invoice"))
	assert.Zero(t, store.Len("line"))
}

func TestService_OperationsJoinOuterTransaction(t *testing.T) {
	var mu sync.Mutex
	var events []core.Event
	publisher := core.PublisherFunc(func(_ context.Context, e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	store := memory.NewStore(nil)
	factory := registry.New(store, registry.WithPublisher(publisher))
	ctx := context.Background()

	invoices, err := factory.Build(ctx, invoiceModel)
	require.NoError(t, err)
	lines, err := factory.Build(ctx, core.NewRecordModel("line"))
	require.NoError(t, err)
	outer := invoices.(*core.Service)

	t.Run("rollback", func(t *testing.T) {
		err := outer.WithTransaction(ctx, func(ctx context.Context) error {
			if _, err := invoices.Create(ctx, core.Attributes{"total": 1}); err != nil {
				return err
			}
			if _, err := lines.Create(ctx, core.Attributes{"qty": 2}); err != nil {
				return err
			}
			return errors.New("abort")
		})
		require.Error(t, err)
		assert.Zero(t, store.Len("invoice"))
		assert.Zero(t, store.Len("line"))
		assert.Empty(t, events)
	})

	t.Run("commit", func(t *testing.T) {
		err := outer.WithTransaction(ctx, func(ctx context.Context) error {
			if _, err := invoices.Create(ctx, core.Attributes{"total": 1}); err != nil {
				return err
			}
			_, err := lines.Create(ctx, core.Attributes{"qty": 2})
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, store.Len("invoice"))
		assert.Equal(t, 1, store.Len("line"))
		require.Len(t, events, 2)
		assert.Equal(t, "invoice", events[0].Model)
		assert.Equal(t, "line", events[1].Model)
	})
}

// TestEndToEnd_DefaultService wires the registry, the memory store and an
// event recorder the way an application would.
func TestEndToEnd_DefaultService(t *testing.T) {
	type Widget struct{ core.Record }
	widgetModel := core.NewModelType("widget", func() *Widget { return &Widget{} })

	var mu sync.Mutex
	var events []core.Event
	publisher := core.PublisherFunc(func(_ context.Context, e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	required := core.ValidatorFunc(func(_ context.Context, data core.Attributes, rules core.Rules) (core.FieldErrors, error) {
		errs := core.FieldErrors{}
		for field := range rules {
			if v, ok := data[field]; !ok || v == "" {
				errs.Add(field, "is required")
			}
		}
		return errs, nil
	})

	store := memory.NewStore(map[string]core.Rules{"widget": {"name": "required"}})
	factory := registry.New(store, registry.WithPublisher(publisher), registry.WithValidator(required))
	ctx := context.Background()

	svc, err := factory.Build(ctx, widgetModel)
	require.NoError(t, err)

	created, err := svc.Create(ctx, core.Attributes{"name": "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", created.(*Widget).Get("name"))
	require.Len(t, events, 1)
	assert.Equal(t, core.EventCreated, events[0].Type)
	assert.Equal(t, 1, store.Len("widget"))

	_, err = svc.Update(ctx, created, core.Attributes{"name": ""})
	var vErr *core.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Len(t, events, 1)

	require.NoError(t, svc.Delete(ctx, created))
	require.Len(t, events, 2)
	assert.Equal(t, created.PrimaryKey(), events[1].Key)
	assert.Zero(t, store.Len("widget"))
}
