package sqldb_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tillage/pkg/adapters/sqldb"
	"github.com/aretw0/tillage/pkg/core"
)

type Widget struct{ core.Record }

var (
	widgetModel  = core.NewModelType("widget", func() *Widget { return &Widget{} })
	invoiceModel = core.NewRecordModel("invoice")
)

func openSQLite(t *testing.T) *sqldb.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "tillage.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqldb.Open(context.Background(), sqldb.DriverSQLite, dsn,
		sqldb.WithRules(map[string]core.Rules{"widget": {"name": "required"}}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func repository(t *testing.T, db *sqldb.DB, model core.ModelType) *sqldb.Repository {
	t.Helper()
	repo, err := db.Repository(context.Background(), model)
	require.NoError(t, err)
	return repo.(*sqldb.Repository)
}

func exerciseCRUD(t *testing.T, db *sqldb.DB) {
	repo := repository(t, db, widgetModel)
	ctx := context.Background()

	w := &Widget{Record: core.Record{ID: "w1", Attrs: core.Attributes{"name": "alpha", "qty": 3}}}
	_, err := repo.Create(ctx, w)
	require.NoError(t, err)
	_, err = repo.Create(ctx, w)
	assert.ErrorIs(t, err, core.ErrConflict)

	got, err := repo.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.(*Widget).Get("name"))
	assert.EqualValues(t, 3, got.(*Widget).Get("qty"))

	require.NoError(t, got.Fill(core.Attributes{"name": "beta"}))
	_, err = repo.Save(ctx, got)
	require.NoError(t, err)

	listed, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "beta", listed[0].Attributes()["name"])

	require.NoError(t, repo.Delete(ctx, got))
	assert.ErrorIs(t, repo.Delete(ctx, got), core.ErrNotFound)
	_, err = repo.Get(ctx, "w1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_CRUD(t *testing.T) {
	exerciseCRUD(t, openSQLite(t))
}

func TestPostgres_CRUD(t *testing.T) {
	dsn := os.Getenv("TILLAGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TILLAGE_TEST_POSTGRES_DSN not set")
	}
	db, err := sqldb.Open(context.Background(), "postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	exerciseCRUD(t, db)
}

func TestRepository_ModelsAreIsolated(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	widgets := repository(t, db, widgetModel)
	invoices := repository(t, db, invoiceModel)

	_, err := widgets.Create(ctx, &Widget{Record: core.Record{ID: "x"}})
	require.NoError(t, err)
	_, err = invoices.Create(ctx, &core.Record{ID: "x"})
	require.NoError(t, err, "same key under another model")

	got, err := invoices.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "invoice", got.(core.Named).ModelName())
}

func TestRepository_Rules(t *testing.T) {
	db := openSQLite(t)
	assert.Equal(t, core.Rules{"name": "required"}, repository(t, db, widgetModel).ValidationRules())
	assert.Empty(t, repository(t, db, invoiceModel).ValidationRules())
}

func TestService_RollsBackOnFailure(t *testing.T) {
	db := openSQLite(t)
	repo := repository(t, db, widgetModel)
	ctx := context.Background()

	svc := core.NewService(widgetModel, repo, nil, nil, core.WithKeyGenerator(func() string { return "fixed" }))
	_, err := svc.Create(ctx, core.Attributes{"name": "a"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, core.Attributes{"name": "b"})
	var opErr *core.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, core.ErrConflict)

	err = svc.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := repo.Save(ctx, &Widget{Record: core.Record{ID: "temp"}}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = repo.Get(ctx, "temp")
	assert.ErrorIs(t, err, core.ErrNotFound, "rolled back")

	listed, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "a", listed[0].Attributes()["name"])
}

func TestService_NestedOperationsShareTransaction(t *testing.T) {
	db := openSQLite(t)
	widgets := repository(t, db, widgetModel)
	invoices := repository(t, db, invoiceModel)
	ctx := context.Background()

	var published []core.Event
	publisher := core.PublisherFunc(func(_ context.Context, e core.Event) { published = append(published, e) })
	widgetSvc := core.NewService(widgetModel, widgets, nil, publisher)
	invoiceSvc := core.NewService(invoiceModel, invoices, nil, publisher)

	err := widgetSvc.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := widgetSvc.Create(ctx, core.Attributes{"name": "a"}); err != nil {
			return err
		}
		if _, err := invoiceSvc.Create(ctx, core.Attributes{"total": 1}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, published)

	listed, err := widgets.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
	listed, err = invoices.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)

	err = widgetSvc.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := invoiceSvc.Create(ctx, core.Attributes{"total": 2})
		return err
	})
	require.NoError(t, err)
	require.Len(t, published, 1)
	listed, err = invoices.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestRepository_BeginJoinsOpenTransaction(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	txCtx, tx, err := repository(t, db, widgetModel).Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	innerCtx, inner, err := repository(t, db, invoiceModel).Begin(txCtx)
	require.NoError(t, err)
	assert.Equal(t, core.Nested, inner)
	assert.Equal(t, txCtx, innerCtx)
}

func TestTransaction_ClosedAfterCommit(t *testing.T) {
	db := openSQLite(t)
	repo := repository(t, db, widgetModel)
	ctx := context.Background()

	_, tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), core.ErrTransactionClosed)
	assert.NoError(t, tx.Rollback(ctx))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sqldb.Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}

func TestDB_State(t *testing.T) {
	state, ok := openSQLite(t).State().(sqldb.DBState)
	require.True(t, ok)
	assert.Equal(t, "sqlite", state.Driver)
}
