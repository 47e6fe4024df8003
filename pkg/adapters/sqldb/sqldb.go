// Package sqldb stores entities in a single SQL table, one row per entity
// with its attributes as a JSON document. SQLite (modernc.org/sqlite) and
// PostgreSQL (pgx) are supported through database/sql.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/introspection"
	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/aretw0/tillage/pkg/core"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const schema = `CREATE TABLE IF NOT EXISTS entities (
	model TEXT NOT NULL,
	id TEXT NOT NULL,
	attributes TEXT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (model, id)
)`

// DB is a database holding the entities of every model. It implements
// core.RepositoryFactory.
type DB struct {
	db     *sql.DB
	driver string
	rules  map[string]core.Rules
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithRules adds per-model rules on top of the rules each model declares.
func WithRules(rules map[string]core.Rules) Option {
	return func(d *DB) {
		d.rules = rules
	}
}

// WithLogger sets the logger for the database layer.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// Open connects to the database and creates the entity table if needed.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	case "postgres":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	d := &DB{db: db, driver: driver}
	for _, opt := range opts {
		opt(d)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entities table: %w", err)
	}
	if d.logger != nil {
		d.logger.Debug("sql store opened", "driver", driver)
	}
	return d, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Repository implements core.RepositoryFactory.
func (d *DB) Repository(_ context.Context, model core.ModelType) (core.Repository, error) {
	if err := model.Check(); err != nil {
		return nil, err
	}
	return &Repository{db: d, model: model, rules: model.Rules().Merge(d.rules[model.Name()])}, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{ db *DB }

// Repository stores one model's entities.
type Repository struct {
	db    *DB
	model core.ModelType
	rules core.Rules
}

// Transaction wraps a *sql.Tx.
type Transaction struct {
	tx *sql.Tx
}

// Commit implements core.Transaction.
func (t *Transaction) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return core.ErrTransactionClosed
		}
		return err
	}
	return nil
}

// Rollback implements core.Transaction.
func (t *Transaction) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// ValidationRules implements core.Repository.
func (r *Repository) ValidationRules() core.Rules { return r.rules }

// Begin implements core.Transactional. Repositories of every model sharing
// the DB join a transaction carried by the context.
func (r *Repository) Begin(ctx context.Context) (context.Context, core.Transaction, error) {
	if _, ok := ctx.Value(txKey{db: r.db}).(*sql.Tx); ok {
		return ctx, core.Nested, nil
	}
	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return context.WithValue(ctx, txKey{db: r.db}, tx), &Transaction{tx: tx}, nil
}

func (r *Repository) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{db: r.db}).(*sql.Tx); ok {
		return tx
	}
	return r.db.db
}

// Create implements core.Repository.
func (r *Repository) Create(ctx context.Context, entity core.Entity) (core.Entity, error) {
	payload, err := r.encode(entity)
	if err != nil {
		return nil, err
	}
	res, err := r.conn(ctx).ExecContext(ctx, r.db.rebind(
		`INSERT INTO entities (model, id, attributes, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (model, id) DO NOTHING`),
		r.model.Name(), entity.PrimaryKey(), payload, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert %s %s: %w", r.model, entity.PrimaryKey(), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%s %s: %w", r.model, entity.PrimaryKey(), core.ErrConflict)
	}
	return entity, nil
}

// Save implements core.Repository. Missing entities are created.
func (r *Repository) Save(ctx context.Context, entity core.Entity) (core.Entity, error) {
	payload, err := r.encode(entity)
	if err != nil {
		return nil, err
	}
	_, err = r.conn(ctx).ExecContext(ctx, r.db.rebind(
		`INSERT INTO entities (model, id, attributes, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (model, id) DO UPDATE SET attributes = excluded.attributes, updated_at = excluded.updated_at`),
		r.model.Name(), entity.PrimaryKey(), payload, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("save %s %s: %w", r.model, entity.PrimaryKey(), err)
	}
	return entity, nil
}

// Delete implements core.Repository.
func (r *Repository) Delete(ctx context.Context, entity core.Entity) error {
	if entity == nil {
		return errors.New("entity is nil")
	}
	res, err := r.conn(ctx).ExecContext(ctx, r.db.rebind(
		`DELETE FROM entities WHERE model = ? AND id = ?`), r.model.Name(), entity.PrimaryKey())
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", r.model, entity.PrimaryKey(), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: %w", r.model, entity.PrimaryKey(), core.ErrNotFound)
	}
	return nil
}

// Get implements core.Finder.
func (r *Repository) Get(ctx context.Context, key string) (core.Entity, error) {
	var payload string
	err := r.conn(ctx).QueryRowContext(ctx, r.db.rebind(
		`SELECT attributes FROM entities WHERE model = ? AND id = ?`), r.model.Name(), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", r.model, key, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select %s %s: %w", r.model, key, err)
	}
	return r.decode(key, payload)
}

// List implements core.Finder.
func (r *Repository) List(ctx context.Context) ([]core.Entity, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.db.rebind(
		`SELECT id, attributes FROM entities WHERE model = ? ORDER BY id`), r.model.Name())
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", r.model, err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Entity
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e, err := r.decode(id, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) encode(entity core.Entity) (string, error) {
	if entity == nil || entity.PrimaryKey() == "" {
		return "", errors.New("entity has no key")
	}
	data, err := json.Marshal(entity.Attributes())
	if err != nil {
		return "", fmt.Errorf("encode %s %s: %w", r.model, entity.PrimaryKey(), err)
	}
	return string(data), nil
}

func (r *Repository) decode(id, payload string) (core.Entity, error) {
	var attrs core.Attributes
	if err := json.Unmarshal([]byte(payload), &attrs); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", r.model, id, err)
	}
	e := r.model.New()
	if e == nil {
		return nil, fmt.Errorf("model %s produced no instance", r.model)
	}
	e.SetPrimaryKey(id)
	if err := e.Fill(attrs); err != nil {
		return nil, err
	}
	return e, nil
}

// DBState exposes connection pool statistics.
type DBState struct {
	Driver    string `json:"driver"`
	OpenConns int    `json:"open_connections"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	WaitCount int64  `json:"wait_count"`
	MaxOpen   int    `json:"max_open_connections"`
}

// State implements introspection.Introspectable.
func (d *DB) State() any {
	s := d.db.Stats()
	return DBState{
		Driver:    d.driver,
		OpenConns: s.OpenConnections,
		InUse:     s.InUse,
		Idle:      s.Idle,
		WaitCount: s.WaitCount,
		MaxOpen:   s.MaxOpenConnections,
	}
}

// ComponentType implements introspection.Component.
func (r *Repository) ComponentType() string { return "sql-repository" }

var (
	_ core.RepositoryFactory       = (*DB)(nil)
	_ core.Repository              = (*Repository)(nil)
	_ core.Transactional           = (*Repository)(nil)
	_ core.Finder                  = (*Repository)(nil)
	_ introspection.Introspectable = (*DB)(nil)
	_ introspection.Component      = (*Repository)(nil)
)
