package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EntityService performs the create/update/delete workflow for one model type.
type EntityService interface {
	// Model returns the model type the service is bound to.
	Model() ModelType

	// Create validates params against the full rule set, persists a new
	// entity built from them and emits a created event.
	Create(ctx context.Context, params Attributes) (Entity, error)

	// Update validates the rules for the fields present in params, applies
	// params onto entity, persists it and emits an updated event.
	Update(ctx context.Context, entity Entity, params Attributes) (Entity, error)

	// Delete removes the entity and emits a deleted event carrying the key
	// the entity had before deletion.
	Delete(ctx context.Context, entity Entity) error

	// Validate checks data against rules, or against the repository's
	// default rules when rules is nil.
	Validate(ctx context.Context, data Attributes, rules Rules) error

	// Repository returns the underlying storage accessor.
	Repository() Repository
}

// DeleteGuard runs before a deletion. Returning an error aborts it.
type DeleteGuard func(ctx context.Context, entity Entity) error

// Service is the default EntityService implementation.
type Service struct {
	model     ModelType
	repo      Repository
	validator Validator
	publisher Publisher
	guard     DeleteGuard
	keyGen    func() string
	logger    *slog.Logger
	metrics   MetricsRecorder
	tracer    Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDeleteGuard installs a pre-delete check, e.g. for referential integrity.
func WithDeleteGuard(guard DeleteGuard) ServiceOption {
	return func(s *Service) {
		s.guard = guard
	}
}

// WithKeyGenerator overrides how primary keys are assigned to new entities
// that have none. Defaults to random UUIDs.
func WithKeyGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		s.keyGen = fn
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the recorder receiving operation outcomes.
func WithMetrics(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer wrapping each operation in a span.
func WithTracer(t Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService creates a service for the model type. A nil validator accepts
// everything; a nil publisher discards events.
func NewService(model ModelType, repo Repository, validator Validator, publisher Publisher, opts ...ServiceOption) *Service {
	if validator == nil {
		validator = nopValidator{}
	}
	if publisher == nil {
		publisher = NopPublisher
	}
	s := &Service{
		model:     model,
		repo:      repo,
		validator: validator,
		publisher: publisher,
		keyGen:    uuid.NewString,
		metrics:   noopMetrics{},
		tracer:    noopTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type keyCtx struct{}

// ContextWithKey makes Create calls using the returned context store the new
// entity under key instead of a generated one. A key filled from the params
// wins.
func ContextWithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtx{}, key)
}

// Model implements EntityService.
func (s *Service) Model() ModelType { return s.model }

// Repository implements EntityService.
func (s *Service) Repository() Repository { return s.repo }

// Create implements EntityService.
func (s *Service) Create(ctx context.Context, params Attributes) (_ Entity, err error) {
	ctx, done := s.observe(ctx, "create")
	defer func() { done(err) }()

	if err := s.Validate(ctx, params, nil); err != nil {
		return nil, err
	}

	var created Entity
	err = s.runInTransaction(ctx, "create", func(ctx context.Context) error {
		entity := s.model.New()
		if isNilEntity(entity) {
			return fmt.Errorf("model %s produced no instance", s.model)
		}
		if err := entity.Fill(params); err != nil {
			return fmt.Errorf("fill: %w", err)
		}
		if entity.PrimaryKey() == "" {
			if key, ok := ctx.Value(keyCtx{}).(string); ok && key != "" {
				entity.SetPrimaryKey(key)
			} else if s.keyGen != nil {
				entity.SetPrimaryKey(s.keyGen())
			}
		}
		out, err := s.repo.Create(ctx, entity)
		if err != nil {
			return err
		}
		if isNilEntity(out) {
			out = entity
		}
		created = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, NewEvent(EventCreated, s.model.Name(), created))
	return created, nil
}

// Update implements EntityService.
func (s *Service) Update(ctx context.Context, entity Entity, params Attributes) (_ Entity, err error) {
	ctx, done := s.observe(ctx, "update")
	defer func() { done(err) }()

	if err := s.checkOwnership(entity); err != nil {
		return nil, err
	}
	if err := s.Validate(ctx, params, s.rulesFor(params)); err != nil {
		return nil, err
	}

	err = s.runInTransaction(ctx, "update", func(ctx context.Context) error {
		if err := entity.Fill(params); err != nil {
			return fmt.Errorf("fill: %w", err)
		}
		_, err := s.repo.Save(ctx, entity)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, NewEvent(EventUpdated, s.model.Name(), entity))
	return entity, nil
}

// Delete implements EntityService.
func (s *Service) Delete(ctx context.Context, entity Entity) (err error) {
	ctx, done := s.observe(ctx, "delete")
	defer func() { done(err) }()

	if err := s.checkOwnership(entity); err != nil {
		return err
	}
	if s.guard != nil {
		if err := s.guard(ctx, entity); err != nil {
			return err
		}
	}

	var key string
	err = s.runInTransaction(ctx, "delete", func(ctx context.Context) error {
		key = entity.PrimaryKey()
		return s.repo.Delete(ctx, entity)
	})
	if err != nil {
		return err
	}

	s.emit(ctx, NewDeletedEvent(s.model.Name(), key))
	return nil
}

// Validate implements EntityService.
func (s *Service) Validate(ctx context.Context, data Attributes, rules Rules) error {
	if rules == nil {
		rules = s.repo.ValidationRules()
	}
	if len(rules) == 0 {
		return nil
	}
	fields, err := s.validator.Validate(ctx, data, rules)
	if err != nil {
		return fmt.Errorf("validate %s: %w", s.model, err)
	}
	if len(fields) > 0 {
		return &ValidationError{Model: s.model.Name(), Fields: fields}
	}
	return nil
}

// WithTransaction executes fn within a repository transaction. The
// transaction commits when fn succeeds; otherwise it is rolled back and the
// failure is returned as an *OperationError. Repositories that do not
// implement Transactional run fn directly.
//
// Service operations called from fn with its context join the transaction:
// their events are held back until the outermost transaction commits, and a
// failing operation rolls the whole transaction back even when fn ignores
// the error.
func (s *Service) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.runInTransaction(ctx, "transaction", fn)
}

func (s *Service) runInTransaction(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	parent := ctx
	sc, outer := scopeFrom(ctx)
	if !outer {
		sc = &scope{}
		ctx = context.WithValue(ctx, scopeKey{}, sc)
	}
	if err := s.transact(ctx, op, fn); err != nil {
		if outer {
			sc.fail(err)
		}
		return err
	}
	if !outer {
		sc.flush(parent)
	}
	return nil
}

func (s *Service) transact(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	tr, ok := s.repo.(Transactional)
	if !ok {
		if err := fn(ctx); err != nil {
			return s.operationError(op, err)
		}
		return nil
	}

	txCtx, tx, err := tr.Begin(ctx)
	if err != nil {
		return s.operationError(op, fmt.Errorf("begin transaction: %w", err))
	}

	// Release the transaction on panic before letting it propagate.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		s.rollback(ctx, tx, op)
		return s.operationError(op, err)
	}
	if tx != Nested {
		// A nested operation may have failed while fn carried on.
		if err := scopeFailure(txCtx); err != nil {
			s.rollback(ctx, tx, op)
			return s.operationError(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return s.operationError(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, tx Transaction, op string) {
	if err := tx.Rollback(ctx); err != nil && s.logger != nil {
		s.logger.Warn("rollback failed", "model", s.model.Name(), "op", op, "error", err)
	}
}

// emit publishes the event, or queues it until the outermost operation of
// the context has committed.
func (s *Service) emit(ctx context.Context, e Event) {
	if sc, ok := scopeFrom(ctx); ok {
		sc.queue(s.publisher, e)
		return
	}
	s.publisher.Publish(ctx, e)
}

func (s *Service) operationError(op string, err error) error {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return err
	}
	return &OperationError{Op: op, Model: s.model.Name(), Err: err}
}

func (s *Service) checkOwnership(entity Entity) error {
	if !s.model.Owns(entity) {
		return &MismatchError{Expected: s.model.Name(), Given: DescribeEntity(entity)}
	}
	return nil
}

// rulesFor returns the subset of the default rules matching the keys of params.
func (s *Service) rulesFor(params Attributes) Rules {
	return s.repo.ValidationRules().Subset(params)
}

func (s *Service) observe(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, s.model.Name(), op)
	return ctx, func(err error) {
		elapsed := time.Since(start)
		span.End(err)
		s.metrics.Observe(ctx, s.model.Name(), op, err == nil, elapsed)
		if s.logger == nil {
			return
		}
		if err != nil {
			s.logger.Debug("entity operation failed", "model", s.model.Name(), "op", op, "error", err, "duration", elapsed)
			return
		}
		s.logger.Debug("entity operation completed", "model", s.model.Name(), "op", op, "duration", elapsed)
	}
}

var _ EntityService = (*Service)(nil)
