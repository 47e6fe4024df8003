// Package typed offers a struct view over entity services whose entities
// keep their state as attributes, such as core.Record.
package typed

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/tillage/pkg/core"
)

// ErrNotFinder is returned when the service repository cannot load entities.
var ErrNotFinder = errors.New("repository does not support lookups")

// Document is a typed view of an entity.
type Document[V any] struct {
	ID   string
	Data V

	entity core.Entity
	saver  Saver[V]
}

// Saver persists documents. It keeps documents independent of the concrete
// service type.
type Saver[V any] interface {
	Save(ctx context.Context, doc *Document[V]) error
}

// Save persists the document through the service it came from.
func (d *Document[V]) Save(ctx context.Context) error {
	if d.saver == nil {
		return fmt.Errorf("document %q is detached", d.ID)
	}
	return d.saver.Save(ctx, d)
}

// Entity returns the underlying entity, nil for documents never persisted.
func (d *Document[V]) Entity() core.Entity { return d.entity }

// Service wraps a core.EntityService with typed documents.
type Service[V any] struct {
	svc core.EntityService
}

// NewService creates a typed view of svc.
func NewService[V any](svc core.EntityService) *Service[V] {
	return &Service[V]{svc: svc}
}

// New returns a detached document bound to the service. Saving it creates
// the entity.
func (s *Service[V]) New(data V) *Document[V] {
	return &Document[V]{Data: data, saver: s}
}

// Create validates and persists data as a new entity.
func (s *Service[V]) Create(ctx context.Context, data V) (*Document[V], error) {
	doc := s.New(data)
	if err := s.Save(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Save creates the document's entity or updates it with the current Data.
// A new document with an ID is created under that key.
func (s *Service[V]) Save(ctx context.Context, doc *Document[V]) error {
	attrs, err := Encode(doc.Data)
	if err != nil {
		return err
	}

	var entity core.Entity
	if doc.entity == nil {
		if doc.ID != "" {
			ctx = core.ContextWithKey(ctx, doc.ID)
		}
		entity, err = s.svc.Create(ctx, attrs)
	} else {
		entity, err = s.svc.Update(ctx, doc.entity, attrs)
	}
	if err != nil {
		return err
	}

	doc.entity = entity
	doc.ID = entity.PrimaryKey()
	doc.saver = s
	return nil
}

// Delete removes the document's entity.
func (s *Service[V]) Delete(ctx context.Context, doc *Document[V]) error {
	if doc.entity == nil {
		return fmt.Errorf("document %q was never saved", doc.ID)
	}
	return s.svc.Delete(ctx, doc.entity)
}

// Get loads the document stored under id.
func (s *Service[V]) Get(ctx context.Context, id string) (*Document[V], error) {
	finder, err := s.finder()
	if err != nil {
		return nil, err
	}
	entity, err := finder.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.fromEntity(entity)
}

// List loads every stored document.
func (s *Service[V]) List(ctx context.Context) ([]*Document[V], error) {
	finder, err := s.finder()
	if err != nil {
		return nil, err
	}
	entities, err := finder.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*Document[V], 0, len(entities))
	for _, e := range entities {
		doc, err := s.fromEntity(e)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", e.PrimaryKey(), err)
		}
		result = append(result, doc)
	}
	return result, nil
}

// Unwrap returns the wrapped service.
func (s *Service[V]) Unwrap() core.EntityService { return s.svc }

func (s *Service[V]) finder() (core.Finder, error) {
	finder, ok := s.svc.Repository().(core.Finder)
	if !ok {
		return nil, ErrNotFinder
	}
	return finder, nil
}

func (s *Service[V]) fromEntity(e core.Entity) (*Document[V], error) {
	data, err := Decode[V](e.Attributes())
	if err != nil {
		return nil, err
	}
	return &Document[V]{ID: e.PrimaryKey(), Data: data, entity: e, saver: s}, nil
}

var _ Saver[struct{}] = (*Service[struct{}])(nil)
