// Package core holds the entity-service domain: model types, the repository,
// validator and publisher contracts, and the default Service that ties them
// together for create/update/delete workflows.
package core

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"
)

// Attributes are the flexible key-value pairs used both as operation input
// and as the stored state of an entity.
type Attributes map[string]any

// Clone returns a shallow copy of the attributes.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return maps.Clone(a)
}

// Entity is a record with a primary key and arbitrary attributes.
type Entity interface {
	PrimaryKey() string
	SetPrimaryKey(id string)
	// Fill applies the given attributes onto the entity.
	Fill(attrs Attributes) error
	// Attributes returns the entity state as a detached map.
	Attributes() Attributes
}

// Named is implemented by entities that carry their model name at runtime,
// such as map-backed records shared by several model types.
type Named interface {
	ModelName() string
}

// RuleSource is implemented by entities that declare their own default
// validation rules.
type RuleSource interface {
	Rules() Rules
}

// Record is the default map-backed Entity. Embed it in a struct to get a
// ready-made entity:
//
//	type Widget struct{ core.Record }
type Record struct {
	ID    string     `json:"id" yaml:"id"`
	Model string     `json:"model,omitempty" yaml:"model,omitempty"`
	Attrs Attributes `json:"attributes" yaml:"attributes"`
}

// PrimaryKey implements Entity.
func (r *Record) PrimaryKey() string { return r.ID }

// SetPrimaryKey implements Entity.
func (r *Record) SetPrimaryKey(id string) { r.ID = id }

// ModelName implements Named.
func (r *Record) ModelName() string { return r.Model }

// Fill implements Entity.
func (r *Record) Fill(attrs Attributes) error {
	if r.Attrs == nil {
		r.Attrs = make(Attributes, len(attrs))
	}
	for k, v := range attrs {
		r.Attrs[k] = v
	}
	return nil
}

// Attributes implements Entity.
func (r *Record) Attributes() Attributes {
	return r.Attrs.Clone()
}

// Get returns a single attribute value.
func (r *Record) Get(field string) any {
	return r.Attrs[field]
}

// ModelType identifies an entity kind. It is the lookup key used by the
// registry and carries the constructor for empty instances.
//
// The zero value is not a valid model type.
type ModelType struct {
	name   string
	goType reflect.Type
	newFn  func() Entity
}

// NewModelType declares a model type backed by the Go type T.
func NewModelType[T Entity](name string, newFn func() T) ModelType {
	m := ModelType{name: name, goType: reflect.TypeFor[T]()}
	if newFn != nil {
		m.newFn = func() Entity { return newFn() }
	}
	return m
}

// NewRecordModel declares a model type whose instances are plain Records
// tagged with the model name.
func NewRecordModel(name string) ModelType {
	return ModelType{
		name:   name,
		goType: reflect.TypeFor[*Record](),
		newFn: func() Entity {
			return &Record{Model: name, Attrs: Attributes{}}
		},
	}
}

// Name returns the unique model name.
func (m ModelType) Name() string { return m.name }

// String implements fmt.Stringer.
func (m ModelType) String() string {
	if m.name == "" {
		return "<invalid model>"
	}
	return m.name
}

// GoType returns the Go type of the model's instances.
func (m ModelType) GoType() reflect.Type { return m.goType }

// New returns a new empty instance of the model.
func (m ModelType) New() Entity {
	if m.newFn == nil {
		return nil
	}
	return m.newFn()
}

// Check verifies that the model type can produce entities. It returns a
// descriptive error for zero values, unnamed models and constructors that
// yield nil instances. Names double as storage locations, so path
// separators and a leading dot are rejected.
func (m ModelType) Check() error {
	if m.name == "" {
		return errors.New("model type has no name")
	}
	if strings.ContainsAny(m.name, `/\`) || strings.HasPrefix(m.name, ".") || strings.ContainsRune(m.name, 0) {
		return fmt.Errorf("invalid model name %q", m.name)
	}
	if m.newFn == nil || m.goType == nil {
		return fmt.Errorf("model type %s has no constructor", m.name)
	}
	sample := m.newFn()
	if isNilEntity(sample) {
		return fmt.Errorf("model type %s constructor returned nil", m.name)
	}
	if reflect.TypeOf(sample) != m.goType {
		return fmt.Errorf("model type %s constructor returned %T, want %s", m.name, sample, m.goType)
	}
	return nil
}

// Owns reports whether the entity is an instance of this model type.
func (m ModelType) Owns(e Entity) bool {
	if isNilEntity(e) || m.goType == nil {
		return false
	}
	if reflect.TypeOf(e) != m.goType {
		return false
	}
	if n, ok := e.(Named); ok && n.ModelName() != "" && n.ModelName() != m.name {
		return false
	}
	return true
}

// Rules returns the default rules declared by the model's instances, if any.
func (m ModelType) Rules() Rules {
	if src, ok := m.New().(RuleSource); ok {
		return src.Rules().Clone()
	}
	return nil
}

// DescribeEntity returns a short label for the entity's concrete type and
// model name, for error messages.
func DescribeEntity(e Entity) string {
	if isNilEntity(e) {
		return "<nil>"
	}
	if n, ok := e.(Named); ok && n.ModelName() != "" {
		return fmt.Sprintf("%T(%s)", e, n.ModelName())
	}
	return fmt.Sprintf("%T", e)
}

func isNilEntity(e Entity) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice, reflect.Func:
		return v.IsNil()
	}
	return false
}
