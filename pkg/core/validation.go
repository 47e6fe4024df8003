package core

import (
	"context"
	"maps"
	"slices"
)

// Rules maps a field name to its rule expression.
type Rules map[string]string

// Clone returns a copy of the rule set.
func (r Rules) Clone() Rules {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Subset returns the rules whose field is present in params. The result is
// never nil, so an empty subset validates nothing.
func (r Rules) Subset(params Attributes) Rules {
	out := make(Rules, len(params))
	for field, rule := range r {
		if _, ok := params[field]; ok {
			out[field] = rule
		}
	}
	return out
}

// Merge returns a new rule set where entries of other override r.
func (r Rules) Merge(other Rules) Rules {
	out := make(Rules, len(r)+len(other))
	maps.Copy(out, r)
	maps.Copy(out, other)
	return out
}

// Fields returns the rule field names in sorted order.
func (r Rules) Fields() []string {
	return slices.Sorted(maps.Keys(r))
}

// FieldErrors maps a field name to its validation failures.
type FieldErrors map[string][]string

// Add records a failure for the field.
func (f FieldErrors) Add(field, message string) {
	f[field] = append(f[field], message)
}

// Fields returns the failing field names in sorted order.
func (f FieldErrors) Fields() []string {
	return slices.Sorted(maps.Keys(f))
}

// Validator checks data against a rule set.
type Validator interface {
	// Validate returns the per-field failures, empty when every rule passes.
	// The error is reserved for faults of the engine itself, such as a rule
	// expression that does not compile.
	Validate(ctx context.Context, data Attributes, rules Rules) (FieldErrors, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, data Attributes, rules Rules) (FieldErrors, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, data Attributes, rules Rules) (FieldErrors, error) {
	return f(ctx, data, rules)
}

type nopValidator struct{}

func (nopValidator) Validate(context.Context, Attributes, Rules) (FieldErrors, error) {
	return nil, nil
}
