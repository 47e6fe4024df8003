// Package validation implements core.Validator on top of go-playground
// validator tags, with expr-lang expressions for rules tags cannot express.
//
// A rule is either a validator tag list such as "required,min=3" or a
// boolean expression prefixed with "expr:", evaluated with the field value
// bound to `value`, the whole input bound to `data` and the field name
// bound to `field`:
//
//	rules := core.Rules{
//		"name":  "required,min=2",
//		"total": "expr: value >= data.subtotal",
//	}
//
// Fields absent from the input are only checked when their rule contains
// "required".
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-playground/validator/v10"

	"github.com/aretw0/tillage/pkg/core"
)

// ExprPrefix marks a rule as an expr-lang expression.
const ExprPrefix = "expr:"

// Validator checks attributes against rule sets. It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// Option configures a Validator.
type Option func(*Validator)

// WithValidate uses a preconfigured validator instance, e.g. one with custom
// tags already registered.
func WithValidate(v *validator.Validate) Option {
	return func(val *Validator) {
		if v != nil {
			val.validate = v
		}
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		programs: make(map[string]*vm.Program),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterTag adds a custom validator tag usable in rules.
func (v *Validator) RegisterTag(tag string, fn validator.Func) error {
	return v.validate.RegisterValidation(tag, fn)
}

// Validate implements core.Validator. Malformed rules are reported as an
// error; failing values are reported per field.
func (v *Validator) Validate(ctx context.Context, data core.Attributes, rules core.Rules) (core.FieldErrors, error) {
	failures := core.FieldErrors{}
	var errs []error

	for _, field := range rules.Fields() {
		rule := strings.TrimSpace(rules[field])
		if rule == "" {
			continue
		}
		value, present := data[field]
		if !present && !strings.Contains(rule, "required") {
			continue
		}

		var err error
		if src, ok := strings.CutPrefix(rule, ExprPrefix); ok {
			err = v.checkExpr(field, strings.TrimSpace(src), value, data, failures)
		} else {
			err = v.checkTag(ctx, field, rule, value, failures)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule for %s: %w", field, err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return failures, nil
}

func (v *Validator) checkTag(ctx context.Context, field, tag string, value any, failures core.FieldErrors) (err error) {
	// validator panics on unknown tags.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule %q: %v", tag, r)
		}
	}()

	verr := v.validate.VarCtx(ctx, value, tag)
	if verr == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(verr, &fieldErrs) {
		return verr
	}
	for _, fe := range fieldErrs {
		failures.Add(field, tagMessage(fe))
	}
	return nil
}

func tagMessage(fe validator.FieldError) string {
	switch {
	case strings.HasPrefix(fe.Tag(), "required"):
		return "is required"
	case fe.Param() != "":
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("must satisfy %s", fe.Tag())
	}
}

func (v *Validator) checkExpr(field, src string, value any, data core.Attributes, failures core.FieldErrors) error {
	program, err := v.program(src)
	if err != nil {
		return err
	}

	out, err := expr.Run(program, exprEnv(field, value, data))
	if err != nil {
		failures.Add(field, fmt.Sprintf("cannot evaluate %q: %v", src, err))
		return nil
	}
	if ok, _ := out.(bool); !ok {
		failures.Add(field, fmt.Sprintf("must satisfy %s", src))
	}
	return nil
}

func exprEnv(field string, value any, data core.Attributes) map[string]any {
	return map[string]any{
		"field": field,
		"value": value,
		"data":  map[string]any(data),
	}
}

func (v *Validator) program(src string) (*vm.Program, error) {
	v.mu.RLock()
	if p, ok := v.programs[src]; ok {
		v.mu.RUnlock()
		return p, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if p, ok := v.programs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	v.programs[src] = p
	return p, nil
}

// Check compiles every rule without evaluating it, reporting malformed tags
// and expressions up front.
func (v *Validator) Check(rules core.Rules) error {
	var errs []error
	for _, field := range rules.Fields() {
		rule := strings.TrimSpace(rules[field])
		if src, ok := strings.CutPrefix(rule, ExprPrefix); ok {
			if _, err := v.program(strings.TrimSpace(src)); err != nil {
				errs = append(errs, fmt.Errorf("rule for %s: %w", field, err))
			}
			continue
		}
		if rule == "" {
			continue
		}
		if err := v.checkTag(context.Background(), field, rule, "", core.FieldErrors{}); err != nil {
			errs = append(errs, fmt.Errorf("rule for %s: %w", field, err))
		}
	}
	return errors.Join(errs...)
}

var _ core.Validator = (*Validator)(nil)
