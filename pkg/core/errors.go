package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common errors.
var (
	// ErrEntityService is matched by every error raised by the service layer
	// itself (operation, mismatch, registration and factory errors).
	ErrEntityService = errors.New("entity service error")

	// ErrNotFound is returned by repositories when the entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned by repositories asked to create an entity whose
	// key is already taken.
	ErrConflict = errors.New("entity already exists")

	// ErrTransactionClosed is returned when a committed or rolled back
	// transaction is used again.
	ErrTransactionClosed = errors.New("transaction closed")

	// ErrReadOnly is returned by repositories opened in read-only mode.
	ErrReadOnly = errors.New("repository is in read-only mode")
)

// AppError is implemented by every typed error of this package.
type AppError interface {
	error
	HTTPStatus() int
	Code() string
}

// ValidationError reports input that failed field-level rules.
type ValidationError struct {
	Model  string
	Fields FieldErrors
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields.Fields() {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(e.Fields[field], ", ")))
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Model, strings.Join(parts, "; "))
}

func (e *ValidationError) HTTPStatus() int { return http.StatusUnprocessableEntity }

func (e *ValidationError) Code() string { return "VALIDATION_FAILED" }

// OperationError reports a persistence or transactional failure. The open
// transaction, if any, has been rolled back.
type OperationError struct {
	Op    string
	Model string
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Model, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool { return target == ErrEntityService }

func (e *OperationError) HTTPStatus() int { return http.StatusInternalServerError }

func (e *OperationError) Code() string { return "OPERATION_FAILED" }

// MismatchError reports an entity handed to a service bound to another model.
type MismatchError struct {
	Expected string
	Given    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("service for %s cannot handle %s", e.Expected, e.Given)
}

func (e *MismatchError) Is(target error) bool { return target == ErrEntityService }

func (e *MismatchError) HTTPStatus() int { return http.StatusBadRequest }

func (e *MismatchError) Code() string { return "SERVICE_MISMATCH" }

// RegistrationError reports a registration that violates the model or
// service contract.
type RegistrationError struct {
	Model   string
	Service string
	Reason  string
}

func (e *RegistrationError) Error() string {
	var b strings.Builder
	b.WriteString("cannot register")
	if e.Service != "" {
		fmt.Fprintf(&b, " service %s", e.Service)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " for %s", e.Model)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *RegistrationError) Is(target error) bool { return target == ErrEntityService }

func (e *RegistrationError) HTTPStatus() int { return http.StatusInternalServerError }

func (e *RegistrationError) Code() string { return "REGISTRATION_FAILED" }

// FactoryError reports a failure while resolving a repository or building a
// service.
type FactoryError struct {
	Model string
	Err   error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("build service for %s: %v", e.Model, e.Err)
}

func (e *FactoryError) Unwrap() error { return e.Err }

func (e *FactoryError) Is(target error) bool { return target == ErrEntityService }

func (e *FactoryError) HTTPStatus() int { return http.StatusInternalServerError }

func (e *FactoryError) Code() string { return "FACTORY_FAILED" }

var (
	_ AppError = (*ValidationError)(nil)
	_ AppError = (*OperationError)(nil)
	_ AppError = (*MismatchError)(nil)
	_ AppError = (*RegistrationError)(nil)
	_ AppError = (*FactoryError)(nil)
)
