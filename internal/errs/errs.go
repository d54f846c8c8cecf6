// Package errs holds the error types shared by the saga services.
//
// Every type here is permanent: the consumption boundary never retries it.
package errs

import "fmt"

// ValidationError indicates the caller supplied invalid input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Permanent() bool { return true }

// NotFoundError indicates a referenced aggregate does not exist.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

func (e *NotFoundError) Permanent() bool { return true }

// UnsupportedGatewayError indicates a payment gateway id that is not registered.
type UnsupportedGatewayError struct {
	Gateway string
}

func (e *UnsupportedGatewayError) Error() string {
	return fmt.Sprintf("unsupported payment gateway %q", e.Gateway)
}

func (e *UnsupportedGatewayError) Permanent() bool { return true }

// Invalid is shorthand for a ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// NotFound is shorthand for a NotFoundError.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}
