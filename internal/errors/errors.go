// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for every failure scope of a sync run
// - Scope checking functions (run, source, table, record)
// - Constructors that attach the failing source/table/record
// - Error wrapping utilities
// - A ValidationErrors collector for configuration checks

package errors

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Run scope: fatal, reported before any I/O.
	ErrConfiguration = errors.New("configuration error")

	// Source scope: the source is skipped for the rest of the run.
	ErrConnection = errors.New("connection error")

	// Table scope: the table is skipped, other tables of the source still run.
	ErrQuery     = errors.New("query error")
	ErrTableBusy = errors.New("table is being synced by another run")

	// Record scope: the record is skipped, the batch continues.
	ErrTransform = errors.New("transform error")
	ErrUpsert    = errors.New("upsert error")

	// Cross-cutting
	ErrTimeout = errors.New("timeout")

	// History
	ErrRunFinalized = errors.New("sync run already finalized")

	// Lookup / request errors
	ErrNotFound       = errors.New("not found")
	ErrUnknownSource  = errors.New("unknown source database")
	ErrUnknownTable   = errors.New("unknown table")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsConfiguration returns true if err is fatal for the whole run.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsConnection returns true if err is scoped to one source.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTableLevel returns true if err is scoped to one table.
func IsTableLevel(err error) bool {
	return errors.Is(err, ErrQuery) || errors.Is(err, ErrTableBusy)
}

// IsRecordLevel returns true if err is scoped to one record.
func IsRecordLevel(err error) bool {
	return errors.Is(err, ErrTransform) || errors.Is(err, ErrUpsert)
}

// IsNotFound returns true if err is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownSource)
}

// IsValidation returns true if err describes bad input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnknownTable)
}

// IsTimeout returns true if err was caused by an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// withTimeout adds ErrTimeout to the chain when cause is a deadline expiry.
func withTimeout(kind, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) && !errors.Is(cause, ErrTimeout) {
		return fmt.Errorf("%w (%w): %w", kind, ErrTimeout, cause)
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewConfiguration creates a run-fatal configuration error.
func NewConfiguration(reason string) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, reason)
}

// NewConnection creates a source-scoped connection error.
func NewConnection(sourceID string, cause error) error {
	return fmt.Errorf("source %q: %w", sourceID, withTimeout(ErrConnection, cause))
}

// NewQuery creates a table-scoped query error.
func NewQuery(table string, cause error) error {
	return fmt.Errorf("table %q: %w", table, withTimeout(ErrQuery, cause))
}

// NewTransform creates a record-scoped transform error.
func NewTransform(key, reason string) error {
	if key == "" {
		return fmt.Errorf("record: %w: %s", ErrTransform, reason)
	}
	return fmt.Errorf("record %q: %w: %s", key, ErrTransform, reason)
}

// NewUpsert creates a record-scoped upsert error.
func NewUpsert(key string, cause error) error {
	return fmt.Errorf("record %q: %w", key, withTimeout(ErrUpsert, cause))
}

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidRequest creates a request validation error.
func NewInvalidRequest(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, reason)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to errors.Is/As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
