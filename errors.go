package him

import (
	"errors"
	"fmt"

	"github.com/hupe1980/him/catalog"
)

var (
	// ErrNotFound is returned when a snapshot, tile or hint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an entity with the same identity already exists.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed or inconsistent input.
	ErrValidation = errors.New("validation failed")

	// ErrCapacity is returned when an admission limit is reached.
	ErrCapacity = errors.New("capacity exhausted")

	// ErrInvalidState is returned when an operation does not fit the current
	// lifecycle state, such as releasing a session twice.
	ErrInvalidState = errors.New("invalid state")

	// ErrStorageIO is returned when the payload store or the catalog fails.
	ErrStorageIO = errors.New("storage i/o")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = fmt.Errorf("%w: store is closed", ErrInvalidState)
)

// ValidationError describes why an input was rejected.
//
// Index is the position of the offending record in a batch, or -1 when the
// input is a single value.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("validation failed: record %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation as the sentinel of e.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(index int, field, format string, args ...any) *ValidationError {
	return &ValidationError{Index: index, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure of the payload store or the catalog.
//
// The original underlying error can be accessed via errors.Unwrap.
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("storage i/o: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage i/o: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorageIO as the sentinel of e.
func (e *StorageError) Is(target error) bool { return target == ErrStorageIO }

// CapacityError is returned when all admission slots are taken.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exhausted: %s (limit %d)", e.Resource, e.Limit)
}

// Is reports ErrCapacity as the sentinel of e.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// translateError maps backend errors onto the package taxonomy.
func translateError(op, name string, err error) error {
	if err == nil {
		return nil
	}

	// Already classified.
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrValidation, ErrCapacity, ErrInvalidState, ErrStorageIO} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, op, name)
	}
	if errors.Is(err, catalog.ErrExists) || errors.Is(err, catalog.ErrConflict) {
		return fmt.Errorf("%w: %s %s: %w", ErrConflict, op, name, err)
	}

	// A payload missing behind an existing row is a storage fault, so
	// blobstore.ErrNotFound stays StorageIO.
	return &StorageError{Op: op, Name: name, Err: err}
}
