package changeset

import (
	"errors"
	"fmt"

	"github.com/roach88/rowsync/internal/wire"
)

var (
	// ErrPatchsetInvert is returned when inverting a patchset, which carries
	// no old values to restore.
	ErrPatchsetInvert = errors.New("cannot invert a patchset")

	// ErrCorrupt is returned for truncated or malformed streams.
	ErrCorrupt = wire.ErrCorrupt

	// ErrSchemaMismatch is returned when two streams disagree on the column
	// count or primary key of a table.
	ErrSchemaMismatch = errors.New("table schema mismatch")

	// ErrMixedSetTypes is returned when changesets and patchsets are combined.
	ErrMixedSetTypes = errors.New("cannot combine changeset and patchset")

	// ErrNotInConflict is returned by conflict-only accessors on a change
	// that was not produced by a conflict.
	ErrNotInConflict = errors.New("change is not in conflict context")

	// ErrColumnRange is returned for a column index outside the table.
	ErrColumnRange = errors.New("column index out of range")
)

// ErrorCode categorizes errors tied to a particular table or row.
type ErrorCode string

const (
	// ErrCodeSchema indicates a column count or primary key mismatch.
	ErrCodeSchema ErrorCode = "SCHEMA_MISMATCH"

	// ErrCodeSetType indicates a changeset and patchset were mixed.
	ErrCodeSetType ErrorCode = "MIXED_SET_TYPES"

	// ErrCodeInvert indicates a patchset was inverted.
	ErrCodeInvert ErrorCode = "PATCHSET_INVERT"
)

// Error locates a failure at a table, and optionally an operation.
type Error struct {
	Code  ErrorCode
	Table string
	Op    wire.Op
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != 0 {
		return fmt.Sprintf("%s: table %q (%s): %v", e.Code, e.Table, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: table %q: %v", e.Code, e.Table, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *Error) Unwrap() error { return e.Err }

func schemaError(table string, format string, args ...any) error {
	return &Error{
		Code:  ErrCodeSchema,
		Table: table,
		Err:   fmt.Errorf("%w: "+format, append([]any{ErrSchemaMismatch}, args...)...),
	}
}

// IsSchemaMismatch returns true if err reports a table shape mismatch.
// Uses errors.As to handle wrapped errors.
func IsSchemaMismatch(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeSchema
	}
	return errors.Is(err, ErrSchemaMismatch)
}

// IsMixedSetTypes returns true if err reports combining a changeset with a
// patchset.
func IsMixedSetTypes(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeSetType
	}
	return errors.Is(err, ErrMixedSetTypes)
}
