package apply

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/changeset"
)

var (
	// ErrAborted is returned when a resolver stops the apply.
	ErrAborted = errors.New("apply aborted by conflict resolver")

	// ErrMisuse is returned when a resolver answers Replace for a cause
	// that cannot be replaced.
	ErrMisuse = errors.New("replace is only valid for data and conflict causes")
)

// Cause classifies a conflict.
type Cause = changeset.ConflictCause

const (
	CauseData       = changeset.CauseData
	CauseNotFound   = changeset.CauseNotFound
	CauseConflict   = changeset.CauseConflict
	CauseConstraint = changeset.CauseConstraint
	CauseForeignKey = changeset.CauseForeignKey
)

// Disposition is a resolver's answer to a conflict.
type Disposition int

const (
	// Omit skips the conflicting change and continues.
	Omit Disposition = iota
	// Replace forces the change over the conflicting row and continues.
	Replace
	// Abort stops the apply. Changes already made are not rolled back.
	Abort
)

func (d Disposition) String() string {
	switch d {
	case Omit:
		return "omit"
	case Replace:
		return "replace"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

// ParseDisposition maps a policy name to a Disposition. "skip" is accepted
// as an alias for omit.
func ParseDisposition(s string) (Disposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "omit", "skip":
		return Omit, nil
	case "replace":
		return Replace, nil
	case "abort":
		return Abort, nil
	}
	return Abort, fmt.Errorf("unknown conflict policy %q", s)
}

// ConflictResolver decides what happens to a change that cannot be applied
// cleanly. It runs inline on the applying goroutine.
type ConflictResolver interface {
	OnConflict(cause Cause, ch *changeset.Change) Disposition
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(cause Cause, ch *changeset.Change) Disposition

// OnConflict implements ConflictResolver.
func (f ResolverFunc) OnConflict(cause Cause, ch *changeset.Change) Disposition {
	return f(cause, ch)
}

// Always answers d to every conflict. Replace is narrowed to Omit for causes
// it does not apply to.
func Always(d Disposition) ConflictResolver {
	return ResolverFunc(func(cause Cause, _ *changeset.Change) Disposition {
		if d == Replace && !replaceable(cause) {
			return Omit
		}
		return d
	})
}

// PerCause answers overrides[cause] when present and def otherwise, with
// the same narrowing as Always.
func PerCause(def Disposition, overrides map[Cause]Disposition) ConflictResolver {
	return ResolverFunc(func(cause Cause, ch *changeset.Change) Disposition {
		d, ok := overrides[cause]
		if !ok {
			d = def
		}
		return Always(d).OnConflict(cause, ch)
	})
}

// ParseCause maps a cause name to a Cause. Spaces, dashes and underscores
// are interchangeable, so "not-found" and "foreign_key" are accepted.
func ParseCause(s string) (Cause, error) {
	norm := strings.NewReplacer("_", " ", "-", " ").Replace(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range []Cause{CauseData, CauseNotFound, CauseConflict, CauseConstraint, CauseForeignKey} {
		if norm == c.String() {
			return c, nil
		}
	}
	if norm == "fk" {
		return CauseForeignKey, nil
	}
	return 0, fmt.Errorf("unknown conflict cause %q", s)
}

func replaceable(cause Cause) bool {
	return cause == CauseData || cause == CauseConflict
}

// records reports whether a resolved conflict of this cause is written to
// the rebase output. A ForeignKey conflict covers the whole apply and has
// no row of its own.
func records(cause Cause) bool {
	return cause != CauseForeignKey
}
