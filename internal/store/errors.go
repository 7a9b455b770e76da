package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// ConstraintKind classifies a constraint violation reported by SQLite.
type ConstraintKind int

const (
	NoConstraint ConstraintKind = iota
	PrimaryKeyConstraint
	UniqueConstraint
	ForeignKeyConstraint
	NotNullConstraint
	CheckConstraint
	OtherConstraint
)

func (k ConstraintKind) String() string {
	switch k {
	case NoConstraint:
		return "none"
	case PrimaryKeyConstraint:
		return "primary key"
	case UniqueConstraint:
		return "unique"
	case ForeignKeyConstraint:
		return "foreign key"
	case NotNullConstraint:
		return "not null"
	case CheckConstraint:
		return "check"
	}
	return "constraint"
}

// Constraint returns the kind of constraint err reports, or NoConstraint
// when err is not a SQLite constraint violation.
func Constraint(err error) ConstraintKind {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return NoConstraint
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintRowID:
		return PrimaryKeyConstraint
	case sqlite3.ErrConstraintUnique:
		return UniqueConstraint
	case sqlite3.ErrConstraintForeignKey:
		return ForeignKeyConstraint
	case sqlite3.ErrConstraintNotNull:
		return NotNullConstraint
	case sqlite3.ErrConstraintCheck:
		return CheckConstraint
	}
	return OtherConstraint
}
