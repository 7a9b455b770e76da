package changeset

// ConflictCause classifies why a change could not be applied.
type ConflictCause int

const (
	// CauseData means the row exists but its values differ from the
	// change's old values.
	CauseData ConflictCause = iota + 1
	// CauseNotFound means the row to update or delete does not exist.
	CauseNotFound
	// CauseConflict means an insert collided with an existing primary key.
	CauseConflict
	// CauseConstraint means a UNIQUE, CHECK or NOT NULL constraint failed.
	CauseConstraint
	// CauseForeignKey means foreign key constraints are violated.
	CauseForeignKey
)

func (c ConflictCause) String() string {
	switch c {
	case CauseData:
		return "data"
	case CauseNotFound:
		return "not found"
	case CauseConflict:
		return "conflict"
	case CauseConstraint:
		return "constraint"
	case CauseForeignKey:
		return "foreign key"
	}
	return "?"
}
