package changeset

import (
	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/wire"
)

// Change is one row of a stream as seen through a Changes cursor or handed
// to a conflict resolver. A Change read from a cursor is only valid until
// the cursor moves.
type Change struct {
	table *wire.TableHeader
	rec   wire.Record

	inConflict  bool
	conflict    []dbval.Value
	fkConflicts int
}

// NewChange wraps a decoded record.
func NewChange(h *wire.TableHeader, rec wire.Record) *Change {
	return &Change{table: h, rec: rec}
}

// NewConflictChange wraps a record that failed to apply. conflict holds the
// current target row for Data and Conflict causes and may be nil.
func NewConflictChange(h *wire.TableHeader, rec wire.Record, conflict []dbval.Value) *Change {
	return &Change{table: h, rec: rec, inConflict: true, conflict: conflict}
}

// NewForeignKeyChange wraps a record whose statement violated n foreign key
// constraints.
func NewForeignKeyChange(h *wire.TableHeader, rec wire.Record, n int) *Change {
	return &Change{table: h, rec: rec, inConflict: true, fkConflicts: n}
}

// NewForeignKeyConflict is the change reported when foreign key violations
// remain after all rows have been applied.
func NewForeignKeyConflict(n int) *Change {
	return &Change{
		table:       &wire.TableHeader{},
		inConflict:  true,
		fkConflicts: n,
	}
}

// Operation returns the table name, column count, operation and indirect
// flag of the change.
func (c *Change) Operation() (table string, nCols int, op wire.Op, indirect bool) {
	return c.table.Name, c.table.NCol(), c.rec.Op, c.rec.Indirect
}

// Table returns the table name.
func (c *Change) Table() string { return c.table.Name }

// Op returns the row operation.
func (c *Change) Op() wire.Op { return c.rec.Op }

// Indirect reports whether the change was a side effect.
func (c *Change) Indirect() bool { return c.rec.Indirect }

// NCol returns the column count recorded with the change.
func (c *Change) NCol() int { return c.table.NCol() }

// Header returns the table header the change belongs to.
func (c *Change) Header() *wire.TableHeader { return c.table }

// Record returns the decoded record.
func (c *Change) Record() wire.Record { return c.rec }

// OldValue returns the old value of column i, or an Undefined value when the
// operation carries none for that column.
func (c *Change) OldValue(i int) (dbval.Value, error) {
	if i < 0 || i >= len(c.rec.Old) {
		return dbval.Value{}, ErrColumnRange
	}
	return c.rec.Old[i], nil
}

// NewValue returns the new value of column i, or an Undefined value when the
// operation carries none for that column.
func (c *Change) NewValue(i int) (dbval.Value, error) {
	if i < 0 || i >= len(c.rec.New) {
		return dbval.Value{}, ErrColumnRange
	}
	return c.rec.New[i], nil
}

// PrimaryKeyColumns returns one byte per column, nonzero for key columns.
func (c *Change) PrimaryKeyColumns() []byte { return c.table.PKBytes() }

// FKeyConflicts returns the number of outstanding foreign key violations.
// Only valid on a change passed to a conflict resolver.
func (c *Change) FKeyConflicts() (int, error) {
	if !c.inConflict {
		return 0, ErrNotInConflict
	}
	return c.fkConflicts, nil
}

// ConflictValue returns column i of the target row that blocked the change.
// Only valid on a change passed to a conflict resolver for a Data or
// Conflict cause.
func (c *Change) ConflictValue(i int) (dbval.Value, error) {
	if !c.inConflict || c.conflict == nil {
		return dbval.Value{}, ErrNotInConflict
	}
	if i < 0 || i >= len(c.conflict) {
		return dbval.Value{}, ErrColumnRange
	}
	return c.conflict[i], nil
}

// PrimaryKey returns the key values of the row, taken from the new side of
// inserts and the old side otherwise.
func (c *Change) PrimaryKey() []dbval.Value {
	src := c.rec.Old
	if c.rec.Op == wire.OpInsert {
		src = c.rec.New
	}
	var key []dbval.Value
	for i, pk := range c.table.PK {
		if pk {
			key = append(key, src[i])
		}
	}
	return key
}
