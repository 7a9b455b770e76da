package changeset

import (
	"fmt"
	"io"

	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/wire"
)

// Group accumulates streams into a single net change. Adding A then B gives
// the changes of applying A followed by B. Tables are emitted in the order
// they were first seen and rows in the order they were first touched.
type Group struct {
	patchset *bool
	tables   []*groupTable
	byName   map[string]*groupTable
}

type groupTable struct {
	header *wire.TableHeader
	// rows holds records in first-touch order; cancelled rows are nil.
	rows  []*wire.Record
	index map[string]int
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{byName: make(map[string]*groupTable)}
}

// Add merges every change of s into the group.
func (g *Group) Add(s Stream) error {
	return g.addStream(s, false)
}

func (g *Group) addStream(s Stream, invert bool) error {
	it := NewChanges(s, invert)
	defer it.Finalize()
	for ok := it.Begin(); ok; ok = it.Next() {
		if err := g.AddChange(it.Change()); err != nil {
			return err
		}
	}
	return it.Err()
}

// AddChange merges a single change into the group.
func (g *Group) AddChange(c *Change) error {
	h := c.Header()
	if g.patchset == nil {
		p := h.Patchset
		g.patchset = &p
	} else if *g.patchset != h.Patchset {
		return &Error{Code: ErrCodeSetType, Table: h.Name, Err: ErrMixedSetTypes}
	}

	t, ok := g.byName[h.Name]
	if !ok {
		t = &groupTable{
			header: &wire.TableHeader{
				Patchset: h.Patchset,
				Name:     h.Name,
				PK:       append([]bool(nil), h.PK...),
			},
			index: make(map[string]int),
		}
		g.tables = append(g.tables, t)
		g.byName[h.Name] = t
	} else if !t.header.SameShape(h) {
		return schemaError(h.Name, "%d columns, expected %d", h.NCol(), t.header.NCol())
	}

	rec := cloneRecord(c.Record())
	key := rowKey(t.header, rec)
	idx, seen := t.index[key]
	if !seen {
		t.index[key] = len(t.rows)
		t.rows = append(t.rows, &rec)
		return nil
	}
	merged, keep := mergeRecords(t.header, *t.rows[idx], rec)
	if !keep {
		t.rows[idx] = nil
		delete(t.index, key)
		return nil
	}
	*t.rows[idx] = merged
	return nil
}

// IsEmpty reports whether the group holds no rows.
func (g *Group) IsEmpty() bool {
	for _, t := range g.tables {
		if len(t.index) > 0 {
			return false
		}
	}
	return true
}

// Output writes the accumulated changes to w.
func (g *Group) Output(w io.Writer) error {
	ww := wire.NewWriter(w)
	for _, t := range g.tables {
		ww.Begin(t.header)
		for _, rec := range t.rows {
			if rec == nil {
				continue
			}
			if err := ww.WriteRecord(*rec); err != nil {
				return err
			}
		}
	}
	return ww.Flush()
}

// rowKey encodes the primary key of rec.
func rowKey(h *wire.TableHeader, rec wire.Record) string {
	src := rec.Old
	if rec.Op == wire.OpInsert {
		src = rec.New
	}
	var b []byte
	for i, pk := range h.PK {
		if pk {
			b = wire.AppendValue(b, src[i])
		}
	}
	return string(b)
}

func cloneRecord(rec wire.Record) wire.Record {
	return wire.Record{
		Op:       rec.Op,
		Indirect: rec.Indirect,
		Old:      append([]dbval.Value(nil), rec.Old...),
		New:      append([]dbval.Value(nil), rec.New...),
	}
}

// mergeRecords combines an existing change a with a later change b to the
// same row. keep is false when the two cancel out.
func mergeRecords(h *wire.TableHeader, a, b wire.Record) (wire.Record, bool) {
	n := h.NCol()
	out := wire.Record{
		Indirect: a.Indirect && b.Indirect,
		Old:      make([]dbval.Value, n),
		New:      make([]dbval.Value, n),
	}

	switch {
	case a.Op == wire.OpInsert && b.Op == wire.OpInsert,
		a.Op == wire.OpUpdate && b.Op == wire.OpInsert,
		a.Op == wire.OpDelete && b.Op == wire.OpUpdate,
		a.Op == wire.OpDelete && b.Op == wire.OpDelete:
		return a, true

	case a.Op == wire.OpInsert && b.Op == wire.OpDelete:
		return wire.Record{}, false

	case a.Op == wire.OpInsert && b.Op == wire.OpUpdate:
		out.Op = wire.OpInsert
		for i := 0; i < n; i++ {
			out.New[i] = pick(b.New[i], a.New[i])
		}
		return out, true

	case a.Op == wire.OpUpdate && b.Op == wire.OpDelete:
		out.Op = wire.OpDelete
		for i := 0; i < n; i++ {
			if h.Patchset && !h.PK[i] {
				continue
			}
			out.Old[i] = pick(a.Old[i], b.Old[i])
		}
		return out, true

	case a.Op == wire.OpDelete && b.Op == wire.OpInsert:
		out.Op = wire.OpUpdate
		for i := 0; i < n; i++ {
			if h.PK[i] {
				out.Old[i] = a.Old[i]
				continue
			}
			if h.Patchset {
				out.New[i] = b.New[i]
				continue
			}
			if !a.Old[i].Equal(b.New[i]) {
				out.Old[i] = a.Old[i]
				out.New[i] = b.New[i]
			}
		}
		return out, hasChange(h, out)

	default: // update + update
		out.Op = wire.OpUpdate
		for i := 0; i < n; i++ {
			if h.PK[i] {
				out.Old[i] = a.Old[i]
				continue
			}
			newVal := pick(b.New[i], a.New[i])
			if h.Patchset {
				out.New[i] = newVal
				continue
			}
			oldVal := pick(a.Old[i], b.Old[i])
			if newVal.IsValid() && !oldVal.Equal(newVal) {
				out.Old[i] = oldVal
				out.New[i] = newVal
			}
		}
		return out, hasChange(h, out)
	}
}

// pick returns first when it is defined, otherwise second.
func pick(first, second dbval.Value) dbval.Value {
	if first.IsValid() {
		return first
	}
	return second
}

func hasChange(h *wire.TableHeader, rec wire.Record) bool {
	for i, pk := range h.PK {
		if !pk && rec.New[i].IsValid() {
			return true
		}
	}
	return false
}

// Concat writes the composition of a followed by b to w.
func Concat(w io.Writer, a, b Stream) error {
	g := NewGroup()
	if err := g.Add(a); err != nil {
		return fmt.Errorf("concatenate: %w", err)
	}
	if err := g.Add(b); err != nil {
		return fmt.Errorf("concatenate: %w", err)
	}
	return g.Output(w)
}
