package rebase

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/logging"
	"github.com/roach88/rowsync/internal/wire"
)

// ErrPatchset is returned when rebasing a patchset.
var ErrPatchset = errors.New("cannot rebase a patchset")

// Rebaser rewrites local changesets against the conflict resolutions of one
// or more remote applies. It never touches a database.
type Rebaser struct {
	log    *zap.Logger
	tables map[string]*rebaseTable
}

type rebaseTable struct {
	header *wire.TableHeader
	rows   map[string]*resolved
}

// resolved is the layered outcome for one row. Columns written by a remote
// change that was forced with Replace are marked rather than kept.
type resolved struct {
	op      wire.Op
	replace bool
	vals    []dbval.Value
	marked  []bool
}

// NewRebaser returns a Rebaser with no resolutions loaded.
func NewRebaser(logger *zap.Logger) *Rebaser {
	return &Rebaser{
		log:    logging.OrNop(logger).Named("rebase"),
		tables: make(map[string]*rebaseTable),
	}
}

// AddRebase layers the resolutions in blob over those already loaded. A blob
// that fails validation leaves the Rebaser unchanged.
func (rb *Rebaser) AddRebase(blob []byte) error {
	type entry struct {
		h   *wire.TableHeader
		rec wire.Record
	}
	var staged []entry
	shapes := make(map[string]*wire.TableHeader)

	r := wire.NewReader(bytes.NewReader(blob))
	for {
		h, rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if h.Patchset {
			return fmt.Errorf("%w: patchset table header for %q", ErrMalformed, h.Name)
		}
		if rec.Op != wire.OpInsert && rec.Op != wire.OpDelete {
			return fmt.Errorf("%w: %s record for %q", ErrMalformed, rec.Op, h.Name)
		}
		key := strings.ToLower(h.Name)
		known, ok := shapes[key]
		if !ok {
			if t, loaded := rb.tables[key]; loaded {
				known = t.header
			} else {
				known = h
			}
			shapes[key] = known
		}
		if !known.SameShape(h) {
			return fmt.Errorf("%w: table %q changes shape", ErrMalformed, h.Name)
		}
		staged = append(staged, entry{h: h, rec: rec})
	}

	for _, e := range staged {
		rb.add(e.h, e.rec)
	}
	rb.log.Debug("rebase blob added", zap.Int("bytes", len(blob)), zap.Int("records", len(staged)))
	return nil
}

func (rb *Rebaser) add(h *wire.TableHeader, rec wire.Record) {
	name := strings.ToLower(h.Name)
	t, ok := rb.tables[name]
	if !ok {
		t = &rebaseTable{
			header: &wire.TableHeader{Name: h.Name, PK: append([]bool(nil), h.PK...)},
			rows:   make(map[string]*resolved),
		}
		rb.tables[name] = t
	}

	vals := rec.New
	if rec.Op == wire.OpDelete {
		vals = rec.Old
	}
	key := pkKey(t.header.PK, vals)
	n := t.header.NCol()

	prev, ok := t.rows[key]
	if !ok {
		next := &resolved{op: rec.Op, replace: rec.Indirect, vals: make([]dbval.Value, n), marked: make([]bool, n)}
		for i, v := range vals {
			if rec.Indirect && v.IsValid() && !t.header.PK[i] {
				next.marked[i] = true
				continue
			}
			next.vals[i] = v
		}
		t.rows[key] = next
		return
	}
	if prev.op == wire.OpDelete && prev.replace {
		return
	}
	prev.op = rec.Op
	prev.replace = prev.replace || rec.Indirect
	for i, v := range vals {
		switch {
		case prev.marked[i] || (rec.Indirect && !t.header.PK[i]):
			prev.marked[i] = true
			prev.vals[i] = dbval.Value{}
		case v.IsValid():
			prev.vals[i] = v
		}
	}
}

// DoRebase writes the rebased form of s to w. Nothing is written unless the
// whole stream rebases successfully.
func (rb *Rebaser) DoRebase(w io.Writer, s changeset.Stream) error {
	var buf bytes.Buffer
	ww := wire.NewWriter(&buf)

	var in, out *wire.TableHeader
	var t *rebaseTable
	var kept, rewritten, dropped int

	it := changeset.NewChanges(s, false)
	defer it.Finalize()
	for ok := it.Begin(); ok; ok = it.Next() {
		ch := it.Change()
		h := ch.Header()
		if h != in {
			if h.Patchset {
				return &changeset.Error{Code: changeset.ErrCodeSetType, Table: h.Name, Err: ErrPatchset}
			}
			in = h
			out = &wire.TableHeader{Name: h.Name, PK: append([]bool(nil), h.PK...)}
			ww.Begin(out)
			t = rb.tables[strings.ToLower(h.Name)]
			if t != nil && !t.header.SameShape(h) {
				return &changeset.Error{
					Code:  changeset.ErrCodeSchema,
					Table: h.Name,
					Err: fmt.Errorf("%w: %d columns, rebase data has %d",
						changeset.ErrSchemaMismatch, h.NCol(), t.header.NCol()),
				}
			}
		}

		rec := ch.Record()
		var res *resolved
		if t != nil {
			res = t.rows[pkKey(h.PK, keySide(rec))]
		}
		if res == nil {
			kept++
			if err := ww.WriteRecord(rec); err != nil {
				return err
			}
			continue
		}
		next, keep := rebaseRecord(h, rec, res)
		if !keep {
			dropped++
			continue
		}
		rewritten++
		if err := ww.WriteRecord(next); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("rebase: %w", err)
	}
	if err := ww.Flush(); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write rebased changeset: %w", err)
	}
	rb.log.Debug("changeset rebased",
		zap.Int("kept", kept), zap.Int("rewritten", rewritten), zap.Int("dropped", dropped))
	return nil
}

// Rebase returns the rebased form of s as a ChangeSet.
func (rb *Rebaser) Rebase(s changeset.Stream) (*changeset.ChangeSet, error) {
	var buf bytes.Buffer
	if err := rb.DoRebase(&buf, s); err != nil {
		return nil, err
	}
	return changeset.FromData(buf.Bytes(), false)
}

// rebaseRecord rewrites a local change that touches a row the remote apply
// had a conflict on. It reports false when the change should be dropped.
func rebaseRecord(h *wire.TableHeader, rec wire.Record, res *resolved) (wire.Record, bool) {
	n := h.NCol()
	switch rec.Op {
	case wire.OpInsert:
		if res.op != wire.OpInsert {
			return rec, true
		}
		if res.replace {
			return wire.Record{}, false
		}
		return wire.Record{
			Op:       wire.OpUpdate,
			Indirect: rec.Indirect,
			Old:      append([]dbval.Value(nil), res.vals...),
			New:      rec.New,
		}, true

	case wire.OpUpdate:
		if res.op == wire.OpDelete {
			if res.replace {
				return wire.Record{}, false
			}
			vals := make([]dbval.Value, n)
			for i := range vals {
				vals[i] = merge(rec.New[i], res.vals[i], false)
			}
			return wire.Record{Op: wire.OpInsert, Indirect: rec.Indirect, Old: make([]dbval.Value, n), New: vals}, true
		}
		return partialUpdate(h, rec, res)

	default:
		if res.op == wire.OpDelete {
			return wire.Record{}, false
		}
		old := make([]dbval.Value, n)
		for i := range old {
			old[i] = merge(res.vals[i], rec.Old[i], res.marked[i])
		}
		return wire.Record{Op: wire.OpDelete, Indirect: rec.Indirect, Old: old, New: make([]dbval.Value, n)}, true
	}
}

// partialUpdate rebases a local UPDATE over a row the remote change wrote.
// Old values of updated columns become the remote values; columns the remote
// forced are removed. The update is dropped if no column remains.
func partialUpdate(h *wire.TableHeader, rec wire.Record, res *resolved) (wire.Record, bool) {
	n := h.NCol()
	out := wire.Record{
		Op:       wire.OpUpdate,
		Indirect: rec.Indirect,
		Old:      make([]dbval.Value, n),
		New:      make([]dbval.Value, n),
	}
	changed := false
	for i := 0; i < n; i++ {
		remote := res.vals[i]
		switch {
		case h.PK[i] || (!remote.IsValid() && !res.marked[i]):
			out.Old[i] = rec.Old[i]
			if !h.PK[i] && rec.Old[i].IsValid() {
				changed = true
			}
		case !res.marked[i] && rec.Old[i].IsValid():
			out.Old[i] = remote
			changed = true
		}
		if h.PK[i] || !res.marked[i] {
			out.New[i] = rec.New[i]
		}
	}
	return out, changed
}

// merge returns first unless it is undefined or marked, else second.
func merge(first, second dbval.Value, marked bool) dbval.Value {
	if marked || !first.IsValid() {
		return second
	}
	return first
}

func keySide(rec wire.Record) []dbval.Value {
	if rec.Op == wire.OpInsert {
		return rec.New
	}
	return rec.Old
}

func pkKey(pk []bool, vals []dbval.Value) string {
	var b []byte
	for i, isPK := range pk {
		if isPK {
			b = wire.AppendValue(b, vals[i])
		}
	}
	return string(b)
}
