package apply

import (
	"strings"

	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/wire"
)

// target is a live table prepared to receive one table's changes.
type target struct {
	header *wire.TableHeader
	info   *store.TableInfo
	skip   bool
	insert string
}

func newTarget(h *wire.TableHeader, info *store.TableInfo) *target {
	t := &target{header: h, info: info}
	cols := make([]string, h.NCol())
	marks := make([]string, h.NCol())
	for i := range cols {
		cols[i] = store.QuoteIdent(info.Columns[i])
		marks[i] = "?"
	}
	t.insert = `INSERT INTO ` + info.QualifiedName() +
		` (` + strings.Join(cols, ", ") + `) VALUES (` + strings.Join(marks, ", ") + `)`
	return t
}

// mismatch describes why the live table cannot take the stream's changes,
// or returns "" when it can. The live table may have extra trailing columns.
func mismatch(h *wire.TableHeader, info *store.TableInfo) string {
	switch {
	case !info.Exists():
		return "table does not exist"
	case h.NCol() > len(info.Columns):
		return "table has fewer columns than the changeset"
	}
	for i, pk := range info.PK {
		if (i < h.NCol() && pk != h.PK[i]) || (i >= h.NCol() && pk) {
			return "primary key mismatch"
		}
	}
	return ""
}

func (t *target) col(i int) string { return store.QuoteIdent(t.info.Columns[i]) }

// keyWhere matches the row by primary key, and unless force is set or the
// stream is a patchset, by every old value the record carries.
func (t *target) keyWhere(rec wire.Record, force bool, args []any) (string, []any) {
	var where []string
	for i, pk := range t.header.PK {
		if pk {
			where = append(where, t.col(i)+" = ?")
			args = append(args, rec.Old[i].SQL())
		}
	}
	if !force && !t.header.Patchset {
		for i, pk := range t.header.PK {
			if !pk && rec.Old[i].IsValid() {
				where = append(where, t.col(i)+" IS ?")
				args = append(args, rec.Old[i].SQL())
			}
		}
	}
	return strings.Join(where, " AND "), args
}

func (t *target) deleteSQL(rec wire.Record, force bool) (string, []any) {
	where, args := t.keyWhere(rec, force, nil)
	return `DELETE FROM ` + t.info.QualifiedName() + ` WHERE ` + where, args
}

func (t *target) updateSQL(rec wire.Record, force bool) (string, []any) {
	var set []string
	var args []any
	for i, pk := range t.header.PK {
		if !pk && rec.New[i].IsValid() {
			set = append(set, t.col(i)+" = ?")
			args = append(args, rec.New[i].SQL())
		}
	}
	if len(set) == 0 {
		// Nothing to write; still match the row so a missing one conflicts.
		first := t.info.PKIndexes()[0]
		set = append(set, t.col(first)+" = "+t.col(first))
	}
	where, args := t.keyWhere(rec, force, args)
	return `UPDATE ` + t.info.QualifiedName() + ` SET ` + strings.Join(set, ", ") + ` WHERE ` + where, args
}

func (t *target) insertArgs(rec wire.Record) []any {
	args := make([]any, len(rec.New))
	for i, v := range rec.New {
		args[i] = v.SQL()
	}
	return args
}

// forceDeleteSQL removes the row holding the key of an insert.
func (t *target) forceDeleteSQL(rec wire.Record) (string, []any) {
	key := wire.Record{Op: wire.OpDelete, Old: rec.New, New: make([]dbval.Value, len(rec.New))}
	return t.deleteSQL(key, true)
}
