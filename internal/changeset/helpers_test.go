package changeset

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/wire"
)

var (
	tableT = &wire.TableHeader{Name: "t", PK: []bool{true, false, false}}
	tableU = &wire.TableHeader{Name: "u", PK: []bool{true, false}}
)

func patchOf(h *wire.TableHeader) *wire.TableHeader {
	return &wire.TableHeader{Patchset: true, Name: h.Name, PK: h.PK}
}

func i(n int64) dbval.Value { return dbval.NewInteger(n) }

func s(v string) dbval.Value { return dbval.NewText(v) }

func null() dbval.Value { return dbval.NewNull() }

func u() dbval.Value { return dbval.Value{} }

func row(v ...dbval.Value) []dbval.Value { return v }

func blank(n int) []dbval.Value { return make([]dbval.Value, n) }

func ins(vals ...dbval.Value) wire.Record {
	return wire.Record{Op: wire.OpInsert, Old: blank(len(vals)), New: vals}
}

func del(vals ...dbval.Value) wire.Record {
	return wire.Record{Op: wire.OpDelete, Old: vals, New: blank(len(vals))}
}

func upd(old, new []dbval.Value) wire.Record {
	return wire.Record{Op: wire.OpUpdate, Old: old, New: new}
}

func indirect(rec wire.Record) wire.Record {
	rec.Indirect = true
	return rec
}

type group struct {
	h    *wire.TableHeader
	recs []wire.Record
}

func encode(t *testing.T, groups ...group) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	for _, g := range groups {
		w.Begin(g.h)
		for _, r := range g.recs {
			require.NoError(t, w.WriteRecord(r))
		}
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

type decoded struct {
	table string
	rec   wire.Record
}

func decode(t *testing.T, st Stream) []decoded {
	t.Helper()
	var out []decoded
	it := NewChanges(st, false)
	defer it.Finalize()
	for ok := it.Begin(); ok; ok = it.Next() {
		out = append(out, decoded{it.Change().Table(), it.Change().Record()})
	}
	require.NoError(t, it.Err())
	return out
}

// fakeQuerier serves fixed column lists and rows.
type fakeQuerier struct {
	cols map[string][]string
	rows map[string][]dbval.Value
}

func (f *fakeQuerier) Columns(_ context.Context, table string) ([]string, error) {
	return f.cols[table], nil
}

func (f *fakeQuerier) Row(_ context.Context, table string, pk []dbval.Value) ([]dbval.Value, error) {
	return f.rows[table+":"+pk[0].String()], nil
}
