package rebase

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/wire"
)

func tableT() *wire.TableHeader {
	return &wire.TableHeader{Name: "t", PK: []bool{true, false, false}}
}

func i(n int64) dbval.Value { return dbval.NewInteger(n) }

func s(v string) dbval.Value { return dbval.NewText(v) }

func u() dbval.Value { return dbval.Value{} }

func row(v ...dbval.Value) []dbval.Value { return v }

func ins(vals ...dbval.Value) wire.Record {
	return wire.Record{Op: wire.OpInsert, Old: make([]dbval.Value, len(vals)), New: vals}
}

func del(vals ...dbval.Value) wire.Record {
	return wire.Record{Op: wire.OpDelete, Old: vals, New: make([]dbval.Value, len(vals))}
}

func upd(old, new []dbval.Value) wire.Record {
	return wire.Record{Op: wire.OpUpdate, Old: old, New: new}
}

func encode(h *wire.TableHeader, recs ...wire.Record) []byte {
	b := wire.AppendHeader(nil, h)
	for _, rec := range recs {
		b = wire.AppendRecord(b, h, rec)
	}
	return b
}

func decode(t *testing.T, data []byte) ([]*wire.TableHeader, []wire.Record) {
	t.Helper()
	var hs []*wire.TableHeader
	var recs []wire.Record
	r := wire.NewReader(bytes.NewReader(data))
	for {
		h, rec, err := r.Next()
		if err == io.EOF {
			return hs, recs
		}
		require.NoError(t, err)
		hs = append(hs, h)
		recs = append(recs, rec)
	}
}

// blob builds rebase data for table t from (record, replace) pairs.
func blob(recs []wire.Record, replace []bool) []byte {
	r := New()
	h := tableT()
	for n, rec := range recs {
		r.Record(h, rec, replace[n])
	}
	return r.Take()
}

func rebaseOne(t *testing.T, remote wire.Record, replace bool, local wire.Record) []wire.Record {
	t.Helper()
	rb := NewRebaser(nil)
	require.NoError(t, rb.AddRebase(blob([]wire.Record{remote}, []bool{replace})))
	var out bytes.Buffer
	require.NoError(t, rb.DoRebase(&out, changeset.BytesStream(encode(tableT(), local))))
	_, recs := decode(t, out.Bytes())
	return recs
}

func TestRecord_BlobFormat(t *testing.T) {
	r := New()
	h := &wire.TableHeader{Patchset: true, Name: "t", PK: []bool{true, false, false}}
	r.Record(h, ins(i(1), s("a"), i(10)), false)
	r.Record(h, upd(row(i(2), u(), u()), row(u(), s("b"), u())), true)
	r.Record(h, del(i(3), u(), u()), false)

	hs, recs := decode(t, r.Bytes())
	require.Len(t, recs, 3)
	for _, got := range hs {
		assert.False(t, got.Patchset, "rebase data always uses changeset headers")
		assert.Same(t, hs[0], got, "one header for the run")
	}

	assert.Equal(t, wire.OpInsert, recs[0].Op)
	assert.False(t, recs[0].Indirect)
	assert.Equal(t, row(i(1), s("a"), i(10)), recs[0].New)

	assert.Equal(t, wire.OpInsert, recs[1].Op, "updates are recorded as inserts")
	assert.True(t, recs[1].Indirect, "replace sets the indirect byte")
	assert.Equal(t, row(i(2), s("b"), u()), recs[1].New)

	assert.Equal(t, wire.OpDelete, recs[2].Op)
	assert.Equal(t, row(i(3), u(), u()), recs[2].Old)
}

func TestRecord_NewHeaderPerTableRun(t *testing.T) {
	r := New()
	a := tableT()
	b := &wire.TableHeader{Name: "u", PK: []bool{true, false}}
	r.Record(a, ins(i(1), s("a"), i(1)), false)
	r.Record(b, ins(i(1), s("b")), false)
	r.Record(a, ins(i(2), s("c"), i(2)), false)

	hs, _ := decode(t, r.Bytes())
	require.Len(t, hs, 3)
	assert.Equal(t, []string{"t", "u", "t"}, []string{hs[0].Name, hs[1].Name, hs[2].Name})
	assert.NotSame(t, hs[0], hs[2])
}

func TestRebase_Ownership(t *testing.T) {
	r := New()
	assert.True(t, r.IsEmpty())
	r.Record(tableT(), ins(i(1), s("a"), i(1)), false)
	n := r.Len()
	require.Positive(t, n)

	b := r.Take()
	assert.Len(t, b, n)
	assert.True(t, r.IsEmpty())
	assert.Nil(t, r.Bytes())

	r2 := FromBytes(b)
	assert.Equal(t, n, r2.Len())
	r2.Release()
	assert.Zero(t, r2.Len())
}

func TestRebaser_Rules(t *testing.T) {
	tests := []struct {
		name    string
		remote  wire.Record
		replace bool
		local   wire.Record
		want    []wire.Record
	}{
		{
			name:   "insert vs insert omit becomes update",
			remote: ins(i(1), s("remote"), i(5)),
			local:  ins(i(1), s("local"), i(6)),
			want:   []wire.Record{upd(row(i(1), s("remote"), i(5)), row(i(1), s("local"), i(6)))},
		},
		{
			name:    "insert vs insert replace is dropped",
			remote:  ins(i(1), s("remote"), i(5)),
			replace: true,
			local:   ins(i(1), s("local"), i(6)),
		},
		{
			name:   "insert vs delete passes through",
			remote: del(i(1), s("x"), i(5)),
			local:  ins(i(1), s("local"), i(6)),
			want:   []wire.Record{ins(i(1), s("local"), i(6))},
		},
		{
			name:   "update vs delete omit becomes insert",
			remote: del(i(1), s("gone"), i(5)),
			local:  upd(row(i(1), s("gone"), u()), row(u(), s("kept"), u())),
			want:   []wire.Record{ins(i(1), s("kept"), i(5))},
		},
		{
			name:    "update vs delete replace is dropped",
			remote:  del(i(1), s("gone"), i(5)),
			replace: true,
			local:   upd(row(i(1), s("gone"), u()), row(u(), s("kept"), u())),
		},
		{
			name:   "update vs insert omit rebases old values",
			remote: ins(i(1), s("remote"), i(5)),
			local:  upd(row(i(1), s("base"), u()), row(u(), s("local"), u())),
			want:   []wire.Record{upd(row(i(1), s("remote"), u()), row(u(), s("local"), u()))},
		},
		{
			name:    "update vs insert replace removes forced columns",
			remote:  ins(i(1), u(), i(5)),
			replace: true,
			local:   upd(row(i(1), s("base"), i(1)), row(u(), s("local"), i(2))),
			want:    []wire.Record{upd(row(i(1), s("base"), u()), row(u(), s("local"), u()))},
		},
		{
			name:    "update vs insert replace drops fully forced update",
			remote:  ins(i(1), s("remote"), i(5)),
			replace: true,
			local:   upd(row(i(1), s("base"), u()), row(u(), s("local"), u())),
		},
		{
			name:   "delete vs insert omit rebases old values",
			remote: ins(i(1), s("remote"), i(5)),
			local:  del(i(1), s("base"), i(1)),
			want:   []wire.Record{del(i(1), s("remote"), i(5))},
		},
		{
			name:    "delete vs insert replace keeps local old values",
			remote:  ins(i(1), s("remote"), i(5)),
			replace: true,
			local:   del(i(1), s("base"), i(1)),
			want:    []wire.Record{del(i(1), s("base"), i(1))},
		},
		{
			name:   "delete vs delete is dropped",
			remote: del(i(1), s("x"), i(5)),
			local:  del(i(1), s("x"), i(5)),
		},
		{
			name:   "unrelated row passes through",
			remote: ins(i(9), s("remote"), i(5)),
			local:  upd(row(i(1), s("a"), u()), row(u(), s("b"), u())),
			want:   []wire.Record{upd(row(i(1), s("a"), u()), row(u(), s("b"), u()))},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rebaseOne(t, tt.remote, tt.replace, tt.local)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRebaser_LayeredBlobs(t *testing.T) {
	rb := NewRebaser(nil)
	require.NoError(t, rb.AddRebase(blob([]wire.Record{ins(i(1), s("first"), i(1))}, []bool{false})))
	require.NoError(t, rb.AddRebase(blob([]wire.Record{ins(i(1), s("second"), u())}, []bool{false})))

	local := changeset.BytesStream(encode(tableT(), upd(row(i(1), s("base"), i(0)), row(u(), s("mine"), i(7)))))
	cs, err := rb.Rebase(local)
	require.NoError(t, err)

	_, recs := decode(t, cs.Bytes())
	require.Len(t, recs, 1)
	assert.Equal(t, row(i(1), s("second"), i(1)), recs[0].Old, "later blobs override earlier values")

	require.NoError(t, rb.AddRebase(blob([]wire.Record{ins(i(1), s("third"), i(3))}, []bool{true})))
	cs, err = rb.Rebase(local)
	require.NoError(t, err)
	assert.True(t, cs.IsEmpty(), "a replace layered on top removes every column")
}

func TestRebaser_TableNamesAreCaseInsensitive(t *testing.T) {
	rb := NewRebaser(nil)
	require.NoError(t, rb.AddRebase(blob([]wire.Record{del(i(1), s("x"), i(1))}, []bool{false})))

	h := tableT()
	h.Name = "T"
	cs, err := rb.Rebase(changeset.BytesStream(encode(h, del(i(1), s("x"), i(1)))))
	require.NoError(t, err)
	assert.True(t, cs.IsEmpty())
}

func TestAddRebase_Malformed(t *testing.T) {
	good := blob([]wire.Record{del(i(1), s("x"), i(1))}, []bool{false})

	tests := map[string][]byte{
		"garbage":         {0x42, 0x00},
		"truncated":       good[:len(good)-2],
		"update record":   encode(tableT(), upd(row(i(1), s("a"), u()), row(u(), s("b"), u()))),
		"patchset header": encode(&wire.TableHeader{Patchset: true, Name: "t", PK: []bool{true, false, false}}, ins(i(1), s("a"), i(1))),
		"shape change":    append(append([]byte(nil), good...), encode(&wire.TableHeader{Name: "t", PK: []bool{true, false}}, ins(i(2), s("a")))...),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			rb := NewRebaser(nil)
			err := rb.AddRebase(data)
			require.ErrorIs(t, err, ErrMalformed)
			assert.Empty(t, rb.tables, "failed blobs load nothing")
		})
	}
}

func TestAddRebase_ShapeConflictWithLoadedData(t *testing.T) {
	rb := NewRebaser(nil)
	require.NoError(t, rb.AddRebase(blob([]wire.Record{del(i(1), s("x"), i(1))}, []bool{false})))
	err := rb.AddRebase(encode(&wire.TableHeader{Name: "t", PK: []bool{true, false}}, ins(i(2), s("a"))))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDoRebase_Patchset(t *testing.T) {
	rb := NewRebaser(nil)
	h := &wire.TableHeader{Patchset: true, Name: "t", PK: []bool{true, false, false}}
	var out bytes.Buffer
	err := rb.DoRebase(&out, changeset.BytesStream(encode(h, ins(i(1), s("a"), i(1)))))
	require.ErrorIs(t, err, ErrPatchset)
	assert.Zero(t, out.Len())
}

func TestDoRebase_ShapeMismatchWritesNothing(t *testing.T) {
	rb := NewRebaser(nil)
	require.NoError(t, rb.AddRebase(blob([]wire.Record{del(i(5), s("x"), i(1))}, []bool{false})))

	other := &wire.TableHeader{Name: "a", PK: []bool{true}}
	narrow := &wire.TableHeader{Name: "t", PK: []bool{true, false}}
	data := append(encode(other, ins(i(1))), encode(narrow, ins(i(1), s("a")))...)

	var out bytes.Buffer
	err := rb.DoRebase(&out, changeset.BytesStream(data))
	require.Error(t, err)
	assert.True(t, changeset.IsSchemaMismatch(err))
	assert.Zero(t, out.Len(), "output is buffered until the whole stream succeeds")
}

func TestDoRebase_EmptyRebaserCopiesStream(t *testing.T) {
	rb := NewRebaser(nil)
	data := encode(tableT(), ins(i(1), s("a"), i(1)), del(i(2), s("b"), i(2)))
	var out bytes.Buffer
	require.NoError(t, rb.DoRebase(&out, changeset.BytesStream(data)))
	assert.Equal(t, data, out.Bytes())
}
