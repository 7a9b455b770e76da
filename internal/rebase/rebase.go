// Package rebase records how conflicts were resolved while applying a
// remote changeset, and uses those records to rewrite local changesets so
// they apply cleanly on top of the remote changes.
package rebase

import (
	"errors"

	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/wire"
)

// ErrMalformed is returned for rebase blobs that cannot be decoded or that
// contain records other than INSERT and DELETE.
var ErrMalformed = errors.New("malformed rebase data")

// noCopy makes go vet's copylocks check flag copies of the containing struct.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Rebase owns a rebase blob. It must not be copied; hand the buffer to a new
// owner with Take.
type Rebase struct {
	_ noCopy

	data  []byte
	table *wire.TableHeader
}

// New returns an empty Rebase ready to be filled by an apply.
func New() *Rebase { return &Rebase{} }

// FromBytes takes ownership of b.
func FromBytes(b []byte) *Rebase { return &Rebase{data: b} }

// Bytes returns the blob. The slice remains owned by r.
func (r *Rebase) Bytes() []byte { return r.data }

// Len returns the blob size in bytes.
func (r *Rebase) Len() int { return len(r.data) }

// IsEmpty reports whether no conflict was recorded.
func (r *Rebase) IsEmpty() bool { return len(r.data) == 0 }

// Take transfers the blob to the caller and leaves r empty.
func (r *Rebase) Take() []byte {
	b := r.data
	r.Release()
	return b
}

// Release discards the blob.
func (r *Rebase) Release() {
	r.data = nil
	r.table = nil
}

// Record appends the resolution of a conflicting change. h is the header of
// the stream being applied; consecutive records for the same header share a
// single table header in the blob.
func (r *Rebase) Record(h *wire.TableHeader, rec wire.Record, replace bool) {
	if r.table == nil || r.table.Name != h.Name || !r.table.SameShape(h) {
		r.table = &wire.TableHeader{Name: h.Name, PK: append([]bool(nil), h.PK...)}
		r.data = wire.AppendHeader(r.data, r.table)
	}
	r.data = wire.AppendRecord(r.data, r.table, resolution(h, rec, replace))
}

// resolution converts an applied change into its rebase record: DELETE with
// the old values for deletes, INSERT with the written values otherwise. The
// key of an update comes from its old side.
func resolution(h *wire.TableHeader, rec wire.Record, replace bool) wire.Record {
	n := h.NCol()
	vals := make([]dbval.Value, n)
	for i := 0; i < n; i++ {
		if rec.Op == wire.OpDelete || (rec.Op == wire.OpUpdate && h.PK[i]) {
			vals[i] = rec.Old[i]
		} else {
			vals[i] = rec.New[i]
		}
	}
	out := wire.Record{Indirect: replace}
	if rec.Op == wire.OpDelete {
		out.Op = wire.OpDelete
		out.Old = vals
		out.New = make([]dbval.Value, n)
	} else {
		out.Op = wire.OpInsert
		out.Old = make([]dbval.Value, n)
		out.New = vals
	}
	return out
}
