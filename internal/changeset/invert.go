package changeset

import (
	"errors"
	"fmt"
	"io"

	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/wire"
)

// invertRecord returns the record that undoes rec. The input slices are not
// modified.
func invertRecord(rec wire.Record) wire.Record {
	out := wire.Record{Indirect: rec.Indirect}
	switch rec.Op {
	case wire.OpInsert:
		out.Op = wire.OpDelete
		out.Old = rec.New
		out.New = make([]dbval.Value, len(rec.New))
	case wire.OpDelete:
		out.Op = wire.OpInsert
		out.New = rec.Old
		out.Old = make([]dbval.Value, len(rec.Old))
	default:
		out.Op = wire.OpUpdate
		out.Old = make([]dbval.Value, len(rec.Old))
		out.New = make([]dbval.Value, len(rec.New))
		for i := range rec.Old {
			if rec.New[i].IsValid() {
				out.Old[i] = rec.New[i]
				out.New[i] = rec.Old[i]
			} else {
				out.Old[i] = rec.Old[i]
			}
		}
	}
	return out
}

// Invert writes the inverse of s to w, group by group in the original order.
// Patchsets are rejected with ErrPatchsetInvert.
func Invert(w io.Writer, s Stream) error {
	rc, err := s.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := wire.NewReader(rc)
	ww := wire.NewWriter(w)
	var last *wire.TableHeader
	for {
		h, rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("invert: %w", err)
		}
		if h.Patchset {
			return &Error{Code: ErrCodeInvert, Table: h.Name, Err: ErrPatchsetInvert}
		}
		if h != last {
			ww.Begin(h)
			last = h
		}
		if err := ww.WriteRecord(invertRecord(rec)); err != nil {
			return err
		}
	}
	return ww.Flush()
}
