package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/roach88/rowsync/internal/dbval"
)

// Writer encodes records into a changeset or patchset stream. Table headers
// are written lazily, so a table that receives no records leaves no trace.
type Writer struct {
	bw      *bufio.Writer
	pending *TableHeader
	current *TableHeader
	buf     []byte
	n       int64
}

// NewWriter returns a Writer that flushes to w in PageSize chunks.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, PageSize)}
}

// Begin starts a new table group. Records written afterwards belong to h.
func (w *Writer) Begin(h *TableHeader) {
	w.pending = h
}

// Table returns the header of the group records are currently written to.
func (w *Writer) Table() *TableHeader {
	if w.pending != nil {
		return w.pending
	}
	return w.current
}

// WriteRecord appends rec to the current table group.
func (w *Writer) WriteRecord(rec Record) error {
	if w.pending != nil {
		w.buf = AppendHeader(w.buf[:0], w.pending)
		if err := w.write(w.buf); err != nil {
			return err
		}
		w.current, w.pending = w.pending, nil
	}
	if w.current == nil {
		return fmt.Errorf("write changeset: record without table")
	}
	w.buf = AppendRecord(w.buf[:0], w.current, rec)
	return w.write(w.buf)
}

// Written returns the number of bytes encoded so far, flushed or not.
func (w *Writer) Written() int64 { return w.n }

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("write changeset: %w", err)
	}
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.bw.Write(b)
	w.n += int64(n)
	if err != nil {
		return fmt.Errorf("write changeset: %w", err)
	}
	return nil
}

// AppendHeader appends the encoding of a table header.
func AppendHeader(b []byte, h *TableHeader) []byte {
	if h.Patchset {
		b = append(b, markPatchset)
	} else {
		b = append(b, markChangeset)
	}
	b = appendVarint(b, uint64(len(h.PK)))
	b = append(b, h.PKBytes()...)
	b = append(b, h.Name...)
	return append(b, 0)
}

// AppendRecord appends the encoding of rec as a member of table h.
func AppendRecord(b []byte, h *TableHeader, rec Record) []byte {
	b = append(b, byte(rec.Op))
	if rec.Indirect {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	switch {
	case rec.Op == OpInsert:
		b = appendRow(b, rec.New, nil)
	case rec.Op == OpDelete && h.Patchset:
		b = appendRow(b, rec.Old, h.PK)
	case rec.Op == OpDelete:
		b = appendRow(b, rec.Old, nil)
	case h.Patchset:
		for i := range h.PK {
			if h.PK[i] {
				b = appendValue(b, rec.Old[i])
			} else {
				b = appendValue(b, rec.New[i])
			}
		}
	default:
		b = appendRow(b, rec.Old, nil)
		b = appendRow(b, rec.New, nil)
	}
	return b
}

func appendRow(b []byte, vals []dbval.Value, only []bool) []byte {
	for i, v := range vals {
		if only != nil && !only[i] {
			continue
		}
		b = appendValue(b, v)
	}
	return b
}
