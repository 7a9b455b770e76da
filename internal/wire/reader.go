package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/roach88/rowsync/internal/dbval"
)

// maxColumns bounds the column count accepted from a stream header.
const maxColumns = 32767

// Reader decodes a changeset or patchset stream.
type Reader struct {
	br    *bufio.Reader
	table *TableHeader
	buf   []byte
}

// NewReader returns a Reader that pulls from r in PageSize chunks.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok || br.Size() < PageSize {
		br = bufio.NewReaderSize(r, PageSize)
	}
	return &Reader{br: br}
}

// Next decodes the next record. It returns io.EOF once the stream ends on a
// record boundary. The returned header is shared by every record of the same
// table group and must not be modified.
func (r *Reader) Next() (*TableHeader, Record, error) {
	for {
		c, err := r.br.ReadByte()
		if err == io.EOF {
			return nil, Record{}, io.EOF
		}
		if err != nil {
			return nil, Record{}, fmt.Errorf("read changeset: %w", err)
		}

		switch c {
		case markChangeset, markPatchset:
			h, err := r.readHeader(c == markPatchset)
			if err != nil {
				return nil, Record{}, err
			}
			r.table = h
			continue
		}

		op := Op(c)
		if !op.Valid() {
			return nil, Record{}, fmt.Errorf("%w: unexpected byte 0x%02x", ErrCorrupt, c)
		}
		if r.table == nil {
			return nil, Record{}, fmt.Errorf("%w: record before table header", ErrCorrupt)
		}
		rec, err := r.readRecord(op)
		if err != nil {
			return nil, Record{}, err
		}
		return r.table, rec, nil
	}
}

func (r *Reader) readHeader(patchset bool) (*TableHeader, error) {
	n, err := readVarint(r.br)
	if err != nil {
		return nil, truncated(err)
	}
	if n == 0 || n > maxColumns {
		return nil, fmt.Errorf("%w: bad column count %d", ErrCorrupt, n)
	}
	flags := make([]byte, n)
	if _, err := io.ReadFull(r.br, flags); err != nil {
		return nil, truncated(err)
	}
	name, err := r.br.ReadString(0)
	if err != nil {
		return nil, truncated(err)
	}
	h := &TableHeader{
		Patchset: patchset,
		Name:     name[:len(name)-1],
		PK:       make([]bool, n),
	}
	for i, f := range flags {
		h.PK[i] = f != 0
	}
	return h, nil
}

func (r *Reader) readRecord(op Op) (Record, error) {
	ind, err := r.br.ReadByte()
	if err != nil {
		return Record{}, truncated(err)
	}
	h := r.table
	n := h.NCol()
	rec := Record{
		Op:       op,
		Indirect: ind != 0,
		Old:      make([]dbval.Value, n),
		New:      make([]dbval.Value, n),
	}

	switch {
	case op == OpInsert:
		err = r.readValues(rec.New, nil)
	case op == OpDelete && h.Patchset:
		err = r.readValues(rec.Old, h.PK)
	case op == OpDelete:
		err = r.readValues(rec.Old, nil)
	case h.Patchset:
		// Single record; the primary key moves to the old side.
		if err = r.readValues(rec.New, nil); err == nil {
			for i, pk := range h.PK {
				if pk {
					rec.Old[i], rec.New[i] = rec.New[i], dbval.Value{}
				}
			}
		}
	default:
		if err = r.readValues(rec.Old, nil); err == nil {
			err = r.readValues(rec.New, nil)
		}
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// readValues fills dst. When only is non-nil, positions where only[i] is
// false are not present in the stream and stay Undefined.
func (r *Reader) readValues(dst []dbval.Value, only []bool) error {
	for i := range dst {
		if only != nil && !only[i] {
			continue
		}
		v, err := r.readValue()
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (r *Reader) readValue() (dbval.Value, error) {
	tag, err := r.br.ReadByte()
	if err != nil {
		return dbval.Value{}, truncated(err)
	}
	switch dbval.Kind(tag) {
	case dbval.Undefined:
		return dbval.Value{}, nil
	case dbval.Null:
		return dbval.NewNull(), nil
	case dbval.Integer, dbval.Float:
		var b [8]byte
		if _, err := io.ReadFull(r.br, b[:]); err != nil {
			return dbval.Value{}, truncated(err)
		}
		u := binary.BigEndian.Uint64(b[:])
		if dbval.Kind(tag) == dbval.Integer {
			return dbval.NewInteger(int64(u)), nil
		}
		return dbval.NewFloat(math.Float64frombits(u)), nil
	case dbval.Text, dbval.Blob:
		n, err := readVarint(r.br)
		if err != nil {
			return dbval.Value{}, truncated(err)
		}
		if n > math.MaxInt32 {
			return dbval.Value{}, fmt.Errorf("%w: value length %d", ErrCorrupt, n)
		}
		if cap(r.buf) < int(n) {
			r.buf = make([]byte, n)
		}
		b := r.buf[:n]
		if _, err := io.ReadFull(r.br, b); err != nil {
			return dbval.Value{}, truncated(err)
		}
		if dbval.Kind(tag) == dbval.Text {
			return dbval.NewText(string(b)), nil
		}
		return dbval.NewBlob(b), nil
	}
	return dbval.Value{}, fmt.Errorf("%w: bad value type %d", ErrCorrupt, tag)
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: unexpected end of stream", ErrCorrupt)
	}
	return fmt.Errorf("read changeset: %w", err)
}
