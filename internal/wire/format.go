package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/roach88/rowsync/internal/dbval"
)

// PageSize is the buffer size used for stream input and output.
const PageSize = 64 * 1024

// Table header markers.
const (
	markChangeset byte = 'T'
	markPatchset  byte = 'P'
)

// ErrCorrupt is returned for streams that are truncated or malformed.
var ErrCorrupt = errors.New("corrupt changeset stream")

// Op is the operation code of a record.
type Op uint8

const (
	OpDelete Op = 9
	OpInsert Op = 18
	OpUpdate Op = 23
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	case OpUpdate:
		return "UPDATE"
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

// Valid reports whether op is one of the three record operations.
func (op Op) Valid() bool {
	return op == OpInsert || op == OpDelete || op == OpUpdate
}

// TableHeader describes the table a run of records belongs to.
type TableHeader struct {
	Patchset bool
	Name     string
	PK       []bool
}

// NCol returns the column count recorded for the table.
func (h *TableHeader) NCol() int { return len(h.PK) }

// SameShape reports whether two headers describe the same table layout.
func (h *TableHeader) SameShape(o *TableHeader) bool {
	if len(h.PK) != len(o.PK) {
		return false
	}
	for i := range h.PK {
		if h.PK[i] != o.PK[i] {
			return false
		}
	}
	return true
}

// PKBytes returns the primary key flags as one byte per column.
func (h *TableHeader) PKBytes() []byte {
	b := make([]byte, len(h.PK))
	for i, pk := range h.PK {
		if pk {
			b[i] = 1
		}
	}
	return b
}

// Record is one decoded row change. Old and New always have NCol entries;
// entries a side does not supply are Undefined.
type Record struct {
	Op       Op
	Indirect bool
	Old      []dbval.Value
	New      []dbval.Value
}

// appendVarint appends v using the SQLite variable length integer encoding:
// big-endian groups of seven bits, high bit set on all but the last byte, and
// a full eighth byte when nine bytes are needed.
func appendVarint(b []byte, v uint64) []byte {
	if v <= 0x7f {
		return append(b, byte(v))
	}
	if v <= 0x3fff {
		return append(b, byte(v>>7)|0x80, byte(v&0x7f))
	}
	if v&(uint64(0xff000000)<<32) != 0 {
		var tmp [9]byte
		tmp[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			tmp[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return append(b, tmp[:]...)
	}
	var tmp [9]byte
	n := 0
	for v != 0 {
		tmp[n] = byte(v&0x7f) | 0x80
		n++
		v >>= 7
	}
	tmp[0] &= 0x7f
	for i := n - 1; i >= 0; i-- {
		b = append(b, tmp[i])
	}
	return b
}

func readVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint64(c&0x7f)
		if c&0x80 == 0 {
			return v, nil
		}
	}
	c, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return v<<8 | uint64(c), nil
}

// appendValue appends the wire form of v.
func appendValue(b []byte, v dbval.Value) []byte {
	b = append(b, byte(v.Kind()))
	switch v.Kind() {
	case dbval.Integer:
		b = binary.BigEndian.AppendUint64(b, uint64(v.Int()))
	case dbval.Float:
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v.Float()))
	case dbval.Text:
		b = appendVarint(b, uint64(len(v.Text())))
		b = append(b, v.Text()...)
	case dbval.Blob:
		b = appendVarint(b, uint64(len(v.Blob())))
		b = append(b, v.Blob()...)
	}
	return b
}

// AppendValue appends the wire form of v to b.
func AppendValue(b []byte, v dbval.Value) []byte { return appendValue(b, v) }

// EncodedLen returns the number of bytes v occupies on the wire.
func EncodedLen(v dbval.Value) int {
	switch v.Kind() {
	case dbval.Integer, dbval.Float:
		return 9
	case dbval.Text, dbval.Blob:
		n := v.Bytes()
		return 1 + len(appendVarint(nil, uint64(n))) + n
	}
	return 1
}
